package shellcmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gobatch/pkg/accounting"
	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/transport"
)

// ensureSpecs inspects the target host once: resource directory, architecture,
// kernel, GNU time and, with Override, the real core and memory counts.
// Callers hold b.mu.
func (b *Backend) ensureSpecs(ctx context.Context) error {
	if b.specsLoaded {
		return nil
	}
	if err := b.t.Connect(ctx); err != nil {
		return job.WrapCause(job.ErrTransport, err, "connect to %s", b.t.Frontend())
	}

	resourceDir, err := b.expand(ctx, b.cfg.ResourceDir, DefaultResourceDir)
	if err != nil {
		return err
	}
	store := accounting.NewStore(b.t, resourceDir, b.logger)
	if err := store.EnsureRoot(); err != nil {
		return job.WrapCause(job.ErrConfiguration, err, "create resource directory %s", resourceDir)
	}

	arch, err := b.output(ctx, "uname -m")
	if err != nil {
		return err
	}
	arch = job.NormalizeArchitecture(arch)
	if len(b.res.Architectures) == 0 {
		b.res.Architectures = []string{arch}
	} else if !b.res.SupportsArchitecture(arch) {
		return job.Wrap(job.ErrConfiguration,
			"resource %s: configured architecture %s but %s reports %s",
			b.res.Name, strings.Join(b.res.Architectures, ", "), b.t.Frontend(), arch)
	}

	kernel, err := b.output(ctx, "uname -s")
	if err != nil {
		return err
	}

	timeCmd, err := b.locateGNUTime(ctx)
	if err != nil {
		return err
	}

	spool, err := b.spool(ctx)
	if err != nil {
		return err
	}

	if b.cfg.Override {
		if err := b.detectCapacity(ctx, kernel); err != nil {
			return err
		}
	}

	b.store = store
	b.kernel = kernel
	b.timeCmd = timeCmd
	b.spoolDir = spool
	b.specsLoaded = true
	b.recompute()
	b.logger.Debug("Gathered machine specs",
		zap.String("kernel", kernel),
		zap.String("arch", arch),
		zap.String("time_cmd", timeCmd),
		zap.String("spool", spool),
		zap.String("resource_dir", resourceDir))
	return nil
}

// output runs command and returns its trimmed stdout, failing on non-zero exit.
func (b *Backend) output(ctx context.Context, command string) (string, error) {
	res, err := b.t.Execute(ctx, command)
	if err != nil {
		return "", job.WrapCause(job.ErrTransport, err, "run %q", command)
	}
	if !res.OK() {
		return "", job.Wrap(job.ErrTransport, "%q on %s exited with code %d: %s",
			command, b.t.Frontend(), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// expand lets the target host's shell expand variables in dir.
func (b *Backend) expand(ctx context.Context, dir, fallback string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		dir = fallback
	}
	out, err := b.output(ctx, "echo "+transport.QuoteExpandable(dir))
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", job.Wrap(job.ErrConfiguration, "directory %q expands to nothing on %s", dir, b.t.Frontend())
	}
	return out, nil
}

func (b *Backend) spool(ctx context.Context) (string, error) {
	if b.cfg.SpoolDir != "" {
		return b.expand(ctx, b.cfg.SpoolDir, fallbackSpool)
	}
	res, err := b.t.Execute(ctx, `cd "$TMPDIR" && pwd`)
	if err != nil {
		return "", job.WrapCause(job.ErrTransport, err, "find spool directory")
	}
	dir := strings.TrimSpace(res.Stdout)
	if !res.OK() || !path.IsAbs(dir) {
		b.logger.Debug("No usable $TMPDIR, using fallback spool", zap.String("spool", fallbackSpool))
		return fallbackSpool, nil
	}
	return dir, nil
}

// locateGNUTime returns the first candidate that identifies as GNU time. The
// wrapper runs it by path, so shell builtins never count.
func (b *Backend) locateGNUTime(ctx context.Context) (string, error) {
	candidates := []string{"time", "gtime"}
	if b.cfg.TimeCmd != "" {
		candidates = append([]string{b.cfg.TimeCmd}, candidates...)
	}
	for _, c := range candidates {
		b.logger.Debug("Checking for GNU time", zap.String("cmd", c))
		res, err := b.t.Execute(ctx, "command "+transport.Quote(c)+" --version 2>&1 | grep GNU")
		if err != nil {
			return "", job.WrapCause(job.ErrTransport, err, "locate GNU time")
		}
		if res.OK() {
			return c, nil
		}
	}
	return "", job.Wrap(job.ErrConfiguration,
		"resource %s: GNU time not found on %s; install it or set time_cmd", b.res.Name, b.t.Frontend())
}

func (b *Backend) detectCapacity(ctx context.Context, kernel string) error {
	var cores int
	var memory job.Memory

	switch kernel {
	case "Linux":
		out, err := b.output(ctx, "nproc")
		if err != nil {
			return err
		}
		if cores, err = strconv.Atoi(out); err != nil {
			return job.WrapCause(job.ErrConfiguration, err, "parse nproc output %q", out)
		}
		data, err := transport.ReadFile(b.t, "/proc/meminfo")
		if err != nil {
			return job.WrapCause(job.ErrTransport, err, "read /proc/meminfo")
		}
		if memory, err = memTotal(data); err != nil {
			return job.WrapCause(job.ErrConfiguration, err, "parse /proc/meminfo")
		}
	case "Darwin":
		out, err := b.output(ctx, "sysctl -n hw.ncpu")
		if err != nil {
			return err
		}
		if cores, err = strconv.Atoi(out); err != nil {
			return job.WrapCause(job.ErrConfiguration, err, "parse hw.ncpu %q", out)
		}
		out, err = b.output(ctx, "sysctl -n hw.memsize")
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(out, 10, 64)
		if err != nil {
			return job.WrapCause(job.ErrConfiguration, err, "parse hw.memsize %q", out)
		}
		memory = job.Memory(n)
	default:
		b.logger.Warn("Cannot detect capacity on this kernel, keeping configured values", zap.String("kernel", kernel))
		return nil
	}

	if cores > 0 && cores != b.res.MaxCores {
		b.logger.Info("Configured max_cores differs from host, using detected value",
			zap.Int("configured", b.res.MaxCores), zap.Int("detected", cores))
		b.res.MaxCores = cores
		if b.res.MaxCoresPerJob > cores || b.cfg.Resource.MaxCoresPerJob == 0 {
			b.res.MaxCoresPerJob = cores
		}
	}
	if memory > 0 && memory != b.totalMemory {
		b.logger.Info("Configured memory differs from host, using detected value",
			zap.Stringer("configured", b.totalMemory), zap.Stringer("detected", memory))
		b.totalMemory = memory
		b.res.MaxMemoryPerCore = memory / job.Memory(max(b.res.MaxCores, 1))
	}
	return nil
}

// memTotal extracts MemTotal (in kB) from /proc/meminfo content.
func memTotal(data []byte) (job.Memory, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			n, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, err
			}
			return job.Memory(n) * job.KiB, nil
		}
	}
	return 0, fmt.Errorf("no MemTotal line")
}
