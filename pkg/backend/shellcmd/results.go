package shellcmd

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/staging"
	"github.com/3leaps/gobatch/pkg/transport"
)

// stageOut is one remote path to copy and where it goes.
type stageOut struct {
	remote string
	dest   string
	upload *job.Output
	rel    string
}

// GetResults copies the declared outputs into dest. Outputs that do not exist
// in the execution directory are skipped. Glob sources expand against the
// execution directory; "*" copies all of it except the wrapper's files.
func (b *Backend) GetResults(ctx context.Context, t *job.Task, dest string, overwrite, changedOnly bool) error {
	execDir := t.Execution.LRMSExecDir
	if execDir == "" {
		return job.Wrap(job.ErrOutputNotAvailable, "task %s has no execution directory", t)
	}
	if err := b.t.Connect(ctx); err != nil {
		return job.WrapCause(job.ErrTransport, err, "connect to %s", b.t.Frontend())
	}

	var pairs []stageOut
	for i := range t.App.Outputs {
		out := &t.App.Outputs[i]
		target := job.ResolveOutput(out.Dest, dest)
		local := filepath.FromSlash(target.Path)
		var upload *job.Output
		if !job.IsLocalRef(target) {
			upload = &job.Output{Source: out.Source, Dest: target}
			local = ""
		}

		switch {
		case out.Source == job.AnyOutput:
			names, err := b.t.ListDir(execDir)
			if err != nil {
				return job.WrapCause(job.ErrDataStaging, err, "list %s", execDir)
			}
			for _, name := range names {
				if name == wrapperDir {
					continue
				}
				pairs = append(pairs, stageOut{remote: path.Join(execDir, name), dest: joinLocal(local, name), upload: upload, rel: name})
			}
		case staging.HasMeta(out.Source):
			files, err := b.walk(execDir, "")
			if err != nil {
				return job.WrapCause(job.ErrDataStaging, err, "list %s", execDir)
			}
			matches, err := staging.Filter(out.Source, files)
			if err != nil {
				return job.WrapCause(job.ErrDataStaging, err, "expand output %q", out.Source)
			}
			for _, rel := range matches {
				pairs = append(pairs, stageOut{remote: path.Join(execDir, rel), dest: joinLocal(local, rel), upload: upload, rel: rel})
			}
		default:
			pairs = append(pairs, stageOut{remote: path.Join(execDir, out.Source), dest: local, upload: upload})
		}
	}

	opts := transport.CopyOptions{Overwrite: overwrite, ChangedOnly: changedOnly, IgnoreNotExist: true}
	b.logger.Debug("Downloading job output", zap.String("task", t.String()), zap.String("dest", dest), zap.Int("entries", len(pairs)))
	for _, p := range pairs {
		if p.upload != nil {
			if err := b.uploadOutput(ctx, p, opts); err != nil {
				return err
			}
			continue
		}
		if err := b.t.Get(ctx, p.remote, p.dest, opts); err != nil {
			return job.WrapCause(job.ErrDataStaging, err, "copy output %s", p.remote)
		}
	}
	return nil
}

func joinLocal(base, rel string) string {
	if base == "" {
		return ""
	}
	return filepath.Join(base, filepath.FromSlash(rel))
}

// uploadOutput fetches p.remote into a scratch directory and hands it to the
// stager for p.upload's scheme.
func (b *Backend) uploadOutput(ctx context.Context, p stageOut, opts transport.CopyOptions) error {
	tmp, err := os.MkdirTemp("", "gobatch-out-*")
	if err != nil {
		return job.WrapCause(job.ErrDataStaging, err, "create staging directory")
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	local := filepath.Join(tmp, path.Base(p.remote))
	opts.Overwrite = true
	if err := b.t.Get(ctx, p.remote, local, opts); err != nil {
		return job.WrapCause(job.ErrDataStaging, err, "copy output %s", p.remote)
	}
	if _, err := os.Stat(local); os.IsNotExist(err) {
		return nil
	}

	target := p.upload.Dest
	if p.rel != "" {
		u := *target
		u.Path = path.Join(u.Path, p.rel)
		target = &u
	}
	if err := b.stagers.Upload(ctx, local, target); err != nil {
		return job.WrapCause(job.ErrDataStaging, err, "upload output %s", p.remote)
	}
	return nil
}

// walk lists regular files below dir as slash-separated paths relative to it,
// skipping the wrapper directory.
func (b *Backend) walk(dir, rel string) ([]string, error) {
	names, err := b.t.ListDir(path.Join(dir, rel))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		child := path.Join(rel, name)
		if child == wrapperDir {
			continue
		}
		isDir, err := b.t.IsDir(path.Join(dir, child))
		if err != nil {
			return nil, err
		}
		if isDir {
			sub, err := b.walk(dir, child)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

// Free removes the execution directory and the accounting record. Calling it
// again, or after the directory is gone, does nothing.
func (b *Backend) Free(ctx context.Context, t *job.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if dir := t.Execution.LRMSExecDir; dir != "" {
		if err := b.t.RemoveTree(ctx, dir); err != nil {
			b.logger.Warn("Could not remove execution directory", zap.String("dir", dir), zap.Error(err))
		} else {
			t.Execution.LRMSExecDir = ""
		}
	}

	pid, ok := jobPID(t)
	if !ok {
		return nil
	}
	if b.store != nil {
		if err := b.store.Delete(pid); err != nil {
			b.logger.Debug("Ignored error deleting accounting record", zap.Int("pid", pid), zap.Error(err))
		}
	}
	if _, ok := b.records[pid]; ok {
		delete(b.records, pid)
		b.recompute()
	}
	return nil
}

// Peek reads up to size bytes of a file in the execution directory. A negative
// offset counts from the end and is clamped to the start of the file; size <= 0
// reads to the end.
func (b *Backend) Peek(ctx context.Context, t *job.Task, remotePath string, offset, size int64) ([]byte, error) {
	if path.IsAbs(remotePath) {
		return nil, job.Wrap(job.ErrInvalidOperation, "peek path %q must be relative to the execution directory", remotePath)
	}
	execDir := t.Execution.LRMSExecDir
	if execDir == "" {
		return nil, job.Wrap(job.ErrOutputNotAvailable, "task %s has no execution directory", t)
	}
	if err := b.t.Connect(ctx); err != nil {
		return nil, job.WrapCause(job.ErrTransport, err, "connect to %s", b.t.Frontend())
	}

	full := path.Join(execDir, remotePath)
	f, err := b.t.Open(full, os.O_RDONLY, 0)
	if err != nil {
		return nil, job.WrapCause(job.ErrTransport, err, "open %s", full)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, job.WrapCause(job.ErrTransport, err, "stat %s", full)
	}
	if offset < 0 {
		offset = max(info.Size()+offset, 0)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, job.WrapCause(job.ErrTransport, err, "seek %s", full)
	}

	var r io.Reader = f
	if size > 0 {
		r = io.LimitReader(f, size)
	}
	return io.ReadAll(r)
}
