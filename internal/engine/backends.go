package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/config"
	"github.com/3leaps/gobatch/pkg/backend/noop"
	"github.com/3leaps/gobatch/pkg/backend/shellcmd"
	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/staging"
	s3stager "github.com/3leaps/gobatch/pkg/staging/s3"
	"github.com/3leaps/gobatch/pkg/transport"
)

// BuildBackends creates one backend per configured resource, in name order.
// No host is contacted.
func BuildBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]job.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var stagers *staging.Registry
	backends := make([]job.Backend, 0, len(cfg.Resources))
	for _, name := range cfg.ResourceNames() {
		rc := cfg.Resources[name]
		if err := rc.Validate(); err != nil {
			closeAll(backends)
			return nil, err
		}
		var (
			b   job.Backend
			err error
		)
		switch rc.Type {
		case config.TypeShellcmd:
			if stagers == nil {
				stagers = newStagers(ctx, cfg.Staging, logger)
			}
			b, err = newShellcmd(rc, stagers, logger)
		case config.TypeNoop:
			b, err = newNoop(rc, logger)
		}
		if err != nil {
			closeAll(backends)
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// newStagers registers the file stager and, when the AWS configuration can be
// loaded, the S3 stager.
func newStagers(ctx context.Context, sc config.StagingConfig, logger *zap.Logger) *staging.Registry {
	reg := staging.NewRegistry(staging.File{})
	s3, err := s3stager.New(ctx, s3stager.Config{
		Region:            sc.S3.Region,
		Endpoint:          sc.S3.Endpoint,
		Profile:           sc.S3.Profile,
		ForcePathStyle:    sc.S3.ForcePathStyle,
		UseInstanceRegion: sc.S3.UseInstanceRegion,
	}, logger.Named("s3"))
	if err != nil {
		logger.Warn("S3 staging disabled", zap.Error(err))
		return reg
	}
	reg.Register(s3)
	return reg
}

func newTransport(rc config.ResourceConfig, logger *zap.Logger) (transport.Transport, error) {
	if rc.Transport == config.TransportLocal {
		return transport.NewLocal(), nil
	}
	ssh, err := transport.NewSSH(transport.SSHConfig{
		Host:               rc.Frontend,
		Port:               rc.Port,
		Username:           rc.Username,
		KeyFile:            rc.KeyFile,
		ConfigFile:         rc.SSHConfig,
		IgnoreHostKeys:     rc.IgnoreSSHHostKeys,
		Timeout:            rc.SSHTimeout,
		ProxyCommand:       rc.ProxyCommand,
		LargeFileThreshold: rc.LargeFileThreshold.Bytes(),
		LargeFileChunkSize: int(rc.LargeFileChunkSize.Bytes()),
	}, logger.With(zap.String("resource", rc.Name)))
	if err != nil {
		return nil, job.WrapCause(job.ErrConfiguration, err, "resource %s", rc.Name)
	}
	return ssh, nil
}

func newShellcmd(rc config.ResourceConfig, stagers *staging.Registry, logger *zap.Logger) (job.Backend, error) {
	t, err := newTransport(rc, logger)
	if err != nil {
		return nil, err
	}
	b, err := shellcmd.New(shellcmd.Config{
		Resource:    rc.Resource(),
		Transport:   t,
		TimeCmd:     rc.TimeCmd,
		SpoolDir:    rc.SpoolDir,
		ResourceDir: rc.ResourceDir,
		Override:    rc.Override,
		Stagers:     stagers,
		Logger:      logger,
	})
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return b, nil
}

func newNoop(rc config.ResourceConfig, logger *zap.Logger) (job.Backend, error) {
	var graph noop.Graph
	if len(rc.TransitionGraph) > 0 {
		var err error
		if graph, err = noop.ParseGraph(rc.TransitionGraph); err != nil {
			return nil, job.WrapCause(job.ErrConfiguration, err, "resource %s", rc.Name)
		}
	}
	return noop.New(noop.Config{Resource: rc.Resource(), Graph: graph, Logger: logger})
}

func closeAll(backends []job.Backend) {
	for _, b := range backends {
		_ = b.Close()
	}
}
