package staging

import (
	"context"
	"net/url"
	"path/filepath"

	"github.com/3leaps/gobatch/pkg/transport"
)

// File stages references on the controller's own filesystem.
type File struct{}

func (File) Schemes() []string { return []string{"file"} }

func (File) Download(ctx context.Context, src *url.URL, dst string) error {
	err := transport.NewLocal().Get(ctx, filepath.FromSlash(src.Path), dst, transport.CopyOptions{Overwrite: true})
	if err != nil {
		if transport.IsNotExist(err) {
			return &Error{Op: "download", Ref: src.String(), Err: ErrNotFound}
		}
		return &Error{Op: "download", Ref: src.String(), Err: err}
	}
	return nil
}

func (File) Upload(ctx context.Context, src string, dst *url.URL) error {
	err := transport.NewLocal().Put(ctx, src, filepath.FromSlash(dst.Path), transport.CopyOptions{Overwrite: true})
	if err != nil {
		return &Error{Op: "upload", Ref: dst.String(), Err: err}
	}
	return nil
}
