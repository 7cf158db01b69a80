// Package staging moves job inputs and outputs between the controller's
// filesystem and remote data stores, selected by URL scheme.
package staging

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
)

// Sentinel errors for staging operations.
var (
	// ErrUnsupportedScheme indicates no stager is registered for a URL scheme.
	ErrUnsupportedScheme = errors.New("unsupported data scheme")

	// ErrNotFound indicates the source object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrThrottled indicates the store rate limited the request.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates the store is temporarily unavailable.
	ErrUnavailable = errors.New("store unavailable")
)

// Error wraps a staging failure with the reference involved.
type Error struct {
	// Op is the operation that failed ("download" or "upload").
	Op string

	// Ref is the remote data reference.
	Ref string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing source object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnsupportedScheme returns true if no stager handles the reference.
func IsUnsupportedScheme(err error) bool {
	return errors.Is(err, ErrUnsupportedScheme)
}

// Stager copies data between local paths and references of the schemes it
// reports. A reference naming a prefix or directory is copied recursively.
type Stager interface {
	Schemes() []string
	Download(ctx context.Context, src *url.URL, dst string) error
	Upload(ctx context.Context, src string, dst *url.URL) error
}

// Registry maps URL schemes to stagers. The file scheme is always present.
type Registry struct {
	mu      sync.RWMutex
	stagers map[string]Stager
}

// NewRegistry returns a registry holding the file stager plus stagers.
func NewRegistry(stagers ...Stager) *Registry {
	r := &Registry{stagers: make(map[string]Stager)}
	r.Register(File{})
	for _, s := range stagers {
		r.Register(s)
	}
	return r
}

// Register adds s for every scheme it reports, replacing earlier entries.
func (r *Registry) Register(s Stager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range s.Schemes() {
		r.stagers[scheme] = s
	}
}

func (r *Registry) Lookup(scheme string) (Stager, error) {
	if scheme == "" {
		scheme = "file"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stagers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return s, nil
}

func (r *Registry) Supports(scheme string) bool {
	_, err := r.Lookup(scheme)
	return err == nil
}

// Schemes lists the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.stagers))
	for scheme := range r.stagers {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Download(ctx context.Context, src *url.URL, dst string) error {
	s, err := r.Lookup(src.Scheme)
	if err != nil {
		return &Error{Op: "download", Ref: src.String(), Err: err}
	}
	return s.Download(ctx, src, dst)
}

func (r *Registry) Upload(ctx context.Context, src string, dst *url.URL) error {
	s, err := r.Lookup(dst.Scheme)
	if err != nil {
		return &Error{Op: "upload", Ref: dst.String(), Err: err}
	}
	return s.Upload(ctx, src, dst)
}
