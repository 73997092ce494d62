package cloudzip

import (
	"context"
	"log/slog"
)

// Option configures an Archive.
type Option func(*Archive)

// WithLogger enables debug logging of index builds and fetches.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithContext sets the context used by the fs.FS operations, which carry no
// context of their own. It bounds the index build and header fetches; entry
// payload streaming is bounded by the source's own context.
// If not set, context.Background() is used.
func WithContext(ctx context.Context) Option {
	return func(a *Archive) {
		if ctx != nil {
			a.ctx = ctx
		}
	}
}

// WithName sets the archive identity used in error and log context.
// Defaults to the source's SourceID when it provides one.
func WithName(name string) Option {
	return func(a *Archive) {
		if name != "" {
			a.name = name
		}
	}
}

// WithMaxEntrySize limits the compressed and uncompressed size of entries
// that can be extracted (default 1 GiB). Set to 0 to disable the limit.
func WithMaxEntrySize(limit uint64) Option {
	return func(a *Archive) {
		a.maxEntrySize = limit
	}
}
