package cloudzip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"gocloud.dev/blob"

	"github.com/cloudzip/cloudzip/bucket"
)

// BucketOpener connects to one container of an account and returns its
// bucket handle. The session owns the returned bucket and closes it.
type BucketOpener func(ctx context.Context, account, container string) (*blob.Bucket, error)

// Session groups archive handles for one storage account. Buckets and
// archives are opened lazily and memoized: asking for the same archive
// twice returns the same handle, so its index is fetched at most once.
//
// A Session is safe for concurrent use.
type Session struct {
	account string
	opener  BucketOpener
	logger  *slog.Logger
	arcOpts []Option
	srcOpts []bucket.Option

	mu       sync.Mutex
	buckets  map[string]*blob.Bucket
	archives map[string]*Archive
	closed   bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger enables debug logging for the session and every archive
// it opens.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithArchiveOptions appends options applied to every archive the session
// opens.
func WithArchiveOptions(opts ...Option) SessionOption {
	return func(s *Session) {
		s.arcOpts = append(s.arcOpts, opts...)
	}
}

// WithSourceOptions appends options applied to every bucket source the
// session opens, such as retry tuning.
func WithSourceOptions(opts ...bucket.Option) SessionOption {
	return func(s *Session) {
		s.srcOpts = append(s.srcOpts, opts...)
	}
}

// NewSession creates a session for account using opener to reach its
// containers.
func NewSession(account string, opener BucketOpener, opts ...SessionOption) *Session {
	s := &Session{
		account:  account,
		opener:   opener,
		buckets:  make(map[string]*blob.Bucket),
		archives: make(map[string]*Archive),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Account returns the account the session was opened for.
func (s *Session) Account() string {
	return s.account
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Session) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.logger
}

// OpenArchive returns the archive handle for object in container, creating
// it on first use. Container names are case-insensitive; object names are
// not. The handle stays valid until the session is closed.
func (s *Session) OpenArchive(ctx context.Context, container, object string) (*Archive, error) {
	if err := ValidateContainer(container); err != nil {
		return nil, err
	}
	if err := ValidateObject(object); err != nil {
		return nil, err
	}

	key := strings.ToLower(container) + "/" + object

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if a, ok := s.archives[key]; ok {
		return a, nil
	}

	b, err := s.bucketLocked(ctx, container)
	if err != nil {
		return nil, err
	}
	src, err := bucket.NewSource(ctx, b, object, s.srcOpts...)
	if err != nil {
		return nil, err
	}

	ref := Ref{Account: s.account, Container: container, Object: object}
	opts := append([]Option{WithName(ref.String()), WithLogger(s.logger)}, s.arcOpts...)
	a := New(src, opts...)
	s.archives[key] = a
	s.log().Debug("opened archive", "ref", ref.String())
	return a, nil
}

// OpenRef resolves a parsed reference against the session. The reference
// must name this session's account and an object.
func (s *Session) OpenRef(ctx context.Context, ref Ref) (*Archive, error) {
	if ref.Account != s.account {
		return nil, fmt.Errorf("%w: account %q does not match session account %q",
			ErrInvalidRef, ref.Account, s.account)
	}
	if ref.Object == "" {
		return nil, fmt.Errorf("%w: reference names no object", ErrInvalidRef)
	}
	return s.OpenArchive(ctx, ref.Container, ref.Object)
}

// ListContainer returns the object keys in container, in the store's
// iteration order.
func (s *Session) ListContainer(ctx context.Context, container string) ([]string, error) {
	if err := ValidateContainer(container); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	b, err := s.bucketLocked(ctx, container)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var keys []string
	iter := b.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", container, err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// bucketLocked returns the memoized bucket for container, opening it on
// first use. The session mutex must be held.
func (s *Session) bucketLocked(ctx context.Context, container string) (*blob.Bucket, error) {
	key := strings.ToLower(container)
	if b, ok := s.buckets[key]; ok {
		return b, nil
	}
	b, err := s.opener(ctx, s.account, container)
	if err != nil {
		return nil, fmt.Errorf("open container %s: %w", container, err)
	}
	s.buckets[key] = b
	return b, nil
}

// Close releases every bucket the session opened. Archive handles obtained
// from the session must not be used afterwards. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for name, b := range s.buckets {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close container %s: %w", name, err)
		}
	}
	s.buckets = nil
	s.archives = nil
	return firstErr
}
