// Package bucket provides a cloudzip ByteSource backed by a gocloud.dev
// blob bucket, giving range access to archives in S3, Azure Blob Storage,
// Google Cloud Storage, or local files behind one URL scheme.
//
// Transient storage errors are retried with bounded exponential backoff.
// Not-found and permission failures are surfaced immediately, never retried.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when the object does not exist.
	ErrNotFound = errors.New("bucket: object not found")

	// ErrUnauthorized is returned when the store denies access.
	ErrUnauthorized = errors.New("bucket: access denied")

	// ErrOutOfRange is returned for reads outside the object's bounds.
	// These are caller errors and are never retried.
	ErrOutOfRange = errors.New("bucket: range out of bounds")
)

// Default retry tuning.
const (
	DefaultMaxRetries      = 4
	DefaultInitialInterval = 100 * time.Millisecond
)

// Source implements random access reads against one object in a bucket.
// It satisfies cloudzip.ByteSource and cloudzip.RangeReader.
//
// The object's size is fetched once at construction and treated as
// immutable: the archives this package serves are never rewritten in place.
type Source struct {
	bucket          *blob.Bucket
	key             string
	id              string
	size            int64
	ctx             context.Context
	owned           bool
	maxRetries      uint64
	initialInterval time.Duration
}

// Option configures a Source.
type Option func(*Source)

// WithMaxRetries bounds retries of transient storage errors (default 4).
func WithMaxRetries(n uint64) Option {
	return func(s *Source) {
		s.maxRetries = n
	}
}

// WithInitialInterval sets the first backoff delay (default 100ms).
// Later delays grow exponentially.
func WithInitialInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.initialInterval = d
		}
	}
}

// NewSource creates a Source for key in an already-open bucket. The caller
// keeps ownership of the bucket. The object must exist; its size is probed
// here so later bounds checks need no network access.
func NewSource(ctx context.Context, b *blob.Bucket, key string, opts ...Option) (*Source, error) {
	s := &Source{
		bucket:          b,
		key:             key,
		id:              key,
		ctx:             ctx,
		maxRetries:      DefaultMaxRetries,
		initialInterval: DefaultInitialInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	var attrs *blob.Attributes
	err := s.retry(func() error {
		var err error
		attrs, err = b.Attributes(ctx, key)
		return classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", key, err)
	}
	s.size = attrs.Size
	return s, nil
}

// OpenURL opens the bucket named by urlstr (s3://, azblob://, gs://,
// file://, mem://) and returns a Source for key inside it. The Source owns
// the bucket; Close releases it.
func OpenURL(ctx context.Context, urlstr, key string, opts ...Option) (*Source, error) {
	b, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", urlstr, err)
	}
	s, err := NewSource(ctx, b, key, opts...)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	s.owned = true
	s.id = urlstr + "/" + key
	return s, nil
}

// Close releases the bucket when the Source owns it.
func (s *Source) Close() error {
	if !s.owned {
		return nil
	}
	s.owned = false
	return s.bucket.Close()
}

// Size returns the object's total size.
func (s *Source) Size() int64 {
	return s.size
}

// SourceID identifies the object for error and log context.
func (s *Source) SourceID() string {
	return s.id
}

// ReadAt implements io.ReaderAt with one range request per call, retried on
// transient failures. Reads that start past the end of the object return
// io.EOF; reads extending past the end return the available bytes with
// io.EOF, never a silent truncation.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= s.size {
		return 0, io.EOF
	}

	expected := len(p)
	if remaining := s.size - off; remaining < int64(expected) {
		expected = int(remaining)
	}

	var n int
	err := s.retry(func() error {
		n = 0
		r, err := s.bucket.NewRangeReader(s.ctx, s.key, off, int64(expected), nil)
		if err != nil {
			return classify(err)
		}
		defer r.Close()
		n, err = io.ReadFull(r, p[:expected])
		return classify(err)
	})
	if err != nil {
		return n, fmt.Errorf("read %s [%d, %d): %w", s.id, off, off+int64(expected), err)
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadRange returns a reader streaming exactly length bytes starting at
// off. Unlike ReadAt it does not buffer, so callers can decompress
// incrementally; Close releases the connection even when the range has not
// been drained. Establishing the stream is retried; a failure mid-stream is
// surfaced to the caller, whose position is no longer known.
func (s *Source) ReadRange(off, length int64) (io.ReadCloser, error) {
	if off < 0 || length < 0 || off+length > s.size {
		return nil, fmt.Errorf("%w: [%d, %d) in %d byte object", ErrOutOfRange, off, off+length, s.size)
	}
	if length == 0 {
		return io.NopCloser(&emptyReader{}), nil
	}

	var r *blob.Reader
	err := s.retry(func() error {
		var err error
		r, err = s.bucket.NewRangeReader(s.ctx, s.key, off, length, nil)
		return classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("read %s [%d, %d): %w", s.id, off, off+length, err)
	}
	return r, nil
}

// retry runs op under bounded exponential backoff, stopping early on
// permanent errors and context cancellation.
func (s *Source) retry(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.maxRetries), s.ctx))
}

// classify maps storage errors onto the retry policy: not-found and
// permission failures are permanent, everything else is assumed transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrNotFound, err))
	case gcerrors.PermissionDenied:
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnauthorized, err))
	case gcerrors.Canceled:
		return backoff.Permanent(err)
	default:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}
}

type emptyReader struct{}

func (*emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
