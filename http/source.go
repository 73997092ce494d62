// Package http provides a cloudzip ByteSource backed by HTTP range
// requests, for archives served over plain HTTP(S) rather than an object
// store API.
//
// The content is pinned at construction: the ETag and Last-Modified values
// from the initial probe ride along on every later request as If-Match and
// If-Unmodified-Since, so an archive replaced mid-session fails loudly with
// ErrChanged instead of serving a byte range from a different file.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when the server reports 404.
	ErrNotFound = errors.New("http: not found")

	// ErrUnauthorized is returned when the server reports 401 or 403.
	ErrUnauthorized = errors.New("http: access denied")

	// ErrChanged is returned when the remote content no longer matches the
	// version pinned at construction.
	ErrChanged = errors.New("http: remote content changed")

	// ErrNoRangeSupport is returned when the server ignores Range headers.
	ErrNoRangeSupport = errors.New("http: range requests not supported")
)

// Default retry tuning.
const (
	DefaultMaxRetries      = 4
	DefaultInitialInterval = 100 * time.Millisecond
)

// Source implements random access reads via HTTP range requests.
// It satisfies cloudzip.ByteSource and cloudzip.RangeReader.
type Source struct {
	url             string
	client          *nethttp.Client
	headers         nethttp.Header
	ctx             context.Context
	size            int64
	etag            string
	lastModified    string
	maxRetries      uint64
	initialInterval time.Duration
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithMaxRetries bounds retries of transport errors and 5xx responses
// (default 4).
func WithMaxRetries(n uint64) Option {
	return func(s *Source) {
		s.maxRetries = n
	}
}

// WithInitialInterval sets the first backoff delay (default 100ms).
func WithInitialInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.initialInterval = d
		}
	}
}

// NewSource creates a Source backed by HTTP range requests. It probes the
// remote to determine the content size, confirm range support, and capture
// the validators that pin the content version.
func NewSource(ctx context.Context, url string, opts ...Option) (*Source, error) {
	s := &Source{
		url:             url,
		client:          nethttp.DefaultClient,
		ctx:             ctx,
		maxRetries:      DefaultMaxRetries,
		initialInterval: DefaultInitialInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}

	if err := s.probe(); err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	return s, nil
}

// Size returns the total size of the remote content.
func (s *Source) Size() int64 {
	return s.size
}

// SourceID identifies the remote for error and log context.
func (s *Source) SourceID() string {
	return s.url
}

// ReadRange returns a reader streaming exactly length bytes starting at
// off. Establishing the stream is retried on transport errors and 5xx
// responses; ranges outside the probed size are rejected.
func (s *Source) ReadRange(off, length int64) (io.ReadCloser, error) {
	if off < 0 || length < 0 || off+length > s.size {
		return nil, fmt.Errorf("http: range [%d, %d) out of bounds in %d byte content",
			off, off+length, s.size)
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	var resp *nethttp.Response
	err := s.retry(func() error {
		var err error
		resp, err = s.doRange(off, off+length-1)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read %s [%d, %d): %w", s.url, off, off+length, err)
	}
	return &rangeReadCloser{
		body:   resp.Body,
		reader: io.LimitReader(resp.Body, length),
	}, nil
}

// ReadAt implements io.ReaderAt with one range request per call, retried as
// a whole on transient failures. Reads extending past the end return the
// available bytes with io.EOF.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("http: negative offset %d", off)
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
		resp, err := s.doRange(off, off+int64(expected)-1)
		if err != nil {
			return err
		}
		defer drainClose(resp.Body)
		n, err = io.ReadFull(resp.Body, p[:expected])
		return err
	})
	if err != nil {
		return n, fmt.Errorf("read %s [%d, %d): %w", s.url, off, off+int64(expected), err)
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// doRange issues one GET for bytes [start, end] and classifies the status.
// On success the caller owns the body.
func (s *Source) doRange(start, end int64) (*nethttp.Response, error) {
	req, err := s.newRequest(nethttp.MethodGet)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := s.client.Do(req)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	if resp.StatusCode != nethttp.StatusPartialContent {
		drainClose(resp.Body)
		return nil, classifyStatus(resp)
	}
	return resp, nil
}

// probe determines the content size and captures the version validators.
// A HEAD request supplies validators when the server answers it; the
// authoritative size comes from a one byte range request, which also proves
// range support.
func (s *Source) probe() error {
	if resp, err := s.doHead(); err == nil {
		if resp.StatusCode == nethttp.StatusOK {
			s.etag = resp.Header.Get("ETag")
			s.lastModified = resp.Header.Get("Last-Modified")
		}
		drainClose(resp.Body)
	}

	return s.retry(func() error {
		req, err := s.newRequest(nethttp.MethodGet)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Range", "bytes=0-0")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer drainClose(resp.Body)

		if resp.StatusCode != nethttp.StatusPartialContent {
			return classifyStatus(resp)
		}
		size, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return backoff.Permanent(err)
		}
		s.size = size
		if s.etag == "" {
			s.etag = resp.Header.Get("ETag")
		}
		if s.lastModified == "" {
			s.lastModified = resp.Header.Get("Last-Modified")
		}
		return nil
	})
}

func (s *Source) doHead() (*nethttp.Response, error) {
	req, err := s.newRequest(nethttp.MethodHead)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

func (s *Source) newRequest(method string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(s.ctx, method, s.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if method == nethttp.MethodGet {
		if s.etag != "" && req.Header.Get("If-Match") == "" {
			req.Header.Set("If-Match", s.etag)
		}
		if s.lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
			req.Header.Set("If-Unmodified-Since", s.lastModified)
		}
	}
	return req, nil
}

// retry runs op under bounded exponential backoff.
func (s *Source) retry(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.maxRetries), s.ctx))
}

// classifyStatus maps a non-206 response onto the retry policy: client
// errors are permanent, server errors are assumed transient.
func classifyStatus(resp *nethttp.Response) error {
	switch resp.StatusCode {
	case nethttp.StatusNotFound, nethttp.StatusGone:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, resp.Status))
	case nethttp.StatusUnauthorized, nethttp.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status))
	case nethttp.StatusPreconditionFailed:
		return backoff.Permanent(ErrChanged)
	case nethttp.StatusOK:
		return backoff.Permanent(ErrNoRangeSupport)
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return backoff.Permanent(fmt.Errorf("http: range not satisfiable: %s", resp.Status))
	}
	err := fmt.Errorf("http: range request failed: %s", resp.Status)
	if resp.StatusCode >= 500 {
		return err
	}
	return backoff.Permanent(err)
}

// drainLimit bounds how much of an unread body Close will consume to keep
// the connection reusable. Anything longer is abandoned by closing the body
// outright, which forces the connection shut instead of downloading the
// remainder.
const drainLimit = 32 << 10

// rangeReadCloser caps the stream at the requested length and applies the
// bounded drain on Close.
type rangeReadCloser struct {
	body   io.ReadCloser
	reader io.Reader
}

func (r *rangeReadCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *rangeReadCloser) Close() error {
	return drainClose(r.body)
}

func drainClose(body io.ReadCloser) error {
	_, _ = io.CopyN(io.Discard, body, drainLimit)
	return body.Close()
}

func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("http: invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 || parts[1] == "*" {
		return 0, fmt.Errorf("http: invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("http: invalid Content-Range %q", value)
	}
	return size, nil
}
