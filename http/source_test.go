package http

import (
	"bytes"
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// rangeServer serves content with range support and a strong ETag.
func rangeServer(t *testing.T, content []byte, etag string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		nethttp.ServeContent(w, r, "archive.zip", time.Unix(1700000000, 0), bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewSourceProbe(t *testing.T) {
	t.Parallel()

	data := pattern(2048)
	srv := rangeServer(t, data, `"v1"`)

	src, err := NewSource(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), src.Size())
	assert.Equal(t, srv.URL, src.SourceID())
}

func TestReadAt(t *testing.T) {
	t.Parallel()

	data := pattern(2048)
	srv := rangeServer(t, data, `"v1"`)
	src, err := NewSource(context.Background(), srv.URL)
	require.NoError(t, err)

	t.Run("middle", func(t *testing.T) {
		t.Parallel()
		buf := make([]byte, 256)
		n, err := src.ReadAt(buf, 1000)
		require.NoError(t, err)
		assert.Equal(t, 256, n)
		assert.Equal(t, data[1000:1256], buf)
	})

	t.Run("past end", func(t *testing.T) {
		t.Parallel()
		buf := make([]byte, 100)
		n, err := src.ReadAt(buf, 2000)
		assert.Equal(t, io.EOF, err)
		assert.Equal(t, 48, n)
		assert.Equal(t, data[2000:], buf[:n])
	})

	t.Run("at end", func(t *testing.T) {
		t.Parallel()
		n, err := src.ReadAt(make([]byte, 10), 2048)
		assert.Equal(t, io.EOF, err)
		assert.Zero(t, n)
	})
}

func TestReadRange(t *testing.T) {
	t.Parallel()

	data := pattern(2048)
	srv := rangeServer(t, data, `"v1"`)
	src, err := NewSource(context.Background(), srv.URL)
	require.NoError(t, err)

	rc, err := src.ReadRange(100, 500)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data[100:600], got)

	t.Run("out of bounds", func(t *testing.T) {
		t.Parallel()
		_, err := src.ReadRange(2000, 100)
		require.Error(t, err)
	})

	t.Run("early close", func(t *testing.T) {
		t.Parallel()
		rc, err := src.ReadRange(0, 1024)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
	})
}

// countingResponseWriter tallies the bytes actually sent to the client.
type countingResponseWriter struct {
	nethttp.ResponseWriter
	served *atomic.Int64
}

func (w *countingResponseWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.served.Add(int64(n))
	return n, err
}

func TestCloseStopsStreaming(t *testing.T) {
	t.Parallel()

	const (
		total = 4 << 20
		taken = 128 << 10
	)
	data := pattern(total)

	var served atomic.Int64
	bigDone := make(chan struct{})
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		big := r.Header.Get("Range") == "bytes=0-4194303"
		cw := &countingResponseWriter{ResponseWriter: w, served: &served}
		nethttp.ServeContent(cw, r, "archive.zip", time.Time{}, bytes.NewReader(data))
		if big {
			close(bigDone)
		}
	}))
	t.Cleanup(srv.Close)

	src, err := NewSource(context.Background(), srv.URL)
	require.NoError(t, err)

	rc, err := src.ReadRange(0, total)
	require.NoError(t, err)

	buf := make([]byte, taken)
	_, err = io.ReadFull(rc, buf)
	require.NoError(t, err)
	assert.Equal(t, data[:taken], buf)

	// Closing after a partial read must abandon the stream, not download
	// the remaining megabytes. Allow for what was read, the bounded drain,
	// and in-flight socket buffers.
	require.NoError(t, rc.Close())
	<-bigDone
	assert.Less(t, served.Load(), int64(total/2))
}

func TestContentChangeDetected(t *testing.T) {
	t.Parallel()

	var content atomic.Pointer[[]byte]
	var etag atomic.Pointer[string]
	v1, v2 := pattern(512), pattern(1024)
	e1, e2 := `"v1"`, `"v2"`
	content.Store(&v1)
	etag.Store(&e1)

	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("ETag", *etag.Load())
		nethttp.ServeContent(w, r, "archive.zip", time.Time{}, bytes.NewReader(*content.Load()))
	}))
	t.Cleanup(srv.Close)

	src, err := NewSource(context.Background(), srv.URL)
	require.NoError(t, err)

	// Replace the content behind the source's back.
	content.Store(&v2)
	etag.Store(&e2)

	_, err = src.ReadAt(make([]byte, 10), 0)
	require.ErrorIs(t, err, ErrChanged)
}

func TestStatusClassification(t *testing.T) {
	t.Parallel()

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(nethttp.NotFoundHandler())
		t.Cleanup(srv.Close)

		_, err := NewSource(context.Background(), srv.URL,
			WithInitialInterval(time.Millisecond))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("forbidden", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
			w.WriteHeader(nethttp.StatusForbidden)
		}))
		t.Cleanup(srv.Close)

		_, err := NewSource(context.Background(), srv.URL,
			WithInitialInterval(time.Millisecond))
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("range ignored", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
			_, _ = w.Write([]byte("whole body, range ignored"))
		}))
		t.Cleanup(srv.Close)

		_, err := NewSource(context.Background(), srv.URL,
			WithInitialInterval(time.Millisecond))
		require.ErrorIs(t, err, ErrNoRangeSupport)
	})
}

func TestTransientErrorsRetried(t *testing.T) {
	t.Parallel()

	data := pattern(256)
	var gets atomic.Int32
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method == nethttp.MethodGet && gets.Add(1) <= 2 {
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			return
		}
		nethttp.ServeContent(w, r, "archive.zip", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	src, err := NewSource(context.Background(), srv.URL,
		WithInitialInterval(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(256), src.Size())

	t.Run("retries exhausted", func(t *testing.T) {
		t.Parallel()
		var fails atomic.Int32
		down := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
			fails.Add(1)
			w.WriteHeader(nethttp.StatusInternalServerError)
		}))
		t.Cleanup(down.Close)

		_, err := NewSource(context.Background(), down.URL,
			WithMaxRetries(2), WithInitialInterval(time.Millisecond))
		require.Error(t, err)
		// One HEAD plus the initial probe and its two retries.
		assert.Equal(t, int32(4), fails.Load())
	})
}

func TestParseContentRange(t *testing.T) {
	t.Parallel()

	size, err := parseContentRange("bytes 0-0/12345")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), size)

	for _, bad := range []string{"", "bytes 0-0/*", "items 0-0/5", "bytes 0-0/x", "bytes 0-0/-3"} {
		_, err := parseContentRange(bad)
		require.Error(t, err, "input %q", bad)
	}
}
