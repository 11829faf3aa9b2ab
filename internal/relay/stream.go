package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	apierr "github.com/relaystore/relaystore/internal/errors"
	"github.com/relaystore/relaystore/internal/metadata"
	"github.com/relaystore/relaystore/internal/shard"
)

// rangeSpec matches a single-range bytes header, e.g. "bytes=0-1023" or the
// open-ended "bytes=512-". Anything else (suffix ranges, multi-range) falls
// back to a full-content response rather than an error.
var rangeSpec = regexp.MustCompile(`^bytes=(\d+)-(\d*)$`)

// ByteRange is a resolved, inclusive byte range within a blob of known size.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange resolves a Range header against the blob size. The second return
// value reports whether a usable range was found; malformed or unsatisfiable
// headers yield false and the caller serves the full content.
func ParseRange(header string, size int64) (ByteRange, bool) {
	if header == "" || size <= 0 {
		return ByteRange{}, false
	}
	m := rangeSpec.FindStringSubmatch(header)
	if m == nil {
		return ByteRange{}, false
	}

	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || start >= size {
		return ByteRange{}, false
	}

	end := size - 1
	if m[2] != "" {
		e, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil || e < start {
			return ByteRange{}, false
		}
		if e < end {
			end = e
		}
	}
	return ByteRange{Start: start, End: end}, true
}

// Streamer serves blobs out of the shard pool over HTTP, honoring Range
// requests. When delete-after-read is requested, a transfer that started at
// byte zero and delivered every byte triggers the soft-delete lifecycle, so a
// consumer that drains a blob in one full read single-delivers it.
type Streamer struct {
	pool      *shard.Pool
	lifecycle *Lifecycle
}

// NewStreamer creates a Streamer over the given pool and lifecycle.
func NewStreamer(pool *shard.Pool, lifecycle *Lifecycle) *Streamer {
	return &Streamer{pool: pool, lifecycle: lifecycle}
}

// StreamOptions controls a single ServeBlob call.
type StreamOptions struct {
	// ContentType is the Content-Type header value for the response.
	ContentType string
	// Filename, if set, is sent as a Content-Disposition attachment name.
	Filename string
	// DeleteAfterFullRead arms the single-delivery hook: a complete
	// full-content transfer soft-deletes the blob afterwards.
	DeleteAfterFullRead bool
}

// ServeBlob streams the blob at loc to the response writer. Partial-content
// requests get a 206 with a Content-Range header; everything else gets a 200
// with the full body. Returns the number of bytes written and whether the
// response status was committed; on an error with committed false the caller
// still owns the response and can write its own error body.
func (s *Streamer) ServeBlob(w http.ResponseWriter, r *http.Request, loc metadata.Locator, opts StreamOptions) (int64, bool, error) {
	sh, ok := s.pool.Get(loc.ShardName)
	if !ok {
		return 0, false, apierr.ErrUnknownShard
	}

	reader, size, err := sh.Open(r.Context(), loc.ObjectID)
	if err != nil {
		if errors.Is(err, shard.ErrObjectNotFound) {
			return 0, false, apierr.ErrNotFound
		}
		slog.Error("opening blob for stream", "locator", loc.String(), "error", err)
		return 0, false, apierr.ErrInternal
	}
	defer reader.Close()

	rng, partial := ParseRange(r.Header.Get("Range"), size)
	if !partial {
		rng = ByteRange{Start: 0, End: size - 1}
	}

	// Seek before committing the status line. A reader that breaks here
	// leaves the response untouched for the caller's error body.
	if rng.Start > 0 {
		if _, err := io.CopyN(io.Discard, reader, rng.Start); err != nil {
			return 0, false, fmt.Errorf("seeking to range start: %w", err)
		}
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", opts.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	if opts.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", opts.Filename))
	}
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	sent, err := io.CopyN(w, reader, rng.Length())
	if err != nil {
		// The client went away or the shard read broke mid-stream. Headers
		// are already out, so just report what happened.
		return sent, true, fmt.Errorf("streaming blob %s: %w", loc, err)
	}

	if opts.DeleteAfterFullRead && rng.Start == 0 && sent == size {
		if err := s.lifecycle.MarkDeleted(context.WithoutCancel(r.Context()), loc); err != nil {
			slog.Error("post-read delete failed", "locator", loc.String(), "error", err)
		}
	}
	return sent, true, nil
}
