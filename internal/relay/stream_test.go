package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apierr "github.com/relaystore/relaystore/internal/errors"
	"github.com/relaystore/relaystore/internal/metadata"
	"github.com/relaystore/relaystore/internal/shard"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name   string
		header string
		size   int64
		want   ByteRange
		ok     bool
	}{
		{"empty header", "", 100, ByteRange{}, false},
		{"full range", "bytes=0-99", 100, ByteRange{0, 99}, true},
		{"inner range", "bytes=10-19", 100, ByteRange{10, 19}, true},
		{"open ended", "bytes=50-", 100, ByteRange{50, 99}, true},
		{"end clamped to size", "bytes=90-500", 100, ByteRange{90, 99}, true},
		{"start past end of blob", "bytes=100-", 100, ByteRange{}, false},
		{"end before start", "bytes=20-10", 100, ByteRange{}, false},
		{"suffix range unsupported", "bytes=-500", 100, ByteRange{}, false},
		{"garbage", "bytes=abc-def", 100, ByteRange{}, false},
		{"missing unit", "0-99", 100, ByteRange{}, false},
		{"zero size blob", "bytes=0-", 0, ByteRange{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRange(tt.header, tt.size)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

// streamFixture wires a one-shard pool with a stored archive blob and its
// metadata record.
func streamFixture(t *testing.T, body string) (*Streamer, *shard.MemoryShard, metadata.Store, metadata.Locator) {
	t.Helper()
	mem := shard.NewMemoryShard("shard-0", 512<<20)
	pool, err := shard.NewPool([]shard.Shard{mem})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	store := metadata.NewMemoryStore()
	loc := metadata.Locator{ShardName: "shard-0", ObjectID: "obj-1"}

	ctx := context.Background()
	if _, err := mem.Put(ctx, loc.ObjectID, strings.NewReader(body), int64(len(body))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec := &metadata.ArchiveRecord{
		OwnerKey: "owner", Locator: loc,
		OriginalName: "data.tar.xz", ContentDigest: "d", CreatedAt: time.Now().UTC(),
	}
	if err := store.PutArchive(ctx, rec); err != nil {
		t.Fatalf("PutArchive: %v", err)
	}

	lifecycle := NewLifecycle(pool, store, 24*time.Hour)
	return NewStreamer(pool, lifecycle), mem, store, loc
}

func TestServeBlobFullContent(t *testing.T) {
	streamer, _, _, loc := streamFixture(t, "hello, relay")

	req := httptest.NewRequest(http.MethodGet, "/zip-file", nil)
	rec := httptest.NewRecorder()
	sent, committed, err := streamer.ServeBlob(rec, req, loc, StreamOptions{ContentType: "application/octet-stream"})
	if err != nil {
		t.Fatalf("ServeBlob: %v", err)
	}
	if !committed {
		t.Error("a successful stream must report the response as committed")
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "hello, relay" {
		t.Errorf("body = %q", got)
	}
	if sent != int64(len("hello, relay")) {
		t.Errorf("sent = %d", sent)
	}
	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Error("missing Accept-Ranges header")
	}
	if rec.Header().Get("Content-Length") != "12" {
		t.Errorf("Content-Length = %q", rec.Header().Get("Content-Length"))
	}
}

func TestServeBlobPartialContent(t *testing.T) {
	streamer, _, _, loc := streamFixture(t, "0123456789")

	req := httptest.NewRequest(http.MethodGet, "/zip-file", nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()
	if _, _, err := streamer.ServeBlob(rec, req, loc, StreamOptions{ContentType: "application/octet-stream"}); err != nil {
		t.Fatalf("ServeBlob: %v", err)
	}

	if rec.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", rec.Code)
	}
	if got := rec.Body.String(); got != "2345" {
		t.Errorf("body = %q, want %q", got, "2345")
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "4" {
		t.Errorf("Content-Length = %q", got)
	}
}

func TestServeBlobMalformedRangeServesFull(t *testing.T) {
	streamer, _, _, loc := streamFixture(t, "0123456789")

	req := httptest.NewRequest(http.MethodGet, "/zip-file", nil)
	req.Header.Set("Range", "bytes=oops")
	rec := httptest.NewRecorder()
	if _, _, err := streamer.ServeBlob(rec, req, loc, StreamOptions{ContentType: "application/octet-stream"}); err != nil {
		t.Fatalf("ServeBlob: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for malformed range", rec.Code)
	}
	if rec.Body.Len() != 10 {
		t.Errorf("expected full body, got %d bytes", rec.Body.Len())
	}
}

func TestServeBlobDeleteAfterFullRead(t *testing.T) {
	streamer, mem, store, loc := streamFixture(t, "consume-once")
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/zip-file", nil)
	rec := httptest.NewRecorder()
	if _, _, err := streamer.ServeBlob(rec, req, loc, StreamOptions{
		ContentType:         "application/octet-stream",
		DeleteAfterFullRead: true,
	}); err != nil {
		t.Fatalf("ServeBlob: %v", err)
	}

	// The blob is gone and the record is soft-deleted.
	exists, err := mem.Exists(ctx, loc.ObjectID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("blob should be deleted after a full read")
	}
	archRec, err := store.GetArchive(ctx, loc)
	if err != nil {
		t.Fatalf("GetArchive: %v", err)
	}
	if archRec == nil || archRec.DeletedAt == nil {
		t.Error("record should be soft-deleted after a full read")
	}
}

func TestServeBlobRangeReadDoesNotDelete(t *testing.T) {
	streamer, mem, _, loc := streamFixture(t, "keep-me-around")

	req := httptest.NewRequest(http.MethodGet, "/zip-file", nil)
	req.Header.Set("Range", "bytes=0-3")
	rec := httptest.NewRecorder()
	if _, _, err := streamer.ServeBlob(rec, req, loc, StreamOptions{
		ContentType:         "application/octet-stream",
		DeleteAfterFullRead: true,
	}); err != nil {
		t.Fatalf("ServeBlob: %v", err)
	}

	exists, err := mem.Exists(context.Background(), loc.ObjectID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Error("a partial read must not trigger deletion")
	}
}

func TestServeBlobUnknownShard(t *testing.T) {
	streamer, _, _, _ := streamFixture(t, "body")

	req := httptest.NewRequest(http.MethodGet, "/zip-file", nil)
	rec := httptest.NewRecorder()
	_, committed, err := streamer.ServeBlob(rec, req, metadata.Locator{ShardName: "ghost", ObjectID: "x"}, StreamOptions{})
	if !errors.Is(err, apierr.ErrUnknownShard) {
		t.Errorf("expected ErrUnknownShard, got %v", err)
	}
	if committed {
		t.Error("an unknown shard must leave the response uncommitted")
	}
}

func TestServeBlobMissingObject(t *testing.T) {
	streamer, _, _, _ := streamFixture(t, "body")

	req := httptest.NewRequest(http.MethodGet, "/zip-file", nil)
	rec := httptest.NewRecorder()
	_, committed, err := streamer.ServeBlob(rec, req, metadata.Locator{ShardName: "shard-0", ObjectID: "absent"}, StreamOptions{})
	if !errors.Is(err, apierr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if committed {
		t.Error("a missing object must leave the response uncommitted")
	}
}

// shortReadShard serves readers that end early, the way a shard with a
// truncated object would.
type shortReadShard struct {
	*shard.MemoryShard
	limit int64
}

func (s *shortReadShard) Open(ctx context.Context, objectID string) (io.ReadCloser, int64, error) {
	rc, size, err := s.MemoryShard.Open(ctx, objectID)
	if err != nil {
		return nil, 0, err
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(rc, s.limit), rc}, size, nil
}

// shortReadFixture stores a blob on a shard whose readers stop after limit
// bytes even though the advertised size is larger.
func shortReadFixture(t *testing.T, body string, limit int64) (*Streamer, metadata.Locator) {
	t.Helper()
	mem := shard.NewMemoryShard("shard-0", 512<<20)
	pool, err := shard.NewPool([]shard.Shard{&shortReadShard{MemoryShard: mem, limit: limit}})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	store := metadata.NewMemoryStore()
	loc := metadata.Locator{ShardName: "shard-0", ObjectID: "obj-1"}
	if _, err := mem.Put(context.Background(), loc.ObjectID, strings.NewReader(body), int64(len(body))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	lifecycle := NewLifecycle(pool, store, 24*time.Hour)
	return NewStreamer(pool, lifecycle), loc
}

func TestServeBlobSeekFailureLeavesResponseUncommitted(t *testing.T) {
	streamer, loc := shortReadFixture(t, "0123456789", 2)

	req := httptest.NewRequest(http.MethodGet, "/zip-file", nil)
	req.Header.Set("Range", "bytes=5-")
	rec := httptest.NewRecorder()
	_, committed, err := streamer.ServeBlob(rec, req, loc, StreamOptions{ContentType: "application/octet-stream"})
	if err == nil {
		t.Fatal("expected an error when the reader breaks during the seek")
	}
	if committed {
		t.Error("a seek failure must leave the response uncommitted")
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body should be empty, got %d bytes", rec.Body.Len())
	}
	if rec.Header().Get("Content-Range") != "" {
		t.Error("no Content-Range header should be set before the seek succeeds")
	}
}

func TestServeBlobMidStreamFailureReportsCommitted(t *testing.T) {
	streamer, loc := shortReadFixture(t, "0123456789", 4)

	req := httptest.NewRequest(http.MethodGet, "/zip-file", nil)
	rec := httptest.NewRecorder()
	sent, committed, err := streamer.ServeBlob(rec, req, loc, StreamOptions{ContentType: "application/octet-stream"})
	if err == nil {
		t.Fatal("expected an error when the reader breaks mid-stream")
	}
	if !committed {
		t.Error("a mid-stream failure happens after the status line; committed must be true")
	}
	if sent != 4 {
		t.Errorf("sent = %d, want 4", sent)
	}
}
