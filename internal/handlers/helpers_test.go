package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaystore/relaystore/internal/metadata"
	"github.com/relaystore/relaystore/internal/registry"
	"github.com/relaystore/relaystore/internal/relay"
	"github.com/relaystore/relaystore/internal/shard"
)

// testEnv wires the full handler stack against in-memory shards and
// metadata, routed through the same chi mux shape the server uses.
type testEnv struct {
	router *chi.Mux
	shards []*shard.MemoryShard
	store  metadata.Store
	reg    *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	shards := make([]*shard.MemoryShard, 3)
	poolShards := make([]shard.Shard, 3)
	for i := range shards {
		shards[i] = shard.NewMemoryShard(fmt.Sprintf("shard-%d", i), 64<<20)
		poolShards[i] = shards[i]
	}
	pool, err := shard.NewPool(poolShards)
	if err != nil {
		t.Fatalf("building pool: %v", err)
	}

	store := metadata.NewMemoryStore()
	selector := shard.NewSelector(pool)
	committer := relay.NewCommitter(pool, selector, store)
	lifecycle := relay.NewLifecycle(pool, store, 24*time.Hour)
	streamer := relay.NewStreamer(pool, lifecycle)
	reconciler := relay.NewReconciler(pool, store)
	sessions := relay.NewSessionManager()
	reg := registry.New(registry.Config{
		ServerTimeout: 40 * time.Second,
		ClientTimeout: 5 * time.Minute,
	})

	img := NewImageHandler(committer, streamer, reconciler, pool, store, 32<<20)
	arc := NewArchiveHandler(sessions, committer, streamer, reconciler, store, 32<<20)
	regH := NewRegistryHandler(reg)

	r := chi.NewRouter()
	r.Post("/upload-image", img.UploadImage)
	r.Get("/images/{shard}/{id}", img.GetImage)
	r.Delete("/images/{shard}/{id}", img.DeleteImage)
	r.Post("/list-images", img.ListImages)
	r.Post("/upload-zip-chunk", arc.UploadZipChunk)
	r.Post("/finalize-zip-upload", arc.FinalizeZipUpload)
	r.Get("/zip-file/{shard}/{id}", arc.GetZipFile)
	r.Get("/zip-hash/{shard}/{id}", arc.GetZipHash)
	r.Post("/list-zips", arc.ListZips)
	r.Post("/register", regH.Register)
	r.Post("/heartbeat", regH.Heartbeat)
	r.Post("/list-servers", regH.ListServers)
	r.Post("/register-client", regH.RegisterClient)
	r.Post("/associated-clients", regH.AssociatedClients)
	r.Post("/post-text", regH.PostText)
	r.Post("/send-message", regH.SendMessage)
	r.Get("/fetch-messages", regH.FetchMessages)
	r.Get("/list-text", regH.ListText)

	return &testEnv{router: r, shards: shards, store: store, reg: reg}
}

// do runs a request through the router and returns the recorded response.
func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// postJSON runs a JSON POST through the router.
func (e *testEnv) postJSON(t *testing.T, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request body: %v", err)
	}
	return e.do(t, http.MethodPost, target, bytes.NewReader(payload), "application/json")
}

// multipartBody builds a multipart form with the given fields and, when
// fileField is non-empty, one attached file.
func multipartBody(t *testing.T, fileField, filename string, content []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("writing field %s: %v", k, err)
		}
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, filename)
		if err != nil {
			t.Fatalf("creating form file: %v", err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatalf("writing form file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// decodeBody parses the recorded JSON response body into v.
func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
}

// wantError asserts the response carries the given status and error message.
func wantError(t *testing.T, rr *httptest.ResponseRecorder, status int, message string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	var body errorBody
	decodeBody(t, rr, &body)
	if !strings.Contains(body.Error, message) {
		t.Errorf("expected error containing %q, got %q", message, body.Error)
	}
}
