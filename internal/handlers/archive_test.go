package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func uploadChunk(t *testing.T, env *testEnv, filename string, index, total int, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, "chunk", "part", data, map[string]string{
		"server_ip":   "10.0.0.1",
		"server_port": "5000",
		"filename":    filename,
		"chunkIndex":  strconv.Itoa(index),
		"totalChunks": strconv.Itoa(total),
	})
	return env.do(t, http.MethodPost, "/upload-zip-chunk", body, ct)
}

func finalizeUpload(t *testing.T, env *testEnv, filename string) *httptest.ResponseRecorder {
	t.Helper()
	return env.postJSON(t, "/finalize-zip-upload", map[string]string{
		"server_ip":   "10.0.0.1",
		"server_port": "5000",
		"filename":    filename,
	})
}

func TestChunkedUploadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte("the full archive payload split across three chunks")
	chunks := [][]byte{payload[:16], payload[16:32], payload[32:]}

	// Out-of-order arrival must not matter.
	for _, i := range []int{2, 0, 1} {
		rr := uploadChunk(t, env, "bundle", i, 3, chunks[i])
		if rr.Code != http.StatusOK {
			t.Fatalf("chunk %d failed with %d: %s", i, rr.Code, rr.Body.String())
		}
	}

	rr := finalizeUpload(t, env, "bundle")
	if rr.Code != http.StatusOK {
		t.Fatalf("finalize failed with %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rr, &resp)

	sum := sha256.Sum256(payload)
	if resp["sha256"] != hex.EncodeToString(sum[:]) {
		t.Errorf("digest mismatch: %q", resp["sha256"])
	}
	zipURL := resp["zipUrl"]
	if zipURL == "" {
		t.Fatal("response missing zipUrl")
	}

	got := env.do(t, http.MethodGet, "/"+zipURL, nil, "")
	if got.Code != http.StatusOK {
		t.Fatalf("download failed with %d: %s", got.Code, got.Body.String())
	}
	if got.Body.String() != string(payload) {
		t.Errorf("downloaded payload mismatch")
	}
	if ct := got.Header().Get("Content-Type"); ct != "application/x-tar" {
		t.Errorf("expected application/x-tar, got %q", ct)
	}
}

func TestArchiveSingleDelivery(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte("deliver once")
	uploadChunk(t, env, "once", 0, 1, payload)

	var resp map[string]string
	decodeBody(t, finalizeUpload(t, env, "once"), &resp)
	zipURL := resp["zipUrl"]

	if rr := env.do(t, http.MethodGet, "/"+zipURL, nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("first download failed with %d", rr.Code)
	}
	// The full read consumed the blob.
	if rr := env.do(t, http.MethodGet, "/"+zipURL, nil, ""); rr.Code != http.StatusNotFound {
		t.Errorf("second download should 404, got %d", rr.Code)
	}

	// The digest stays queryable through the retention window.
	hashURL := "/zip-hash" + zipURL[len("zip-file"):]
	rr := env.do(t, http.MethodGet, hashURL, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("hash lookup after delivery failed with %d", rr.Code)
	}
	var hash map[string]string
	decodeBody(t, rr, &hash)
	if hash["sha256"] != resp["sha256"] {
		t.Errorf("hash mismatch after delivery: %q vs %q", hash["sha256"], resp["sha256"])
	}
}

func TestArchiveRangeReadDoesNotConsume(t *testing.T) {
	env := newTestEnv(t)
	uploadChunk(t, env, "ranged", 0, 1, []byte("0123456789"))

	var resp map[string]string
	decodeBody(t, finalizeUpload(t, env, "ranged"), &resp)
	zipURL := resp["zipUrl"]

	req := httptest.NewRequest(http.MethodGet, "/"+zipURL, nil)
	req.Header.Set("Range", "bytes=2-5")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rr.Code)
	}
	if rr.Body.String() != "2345" {
		t.Errorf("range body mismatch: %q", rr.Body.String())
	}

	// A partial read is not delivery; the archive remains.
	if rr := env.do(t, http.MethodGet, "/"+zipURL, nil, ""); rr.Code != http.StatusOK {
		t.Errorf("full download after range read should succeed, got %d", rr.Code)
	}
}

func TestFinalizeWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	rr := finalizeUpload(t, env, "never-started")
	wantError(t, rr, http.StatusBadRequest, "No chunks found for this upload")
}

func TestFinalizeWithMissingChunk(t *testing.T) {
	env := newTestEnv(t)
	uploadChunk(t, env, "gappy", 0, 3, []byte("a"))
	uploadChunk(t, env, "gappy", 2, 3, []byte("c"))

	rr := finalizeUpload(t, env, "gappy")
	wantError(t, rr, http.StatusBadRequest, "Missing chunk 1")

	// The session survives a failed finalize; filling the gap completes it.
	uploadChunk(t, env, "gappy", 1, 3, []byte("b"))
	if rr := finalizeUpload(t, env, "gappy"); rr.Code != http.StatusOK {
		t.Errorf("finalize after filling gap failed with %d: %s", rr.Code, rr.Body.String())
	}
}

func TestUploadZipChunkValidation(t *testing.T) {
	env := newTestEnv(t)

	body, ct := multipartBody(t, "chunk", "part", []byte("x"), map[string]string{
		"server_ip": "10.0.0.1",
		"filename":  "partial",
	})
	rr := env.do(t, http.MethodPost, "/upload-zip-chunk", body, ct)
	wantError(t, rr, http.StatusBadRequest, "Server IP, port, filename, chunkIndex, and totalChunks are required")

	body, ct = multipartBody(t, "", "", nil, map[string]string{
		"server_ip":   "10.0.0.1",
		"server_port": "5000",
		"filename":    "nofile",
		"chunkIndex":  "0",
		"totalChunks": "1",
	})
	rr = env.do(t, http.MethodPost, "/upload-zip-chunk", body, ct)
	wantError(t, rr, http.StatusBadRequest, "No chunk provided")
}

func TestListZips(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON(t, "/list-zips", map[string]string{"serverKey": "10.0.0.1:5000"})
	wantError(t, rr, http.StatusNotFound, "No zips found")

	uploadChunk(t, env, "report", 0, 1, []byte("zip data"))
	var resp map[string]string
	decodeBody(t, finalizeUpload(t, env, "report"), &resp)

	rr = env.postJSON(t, "/list-zips", map[string]string{"serverKey": "10.0.0.1:5000"})
	if rr.Code != http.StatusOK {
		t.Fatalf("list failed with %d: %s", rr.Code, rr.Body.String())
	}
	var refs []zipRef
	decodeBody(t, rr, &refs)
	if len(refs) != 1 {
		t.Fatalf("expected 1 ref, got %d", len(refs))
	}
	if refs[0].ZipURL != resp["zipUrl"] {
		t.Errorf("listed url %q does not match upload %q", refs[0].ZipURL, resp["zipUrl"])
	}
	if refs[0].Name != "report.tar.xz" {
		t.Errorf("expected archive suffix on name, got %q", refs[0].Name)
	}
}
