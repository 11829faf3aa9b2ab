package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierr "github.com/relaystore/relaystore/internal/errors"
	"github.com/relaystore/relaystore/internal/metadata"
	"github.com/relaystore/relaystore/internal/metrics"
	"github.com/relaystore/relaystore/internal/relay"
)

// archiveSuffix is appended to the producer-supplied name when the assembled
// archive is committed.
const archiveSuffix = ".tar.xz"

// ArchiveHandler serves the chunked-archive endpoints: chunk upload,
// finalize, range download with single-delivery, digest lookup, and the
// reconciled listing.
type ArchiveHandler struct {
	sessions   *relay.SessionManager
	committer  *relay.Committer
	streamer   *relay.Streamer
	reconciler *relay.Reconciler
	store      metadata.Store
	maxUpload  int64
}

// NewArchiveHandler creates an ArchiveHandler with injected dependencies.
func NewArchiveHandler(sessions *relay.SessionManager, committer *relay.Committer, streamer *relay.Streamer, reconciler *relay.Reconciler, store metadata.Store, maxUpload int64) *ArchiveHandler {
	return &ArchiveHandler{
		sessions:   sessions,
		committer:  committer,
		streamer:   streamer,
		reconciler: reconciler,
		store:      store,
		maxUpload:  maxUpload,
	}
}

// UploadZipChunk handles POST /upload-zip-chunk: a multipart body with one
// "chunk" file plus owner identity, filename, chunkIndex, and totalChunks
// fields. Chunks may arrive in any order.
func (h *ArchiveHandler) UploadZipChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeError(w, apierr.ErrValidation.WithMessage("Malformed multipart body: %v", err))
		return
	}

	serverIP := r.FormValue("server_ip")
	serverPort := r.FormValue("server_port")
	filename := r.FormValue("filename")
	chunkIndexStr := r.FormValue("chunkIndex")
	totalChunksStr := r.FormValue("totalChunks")
	if serverIP == "" || serverPort == "" || filename == "" || chunkIndexStr == "" || totalChunksStr == "" {
		writeError(w, apierr.ErrValidation.WithMessage(
			"Server IP, port, filename, chunkIndex, and totalChunks are required"))
		return
	}

	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil {
		writeError(w, apierr.ErrValidation.WithMessage("Invalid chunkIndex %q", chunkIndexStr))
		return
	}
	totalChunks, err := strconv.Atoi(totalChunksStr)
	if err != nil {
		writeError(w, apierr.ErrValidation.WithMessage("Invalid totalChunks %q", totalChunksStr))
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, apierr.ErrValidation.WithMessage("No chunk provided"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apierr.ErrValidation.WithMessage("Reading chunk body: %v", err))
		return
	}

	ownerKey := buildKey(serverIP, serverPort)
	if err := h.sessions.PutChunk(ownerKey, filename, chunkIndex, totalChunks, data); err != nil {
		writeError(w, err)
		return
	}
	metrics.OpenSessions.Set(float64(h.sessions.OpenSessions()))

	slog.Debug("chunk stored", "owner", ownerKey, "filename", filename, "index", chunkIndex, "total", totalChunks)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Chunk uploaded"})
}

// finalizeRequest is the body for POST /finalize-zip-upload.
type finalizeRequest struct {
	ServerIP   string `json:"server_ip"`
	ServerPort string `json:"server_port"`
	Filename   string `json:"filename"`
}

// FinalizeZipUpload handles POST /finalize-zip-upload: assembles the
// session's chunks in index order, commits the result with its SHA-256
// digest, and consumes the session.
func (h *ArchiveHandler) FinalizeZipUpload(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ServerIP == "" || req.ServerPort == "" || req.Filename == "" {
		writeError(w, apierr.ErrValidation.WithMessage("Server IP, port, and filename are required"))
		return
	}

	ownerKey := buildKey(req.ServerIP, req.ServerPort)
	data, digest, err := h.sessions.Finalize(ownerKey, req.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.OpenSessions.Set(float64(h.sessions.OpenSessions()))

	finalName := req.Filename + archiveSuffix
	loc, err := h.committer.CommitArchive(r.Context(), ownerKey, finalName, digest, data)
	if err != nil {
		metrics.CommitsTotal.WithLabelValues("archive", "failure").Inc()
		writeError(w, err)
		return
	}
	metrics.CommitsTotal.WithLabelValues("archive", "success").Inc()
	metrics.BytesStoredTotal.Add(float64(len(data)))

	slog.Info("archive committed", "owner", ownerKey, "name", finalName, "locator", loc.String(), "size", len(data))
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "ZIP uploaded successfully",
		"zipUrl":  "zip-file/" + loc.ShardName + "/" + loc.ObjectID,
		"sha256":  digest,
	})
}

// GetZipFile handles GET /zip-file/{shard}/{id}: streams the archive with
// Range support. A full read from byte zero single-delivers the archive,
// soft-deleting it afterwards.
func (h *ArchiveHandler) GetZipFile(w http.ResponseWriter, r *http.Request) {
	loc := locatorFromRequest(chi.URLParam(r, "shard"), chi.URLParam(r, "id"))

	rec, err := h.store.GetArchive(r.Context(), loc)
	if err != nil {
		writeError(w, err)
		return
	}
	filename := ""
	if rec != nil {
		filename = rec.OriginalName
	}

	sent, committed, err := h.streamer.ServeBlob(w, r, loc, relay.StreamOptions{
		ContentType:         "application/x-tar",
		Filename:            filename,
		DeleteAfterFullRead: true,
	})
	if err != nil && !committed {
		writeError(w, err)
		return
	}
	metrics.BytesStreamedTotal.Add(float64(sent))
}

// GetZipHash handles GET /zip-hash/{shard}/{id}: returns the stored content
// digest. The digest stays queryable through the retention window even after
// a full read has removed the blob.
func (h *ArchiveHandler) GetZipHash(w http.ResponseWriter, r *http.Request) {
	loc := locatorFromRequest(chi.URLParam(r, "shard"), chi.URLParam(r, "id"))

	rec, err := h.store.GetArchive(r.Context(), loc)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, apierr.ErrNotFound.WithMessage("Not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sha256": rec.ContentDigest})
}

// zipRef is one entry in the list-zips response.
type zipRef struct {
	ZipURL string `json:"zipUrl"`
	Name   string `json:"name"`
}

// ListZips handles POST /list-zips: returns the owner's reconciled,
// non-soft-deleted archive references.
func (h *ArchiveHandler) ListZips(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ServerKey == "" {
		writeError(w, apierr.ErrValidation.WithMessage("Server key is required"))
		return
	}

	records, err := h.reconciler.ListArchives(r.Context(), req.ServerKey)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(records) == 0 {
		writeError(w, apierr.ErrNotFound.WithMessage("No zips found"))
		return
	}

	refs := make([]zipRef, 0, len(records))
	for _, rec := range records {
		refs = append(refs, zipRef{
			ZipURL: "zip-file/" + rec.Locator.ShardName + "/" + rec.Locator.ObjectID,
			Name:   rec.OriginalName,
		})
	}
	writeJSON(w, http.StatusOK, refs)
}
