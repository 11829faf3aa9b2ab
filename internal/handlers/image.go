package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierr "github.com/relaystore/relaystore/internal/errors"
	"github.com/relaystore/relaystore/internal/metadata"
	"github.com/relaystore/relaystore/internal/metrics"
	"github.com/relaystore/relaystore/internal/relay"
	"github.com/relaystore/relaystore/internal/shard"
)

// ImageHandler serves the single-shot image endpoints: upload, download,
// delete, and the reconciled listing.
type ImageHandler struct {
	committer  *relay.Committer
	streamer   *relay.Streamer
	reconciler *relay.Reconciler
	pool       *shard.Pool
	store      metadata.Store
	maxUpload  int64
}

// NewImageHandler creates an ImageHandler with injected dependencies.
func NewImageHandler(committer *relay.Committer, streamer *relay.Streamer, reconciler *relay.Reconciler, pool *shard.Pool, store metadata.Store, maxUpload int64) *ImageHandler {
	return &ImageHandler{
		committer:  committer,
		streamer:   streamer,
		reconciler: reconciler,
		pool:       pool,
		store:      store,
		maxUpload:  maxUpload,
	}
}

// UploadImage handles POST /upload-image: a multipart body with one "image"
// file and the producer identity fields. The blob is committed with the
// two-phase protocol; a failure on either phase leaves nothing behind.
func (h *ImageHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeError(w, apierr.ErrValidation.WithMessage("Malformed multipart body: %v", err))
		return
	}

	clientIP := r.FormValue("client_ip")
	clientPort := r.FormValue("client_port")
	serverIP := r.FormValue("server_ip")
	serverPort := r.FormValue("server_port")
	if clientIP == "" || clientPort == "" || serverIP == "" || serverPort == "" {
		writeError(w, apierr.ErrValidation.WithMessage("Client and server details are required"))
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, apierr.ErrValidation.WithMessage("No image uploaded"))
		return
	}
	defer file.Close()

	ownerKey := buildKey(serverIP, serverPort)
	slog.Info("image upload", "owner", ownerKey, "filename", header.Filename, "size", header.Size)

	loc, err := h.committer.CommitImage(r.Context(), ownerKey, file, header.Size)
	if err != nil {
		metrics.CommitsTotal.WithLabelValues("image", "failure").Inc()
		writeError(w, err)
		return
	}
	metrics.CommitsTotal.WithLabelValues("image", "success").Inc()
	metrics.BytesStoredTotal.Add(float64(header.Size))

	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "Image uploaded successfully",
		"imageUrl": "images/" + loc.ShardName + "/" + loc.ObjectID,
	})
}

// GetImage handles GET /images/{shard}/{id}: streams the full object.
func (h *ImageHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	loc := locatorFromRequest(chi.URLParam(r, "shard"), chi.URLParam(r, "id"))

	sent, committed, err := h.streamer.ServeBlob(w, r, loc, relay.StreamOptions{
		ContentType: "image/png",
	})
	if err != nil && !committed {
		writeError(w, err)
		return
	}
	metrics.BytesStreamedTotal.Add(float64(sent))
}

// DeleteImage handles DELETE /images/{shard}/{id}: removes the metadata
// record first, then the blob. Image deletion is immediate and hard; only
// archives get the soft-delete lifecycle.
func (h *ImageHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	loc := locatorFromRequest(chi.URLParam(r, "shard"), chi.URLParam(r, "id"))

	sh, ok := h.pool.Get(loc.ShardName)
	if !ok {
		writeError(w, apierr.ErrUnknownShard)
		return
	}

	exists, err := sh.Exists(r.Context(), loc.ObjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !exists {
		writeError(w, apierr.ErrNotFound.WithMessage("File not found"))
		return
	}

	if err := h.store.DeleteImage(r.Context(), loc); err != nil {
		writeError(w, err)
		return
	}
	if err := sh.Delete(r.Context(), loc.ObjectID); err != nil && !errors.Is(err, shard.ErrObjectNotFound) {
		writeError(w, err)
		return
	}

	slog.Info("image deleted", "locator", loc.String())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Image deleted successfully"})
}

// listRequest is the shared body for the listing endpoints.
type listRequest struct {
	ServerKey string `json:"serverKey"`
}

// imageRef is one entry in the list-images response.
type imageRef struct {
	ImageURL string `json:"imageUrl"`
}

// ListImages handles POST /list-images: returns the owner's reconciled image
// references. Orphaned records are healed during the call and never shown.
func (h *ImageHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ServerKey == "" {
		writeError(w, apierr.ErrValidation.WithMessage("Server key is required"))
		return
	}

	records, err := h.reconciler.ListImages(r.Context(), req.ServerKey, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(records) == 0 {
		writeError(w, apierr.ErrNotFound.WithMessage("No images found"))
		return
	}

	refs := make([]imageRef, 0, len(records))
	for _, rec := range records {
		refs = append(refs, imageRef{
			ImageURL: "images/" + rec.Locator.ShardName + "/" + rec.Locator.ObjectID,
		})
	}
	writeJSON(w, http.StatusOK, refs)
}
