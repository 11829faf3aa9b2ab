// Package handlers implements the RelayStore JSON HTTP handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierr "github.com/relaystore/relaystore/internal/errors"
	"github.com/relaystore/relaystore/internal/metadata"
)

// maxJSONBody bounds JSON request bodies. Blob payloads travel as multipart
// form data and have their own limit.
const maxJSONBody = 1 << 20

// buildKey joins a host and port into the opaque "ip:port" identity used for
// owners, servers, and clients throughout the API.
func buildKey(ip, port string) string {
	return ip + ":" + port
}

// locatorFromRequest reads the {shard}/{id} path segments chi parsed for us.
func locatorFromRequest(shard, id string) metadata.Locator {
	return metadata.Locator{ShardName: shard, ObjectID: id}
}

// writeJSON serializes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response body", "error", err)
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
}

// writeError maps an error to its HTTP status and JSON body. Typed API
// errors carry their own status; anything else is an internal error.
func writeError(w http.ResponseWriter, err error) {
	var ae *apierr.APIError
	if !errors.As(err, &ae) {
		slog.Error("unexpected handler error", "error", err)
		ae = apierr.ErrInternal
	}
	writeJSON(w, ae.HTTPStatus, errorBody{Error: ae.Message})
}

// decodeJSON parses a bounded JSON request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return apierr.ErrValidation.WithMessage("Malformed JSON body: %v", err)
	}
	return nil
}
