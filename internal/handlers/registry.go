package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	apierr "github.com/relaystore/relaystore/internal/errors"
	"github.com/relaystore/relaystore/internal/registry"
)

// RegistryHandler serves the collaborator endpoints: server registration and
// heartbeats, client association, and the text/message mailboxes.
type RegistryHandler struct {
	reg *registry.Registry
}

// NewRegistryHandler creates a RegistryHandler backed by reg.
func NewRegistryHandler(reg *registry.Registry) *RegistryHandler {
	return &RegistryHandler{reg: reg}
}

// registerRequest is the body for /register and /heartbeat. Port arrives as
// either a JSON number or a string depending on the producer, so json.Number
// absorbs both.
type registerRequest struct {
	IP   string      `json:"ip"`
	Port json.Number `json:"port"`
}

// Register handles POST /register: adds or refreshes a server entry keyed by
// its "ip:port" identity.
func (h *RegistryHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.IP == "" || req.Port.String() == "" {
		writeError(w, apierr.ErrValidation.WithMessage("IP and port are required for registration"))
		return
	}

	port, _ := strconv.Atoi(req.Port.String())
	serverKey := buildKey(req.IP, req.Port.String())
	h.reg.RegisterServer(serverKey, req.IP, port)

	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Server registered successfully",
		"serverKey": serverKey,
	})
}

// Heartbeat handles POST /heartbeat: refreshes a registered server's
// liveness. An unknown key gets 404 so the caller knows to re-register.
func (h *RegistryHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.IP == "" || req.Port.String() == "" {
		writeError(w, apierr.ErrValidation.WithMessage("IP and port are required for heartbeat"))
		return
	}

	serverKey := buildKey(req.IP, req.Port.String())
	if !h.reg.HeartbeatServer(serverKey) {
		writeError(w, apierr.ErrNotFound.WithMessage("Server not registered"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Heartbeat acknowledged"})
}

// listServersRequest is the body for /list-servers.
type listServersRequest struct {
	ServerKey string `json:"serverKey"`
	ClientKey string `json:"clientKey"`
}

// ListServers handles POST /list-servers: reports whether a server is live
// and whether the asking client is associated with it. The call doubles as
// the client's implicit heartbeat, recorded before any validation.
func (h *RegistryHandler) ListServers(w http.ResponseWriter, r *http.Request) {
	var req listServersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClientKey != "" && req.ServerKey != "" {
		h.reg.RecordClientHeartbeat(req.ClientKey, req.ServerKey)
	}

	if req.ServerKey == "" {
		writeError(w, apierr.ErrValidation.WithMessage("Server key (ip:port) is required"))
		return
	}
	if !h.reg.HasServer(req.ServerKey) {
		writeError(w, apierr.ErrNotFound.WithMessage("Server not found or inactive"))
		return
	}
	if req.ClientKey == "" {
		writeError(w, apierr.ErrValidation.WithMessage("Client Ip:port required"))
		return
	}

	msg := "Server Active but not associated"
	if h.reg.IsAssociated(req.ClientKey, req.ServerKey) {
		msg = "Server Active and associated"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// pairRequest is the body for the endpoints that identify both sides of a
// client/server pair, optionally carrying a payload.
type pairRequest struct {
	ClientIP   string `json:"client_ip"`
	ClientPort string `json:"client_port"`
	ServerIP   string `json:"server_ip"`
	ServerPort string `json:"server_port"`
	Text       string `json:"text"`
	Message    string `json:"message"`
}

func (p pairRequest) clientKey() string { return buildKey(p.ClientIP, p.ClientPort) }
func (p pairRequest) serverKey() string { return buildKey(p.ServerIP, p.ServerPort) }

// RegisterClient handles POST /register-client: attaches a client to a live
// server. The association survives until the server is evicted.
func (h *RegistryHandler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClientIP == "" || req.ClientPort == "" || req.ServerIP == "" || req.ServerPort == "" {
		writeError(w, apierr.ErrValidation.WithMessage("All fields are required"))
		return
	}

	clientKey, serverKey := req.clientKey(), req.serverKey()
	if !h.reg.RegisterClient(clientKey, serverKey) {
		writeError(w, apierr.ErrNotFound.WithMessage("Associated server not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Client registered successfully",
		"clientKey": clientKey,
		"serverKey": serverKey,
	})
}

// AssociatedClients handles POST /associated-clients: lists the client keys
// attached to a server.
func (h *RegistryHandler) AssociatedClients(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ServerKey == "" {
		writeError(w, apierr.ErrValidation.WithMessage("Server key is required"))
		return
	}

	clients := h.reg.AssociatedClients(req.ServerKey)
	if len(clients) == 0 {
		writeError(w, apierr.ErrNotFound.WithMessage("No clients available for this server"))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"associatedClients": clients})
}

// PostText handles POST /post-text: queues a client's text for a server.
// The server is not required to be live; texts wait for it to come back.
func (h *RegistryHandler) PostText(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ServerIP == "" || req.ServerPort == "" || req.ClientIP == "" || req.ClientPort == "" || req.Text == "" {
		writeError(w, apierr.ErrValidation.WithMessage("Server IP, port, client IP, port, and text are required"))
		return
	}

	serverKey := req.serverKey()
	h.reg.PostText(serverKey, req.clientKey(), req.Text)
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Text posted successfully",
		"serverKey": serverKey,
	})
}

// SendMessage handles POST /send-message: queues a server's message for one
// of its associated clients. Unlike texts, delivery requires a live server
// and an existing association.
func (h *RegistryHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ServerIP == "" || req.ServerPort == "" || req.ClientIP == "" || req.ClientPort == "" || req.Message == "" {
		writeError(w, apierr.ErrValidation.WithMessage("Server IP, port, client IP, port, and message are required"))
		return
	}

	clientKey, serverKey := req.clientKey(), req.serverKey()
	if !h.reg.HasServer(serverKey) {
		writeError(w, apierr.ErrNotFound.WithMessage("Server not registered or inactive"))
		return
	}
	if !h.reg.IsAssociated(clientKey, serverKey) {
		writeError(w, apierr.ErrNotFound.WithMessage("Client not registered or not associated with the server"))
		return
	}

	h.reg.PostMessage(clientKey, serverKey, req.Message)
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Message sent successfully",
		"clientKey": clientKey,
		"serverKey": serverKey,
	})
}

// messageEntry is one delivered server-to-client message.
type messageEntry struct {
	Message string `json:"message"`
}

// FetchMessages handles GET /fetch-messages: drains the client's queued
// messages. Each message is delivered exactly once.
func (h *RegistryHandler) FetchMessages(w http.ResponseWriter, r *http.Request) {
	clientIP := r.URL.Query().Get("client_ip")
	clientPort := r.URL.Query().Get("client_port")
	if clientIP == "" || clientPort == "" {
		writeError(w, apierr.ErrValidation.WithMessage("Client IP and port are required"))
		return
	}

	clientKey := buildKey(clientIP, clientPort)
	if !h.reg.HasClient(clientKey) {
		writeError(w, apierr.ErrNotFound.WithMessage("Client not registered"))
		return
	}

	notes := h.reg.DrainMessages(clientKey)
	if len(notes) == 0 {
		writeError(w, apierr.ErrNotFound.WithMessage("No messages found for this client"))
		return
	}

	msgs := make([]messageEntry, 0, len(notes))
	for _, n := range notes {
		msgs = append(msgs, messageEntry{Message: n.Body})
	}
	writeJSON(w, http.StatusOK, map[string][]messageEntry{"messages": msgs})
}

// textEntry is one delivered client-to-server text.
type textEntry struct {
	Text string `json:"text"`
}

// ListText handles GET /list-text: drains the texts clients posted to a live
// server. Each text is delivered exactly once.
func (h *RegistryHandler) ListText(w http.ResponseWriter, r *http.Request) {
	serverIP := r.URL.Query().Get("server_ip")
	serverPort := r.URL.Query().Get("server_port")
	if serverIP == "" || serverPort == "" {
		writeError(w, apierr.ErrValidation.WithMessage("Server IP and port are required"))
		return
	}

	serverKey := buildKey(serverIP, serverPort)
	if !h.reg.HasServer(serverKey) {
		writeError(w, apierr.ErrNotFound.WithMessage("Server not registered or inactive"))
		return
	}

	notes := h.reg.DrainTexts(serverKey)
	if len(notes) == 0 {
		writeError(w, apierr.ErrNotFound.WithMessage("No messages found for this server"))
		return
	}

	texts := make([]textEntry, 0, len(notes))
	for _, n := range notes {
		texts = append(texts, textEntry{Text: n.Body})
	}
	writeJSON(w, http.StatusOK, map[string][]textEntry{"texts": texts})
}
