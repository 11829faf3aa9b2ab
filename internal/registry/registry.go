// Package registry tracks the external collaborators of a relay deployment:
// peer relay servers kept alive by heartbeats, clients explicitly attached to
// a server, a client heartbeat log with its own liveness window, and
// per-recipient mailboxes for text and message delivery. All state is in
// memory; liveness is re-established by heartbeats after a restart.
package registry

import (
	"log/slog"
	"sync"
	"time"
)

// ServerInfo describes a registered peer server.
type ServerInfo struct {
	Key          string    `json:"key"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Note is one queued mailbox item awaiting delivery.
type Note struct {
	From     string    `json:"from"`
	Body     string    `json:"body"`
	QueuedAt time.Time `json:"queued_at"`
}

// heartbeatEntry records the last heartbeat a client sent and the server it
// was asking about. Distinct from the client registry: heartbeats are
// implicit liveness signals, registration is an explicit association.
type heartbeatEntry struct {
	serverKey string
	lastSeen  time.Time
}

// Config holds the registry liveness windows.
type Config struct {
	// ServerTimeout is how long a server survives without a heartbeat.
	ServerTimeout time.Duration
	// ClientTimeout is how long a client heartbeat log entry survives.
	ClientTimeout time.Duration
}

// Registry is the in-memory collaborator directory. A single mutex guards
// all tables together because server eviction cascades across them.
type Registry struct {
	cfg Config
	now func() time.Time // clock hook for tests

	mu         sync.Mutex
	servers    map[string]*ServerInfo
	clients    map[string]string // clientKey -> serverKey association
	heartbeats map[string]heartbeatEntry
	texts      map[string][]Note // recipient serverKey -> client texts
	messages   map[string][]Note // recipient clientKey -> server messages
}

// New creates an empty Registry with the given liveness windows.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:        cfg,
		now:        time.Now,
		servers:    make(map[string]*ServerInfo),
		clients:    make(map[string]string),
		heartbeats: make(map[string]heartbeatEntry),
		texts:      make(map[string][]Note),
		messages:   make(map[string][]Note),
	}
}

// RegisterServer adds or refreshes a peer server. Re-registering an existing
// key refreshes its liveness and address.
func (r *Registry) RegisterServer(key, host string, port int) ServerInfo {
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	srv, ok := r.servers[key]
	if !ok {
		srv = &ServerInfo{Key: key, RegisteredAt: now}
		r.servers[key] = srv
		slog.Info("server registered", "key", key)
	}
	srv.Host = host
	srv.Port = port
	srv.LastSeen = now
	return *srv
}

// HeartbeatServer refreshes a server's liveness. Returns false when the key
// is unknown (expired or never registered), in which case the caller must
// re-register.
func (r *Registry) HeartbeatServer(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	srv, ok := r.servers[key]
	if !ok {
		return false
	}
	srv.LastSeen = r.now().UTC()
	return true
}

// HasServer reports whether the server key is currently live.
func (r *Registry) HasServer(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.servers[key]
	return ok
}

// Servers returns a snapshot of all live servers.
func (r *Registry) Servers() []ServerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ServerInfo, 0, len(r.servers))
	for _, srv := range r.servers {
		out = append(out, *srv)
	}
	return out
}

// RegisterClient attaches a client to a live server. Returns false when the
// server key is unknown; the association is not recorded in that case.
func (r *Registry) RegisterClient(clientKey, serverKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[serverKey]; !ok {
		return false
	}
	r.clients[clientKey] = serverKey
	slog.Info("client registered", "client", clientKey, "server", serverKey)
	return true
}

// HasClient reports whether the client key has a recorded association.
func (r *Registry) HasClient(clientKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[clientKey]
	return ok
}

// IsAssociated reports whether the client is attached to the given server.
func (r *Registry) IsAssociated(clientKey, serverKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[clientKey] == serverKey
}

// AssociatedClients returns the keys of all clients attached to the server.
func (r *Registry) AssociatedClients(serverKey string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for clientKey, sk := range r.clients {
		if sk == serverKey {
			out = append(out, clientKey)
		}
	}
	return out
}

// RecordClientHeartbeat logs a client liveness signal. Heartbeats are
// implicit: any client polling server liveness counts as alive, registered
// or not.
func (r *Registry) RecordClientHeartbeat(clientKey, serverKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats[clientKey] = heartbeatEntry{serverKey: serverKey, lastSeen: r.now().UTC()}
}

// HeartbeatClientCount returns the number of clients with a live heartbeat.
func (r *Registry) HeartbeatClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.heartbeats)
}

// PostText queues a client text for the recipient server.
func (r *Registry) PostText(serverKey, clientKey, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts[serverKey] = append(r.texts[serverKey], Note{
		From: clientKey, Body: text, QueuedAt: r.now().UTC(),
	})
}

// PostMessage queues a server message for the recipient client.
func (r *Registry) PostMessage(clientKey, serverKey, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[clientKey] = append(r.messages[clientKey], Note{
		From: serverKey, Body: message, QueuedAt: r.now().UTC(),
	})
}

// DrainTexts returns and clears the server's queued texts. Each note is
// delivered exactly once; a second drain returns nothing.
func (r *Registry) DrainTexts(serverKey string) []Note {
	r.mu.Lock()
	defer r.mu.Unlock()
	notes := r.texts[serverKey]
	delete(r.texts, serverKey)
	return notes
}

// DrainMessages returns and clears the client's queued messages.
func (r *Registry) DrainMessages(clientKey string) []Note {
	r.mu.Lock()
	defer r.mu.Unlock()
	notes := r.messages[clientKey]
	delete(r.messages, clientKey)
	return notes
}

// Sweep evicts servers silent past their timeout and prunes stale client
// heartbeats, measured against now. Evicting a server cascades to its
// attached clients. Returns the number of servers and clients evicted.
func (r *Registry) Sweep(now time.Time) (serversEvicted, clientsEvicted int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	serverCutoff := now.Add(-r.cfg.ServerTimeout)
	for key, srv := range r.servers {
		if srv.LastSeen.Before(serverCutoff) {
			delete(r.servers, key)
			serversEvicted++
			slog.Info("server expired", "key", key, "last_seen", srv.LastSeen.Format(time.RFC3339))
			for clientKey, serverKey := range r.clients {
				if serverKey == key {
					delete(r.clients, clientKey)
					delete(r.messages, clientKey)
					clientsEvicted++
				}
			}
			delete(r.texts, key)
		}
	}

	heartbeatCutoff := now.Add(-r.cfg.ClientTimeout)
	for clientKey, hb := range r.heartbeats {
		if hb.lastSeen.Before(heartbeatCutoff) {
			delete(r.heartbeats, clientKey)
			slog.Info("client heartbeat expired", "client", clientKey)
		}
	}
	return serversEvicted, clientsEvicted
}
