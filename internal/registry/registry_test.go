package registry

import (
	"testing"
	"time"
)

// fakeClock advances only when told to, making sweep windows deterministic.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := New(Config{
		ServerTimeout: 40 * time.Second,
		ClientTimeout: 5 * time.Minute,
	})
	r.now = clock.Now
	return r, clock
}

func TestServerRegisterAndHeartbeat(t *testing.T) {
	r, _ := newTestRegistry()

	srv := r.RegisterServer("10.0.0.1:5000", "10.0.0.1", 5000)
	if srv.Key != "10.0.0.1:5000" || srv.Host != "10.0.0.1" || srv.Port != 5000 {
		t.Errorf("unexpected server info: %+v", srv)
	}

	if !r.HeartbeatServer("10.0.0.1:5000") {
		t.Error("heartbeat for registered server should succeed")
	}
	if r.HeartbeatServer("10.0.0.9:5000") {
		t.Error("heartbeat for unknown server should fail")
	}
	if !r.HasServer("10.0.0.1:5000") {
		t.Error("registered server should be live")
	}

	if servers := r.Servers(); len(servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(servers))
	}
}

func TestReRegisterRefreshesAddress(t *testing.T) {
	r, clock := newTestRegistry()

	first := r.RegisterServer("srv", "10.0.0.1", 5000)
	clock.Advance(10 * time.Second)
	second := r.RegisterServer("srv", "10.0.0.2", 6000)

	if second.Host != "10.0.0.2" || second.Port != 6000 {
		t.Errorf("re-register should update address: %+v", second)
	}
	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Error("re-register should keep the original registration time")
	}
	if !second.LastSeen.After(first.LastSeen) {
		t.Error("re-register should refresh liveness")
	}
	if len(r.Servers()) != 1 {
		t.Error("re-register must not duplicate the entry")
	}
}

func TestSweepEvictsExpiredServers(t *testing.T) {
	r, clock := newTestRegistry()
	r.RegisterServer("srv", "10.0.0.1", 5000)

	// Inside the window: nothing evicted.
	clock.Advance(39 * time.Second)
	if s, _ := r.Sweep(clock.Now()); s != 0 {
		t.Errorf("expected 0 servers evicted, got %d", s)
	}

	// Past the 40s window: the server goes.
	clock.Advance(2 * time.Second)
	s, _ := r.Sweep(clock.Now())
	if s != 1 {
		t.Errorf("expected 1 server evicted, got %d", s)
	}
	if r.HasServer("srv") {
		t.Error("expired server should be gone")
	}

	// A heartbeat after eviction reports unknown, forcing re-registration.
	if r.HeartbeatServer("srv") {
		t.Error("heartbeat after eviction should fail")
	}
}

func TestHeartbeatExtendsServerLife(t *testing.T) {
	r, clock := newTestRegistry()
	r.RegisterServer("srv", "10.0.0.1", 5000)

	// Heartbeat every 20s for two minutes; the server must survive.
	for i := 0; i < 6; i++ {
		clock.Advance(20 * time.Second)
		if !r.HeartbeatServer("srv") {
			t.Fatalf("heartbeat %d failed", i)
		}
		if s, _ := r.Sweep(clock.Now()); s != 0 {
			t.Fatalf("server evicted despite heartbeats at step %d", i)
		}
	}
}

func TestClientRegistrationRequiresLiveServer(t *testing.T) {
	r, _ := newTestRegistry()

	if r.RegisterClient("client", "ghost") {
		t.Error("registering against an unknown server should fail")
	}
	if r.HasClient("client") {
		t.Error("failed registration must not record the client")
	}

	r.RegisterServer("srv", "10.0.0.1", 5000)
	if !r.RegisterClient("client", "srv") {
		t.Error("registering against a live server should succeed")
	}
	if !r.IsAssociated("client", "srv") {
		t.Error("client should be associated with srv")
	}
	if r.IsAssociated("client", "other") {
		t.Error("client should not be associated with other")
	}
}

func TestServerEvictionCascadesToClients(t *testing.T) {
	r, clock := newTestRegistry()
	r.RegisterServer("srv", "10.0.0.1", 5000)
	r.RegisterServer("other", "10.0.0.2", 5000)
	r.RegisterClient("client-1", "srv")
	r.RegisterClient("client-2", "srv")
	r.RegisterClient("client-3", "other")
	r.PostText("srv", "client-1", "pending")
	r.PostMessage("client-1", "srv", "reply")

	// "srv" stops heartbeating; "other" keeps going.
	clock.Advance(30 * time.Second)
	r.HeartbeatServer("other")
	clock.Advance(15 * time.Second)

	servers, clients := r.Sweep(clock.Now())
	if servers != 1 {
		t.Fatalf("expected 1 server evicted, got %d", servers)
	}
	if clients != 2 {
		t.Errorf("expected 2 cascaded client evictions, got %d", clients)
	}

	if got := r.AssociatedClients("srv"); len(got) != 0 {
		t.Errorf("evicted server should have no clients, got %v", got)
	}
	if got := r.AssociatedClients("other"); len(got) != 1 || got[0] != "client-3" {
		t.Errorf("surviving server should keep its client, got %v", got)
	}

	// Undelivered mail involving the evicted parties is dropped.
	if notes := r.DrainTexts("srv"); len(notes) != 0 {
		t.Errorf("evicted server's texts should be dropped, got %v", notes)
	}
	if notes := r.DrainMessages("client-1"); len(notes) != 0 {
		t.Errorf("evicted client's messages should be dropped, got %v", notes)
	}
}

func TestClientHeartbeatLog(t *testing.T) {
	r, clock := newTestRegistry()

	// Heartbeats count even for clients that never registered.
	r.RecordClientHeartbeat("client-1", "srv")
	r.RecordClientHeartbeat("client-2", "srv")
	r.RecordClientHeartbeat("client-1", "srv") // repeat, same client
	if r.HeartbeatClientCount() != 2 {
		t.Errorf("expected 2 heartbeat clients, got %d", r.HeartbeatClientCount())
	}

	// Entries expire after 5 minutes of silence.
	clock.Advance(4 * time.Minute)
	r.RecordClientHeartbeat("client-2", "srv")
	clock.Advance(90 * time.Second)
	r.Sweep(clock.Now())
	if r.HeartbeatClientCount() != 1 {
		t.Errorf("expected 1 heartbeat client after sweep, got %d", r.HeartbeatClientCount())
	}
}

func TestMailboxSingleDelivery(t *testing.T) {
	r, _ := newTestRegistry()

	r.PostText("srv", "client-a", "first")
	r.PostText("srv", "client-b", "second")
	r.PostMessage("client-a", "srv", "direct")

	texts := r.DrainTexts("srv")
	if len(texts) != 2 {
		t.Fatalf("expected 2 texts, got %d", len(texts))
	}
	if texts[0].From != "client-a" || texts[0].Body != "first" {
		t.Errorf("texts must drain in arrival order: %+v", texts[0])
	}
	if texts[1].From != "client-b" || texts[1].Body != "second" {
		t.Errorf("unexpected second text: %+v", texts[1])
	}

	// Second drain delivers nothing: each note goes out exactly once.
	if again := r.DrainTexts("srv"); len(again) != 0 {
		t.Errorf("second drain should be empty, got %v", again)
	}

	// Messages are a separate queue.
	msgs := r.DrainMessages("client-a")
	if len(msgs) != 1 || msgs[0].Body != "direct" {
		t.Errorf("unexpected messages: %v", msgs)
	}
}

func TestMailboxesIsolatedByRecipient(t *testing.T) {
	r, _ := newTestRegistry()
	r.PostText("srv-a", "c", "for-a")
	r.PostText("srv-b", "c", "for-b")

	if notes := r.DrainTexts("srv-a"); len(notes) != 1 || notes[0].Body != "for-a" {
		t.Errorf("recipient srv-a: %v", notes)
	}
	if notes := r.DrainTexts("srv-b"); len(notes) != 1 || notes[0].Body != "for-b" {
		t.Errorf("recipient srv-b: %v", notes)
	}
}
