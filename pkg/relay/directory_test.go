package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/warriorsfly/collab-studio/pkg/logstore"
)

func TestDirectory_ConnectAssignsUniqueIds(t *testing.T) {
	d, _ := newMemoryDirectory(t)
	ctx := context.Background()

	seen := make(map[uint64]bool)
	for i := 0; i < 10; i++ {
		id, err := d.Connect(ctx, &fakeEndpoint{})
		if err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("Session id %d assigned twice", id)
		}
		seen[id] = true
	}
}

func TestDirectory_StoreAndForward(t *testing.T) {
	d, mem := newMemoryDirectory(t)
	ctx := context.Background()
	key := logstore.StreamKey("alice")

	// alice is offline; three messages are staged
	for _, obj := range []string{"1", "2", "3"} {
		ids, err := d.Inject(ctx, "", Event{Subject: "a", Act: "x", Object: obj}, []string{"alice"})
		if err != nil {
			t.Fatalf("Inject failed: %v", err)
		}
		if len(ids) != 1 {
			t.Fatalf("Expected 1 appended id, got %d", len(ids))
		}
	}
	if n, _ := mem.Len(ctx, key); n != 3 {
		t.Fatalf("Expected 3 staged entries, got %d", n)
	}

	// alice comes online: everything drains in append order
	ep := &fakeEndpoint{}
	id, err := d.Connect(ctx, ep)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := d.Online(ctx, id, "alice", "web", ep); err != nil {
		t.Fatalf("Online failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return ep.eventCount() == 3 }, "staged events not delivered")

	events := ep.events(t)
	for i, want := range []string{"1", "2", "3"} {
		if events[i].Object != want {
			t.Errorf("Event %d: expected object %s, got %s", i, want, events[i].Object)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		n, _ := mem.Len(ctx, key)
		return n == 0
	}, "delivered entries not pruned")
}

func TestDirectory_DisconnectClearsPresenceAndStopsWorker(t *testing.T) {
	d, mem := newMemoryDirectory(t)
	ctx := context.Background()

	ep := &fakeEndpoint{}
	id, _ := d.Connect(ctx, ep)
	if err := d.Online(ctx, id, "bob", "web", ep); err != nil {
		t.Fatalf("Online failed: %v", err)
	}

	if err := d.Disconnect(ctx, id); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	names, _ := d.ListNames(ctx)
	if len(names) != 0 {
		t.Errorf("Expected no online identities after disconnect, got %v", names)
	}

	// messages staged after disconnect stay staged
	d.Inject(ctx, "", Event{Object: "late"}, []string{"bob"})
	time.Sleep(100 * time.Millisecond)
	if ep.eventCount() != 0 {
		t.Error("Worker delivered after disconnect")
	}
	if n, _ := mem.Len(ctx, logstore.StreamKey("bob")); n != 1 {
		t.Error("Staged entry pruned without delivery")
	}
}

func TestDirectory_DisconnectIsIdempotent(t *testing.T) {
	d, _ := newMemoryDirectory(t)
	ctx := context.Background()

	ep := &fakeEndpoint{}
	id, _ := d.Connect(ctx, ep)
	d.Online(ctx, id, "bob", "web", ep)

	if err := d.Disconnect(ctx, id); err != nil {
		t.Fatalf("First disconnect failed: %v", err)
	}
	if err := d.Disconnect(ctx, id); err != nil {
		t.Fatalf("Second disconnect failed: %v", err)
	}
	// an id that never connected is also a no-op
	if err := d.Disconnect(ctx, 9999); err != nil {
		t.Fatalf("Disconnect of unknown id failed: %v", err)
	}
}

func TestDirectory_ListNamesSnapshot(t *testing.T) {
	d, _ := newMemoryDirectory(t)
	ctx := context.Background()

	ep := &fakeEndpoint{}
	id, _ := d.Connect(ctx, ep)
	if err := d.Online(ctx, id, "bob", "web", ep); err != nil {
		t.Fatalf("Online failed: %v", err)
	}

	// two callers list concurrently: both see bob, neither sees carol
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			names, err := d.ListNames(ctx)
			if err != nil {
				t.Errorf("ListNames failed: %v", err)
				return
			}
			if !contains(names, "bob") {
				t.Errorf("Expected bob in %v", names)
			}
			if contains(names, "carol") {
				t.Errorf("Did not expect carol in %v", names)
			}
		}()
	}
	wg.Wait()
}

func TestDirectory_OnlineReplacesPriorWorker(t *testing.T) {
	d, _ := newMemoryDirectory(t)
	ctx := context.Background()

	ep1 := &fakeEndpoint{}
	id1, _ := d.Connect(ctx, ep1)
	if err := d.Online(ctx, id1, "dave", "web", ep1); err != nil {
		t.Fatalf("First online failed: %v", err)
	}

	ep2 := &fakeEndpoint{}
	id2, _ := d.Connect(ctx, ep2)
	if err := d.Online(ctx, id2, "dave", "mobile", ep2); err != nil {
		t.Fatalf("Second online failed: %v", err)
	}

	names, _ := d.ListNames(ctx)
	if len(names) != 1 || names[0] != "dave" {
		t.Fatalf("Expected exactly [dave], got %v", names)
	}

	d.Inject(ctx, "", Event{Object: "ping"}, []string{"dave"})
	waitFor(t, 2*time.Second, func() bool { return ep2.eventCount() == 1 }, "replacement worker did not deliver")
	if ep1.eventCount() != 0 {
		t.Error("Replaced worker still delivering to old endpoint")
	}
}

func TestDirectory_RedeclareSameIdentityKeepsOneWorker(t *testing.T) {
	d, mem := newMemoryDirectory(t)
	ctx := context.Background()

	ep := &fakeEndpoint{}
	id, _ := d.Connect(ctx, ep)
	if err := d.Online(ctx, id, "alice", "web", ep); err != nil {
		t.Fatalf("First online failed: %v", err)
	}
	if err := d.Online(ctx, id, "alice", "web", ep); err != nil {
		t.Fatalf("Repeated online failed: %v", err)
	}

	names, _ := d.ListNames(ctx)
	if len(names) != 1 || names[0] != "alice" {
		t.Fatalf("Expected exactly [alice], got %v", names)
	}

	// disconnect must leave no worker behind: a leaked one from the
	// repeated declaration would drain entries for an offline identity
	if err := d.Disconnect(ctx, id); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	d.Inject(ctx, "", Event{Object: "late"}, []string{"alice"})
	time.Sleep(100 * time.Millisecond)
	if ep.eventCount() != 0 {
		t.Error("Delivery continued after disconnect")
	}
	if n, _ := mem.Len(ctx, logstore.StreamKey("alice")); n != 1 {
		t.Errorf("Staged entry pruned while offline, log length %d", n)
	}
}

func TestDirectory_RebindChangesIdentity(t *testing.T) {
	d, _ := newMemoryDirectory(t)
	ctx := context.Background()

	ep := &fakeEndpoint{}
	id, _ := d.Connect(ctx, ep)
	d.Online(ctx, id, "erin", "web", ep)
	d.Online(ctx, id, "frank", "web", ep)

	names, _ := d.ListNames(ctx)
	if contains(names, "erin") {
		t.Errorf("Old identity still online after rebind: %v", names)
	}
	if !contains(names, "frank") {
		t.Errorf("New identity missing after rebind: %v", names)
	}
}

func TestDirectory_OfflineUnbindsWithoutDisconnect(t *testing.T) {
	d, _ := newMemoryDirectory(t)
	ctx := context.Background()

	ep := &fakeEndpoint{}
	id, _ := d.Connect(ctx, ep)
	d.Online(ctx, id, "erin", "web", ep)

	if err := d.Offline(ctx, id); err != nil {
		t.Fatalf("Offline failed: %v", err)
	}
	names, _ := d.ListNames(ctx)
	if len(names) != 0 {
		t.Errorf("Expected no online identities, got %v", names)
	}

	// the session is still connected and may declare again
	if err := d.Online(ctx, id, "erin", "web", ep); err != nil {
		t.Fatalf("Re-online failed: %v", err)
	}
	names, _ = d.ListNames(ctx)
	if !contains(names, "erin") {
		t.Errorf("Expected erin online again, got %v", names)
	}
}

// failingStore errors every append for one key, so one recipient of a
// multi-recipient inject fails.
type failingStore struct {
	logstore.Store
	failKey string
}

func (s *failingStore) Append(ctx context.Context, key string, fields map[string]string) (string, error) {
	if key == s.failKey {
		return "", errors.New("append refused")
	}
	return s.Store.Append(ctx, key, fields)
}

func TestDirectory_InjectSkipsFailedRecipients(t *testing.T) {
	mem := logstore.NewMemory()
	store := &failingStore{Store: mem, failKey: logstore.StreamKey("bad")}
	d := newTestDirectory(t, store, mem)
	ctx := context.Background()

	ids, err := d.Inject(ctx, "alice", Event{Object: "1"}, []string{"good", "bad", "also-good"})
	if err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("Expected 2 ids for the successful appends, got %d", len(ids))
	}
	if n, _ := mem.Len(ctx, logstore.StreamKey("good")); n != 1 {
		t.Error("Expected entry for good")
	}
	if n, _ := mem.Len(ctx, logstore.StreamKey("bad")); n != 0 {
		t.Error("Expected no entry for bad")
	}
}

func TestDirectory_ClosedRejectsOperations(t *testing.T) {
	mem := logstore.NewMemory()
	d := NewDirectory(mem, mem, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	cancel()

	waitFor(t, 2*time.Second, func() bool {
		_, err := d.Connect(context.Background(), &fakeEndpoint{})
		return errors.Is(err, ErrDirectoryClosed)
	}, "directory did not reject operations after shutdown")
}
