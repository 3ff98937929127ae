package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/warriorsfly/collab-studio/pkg/logstore"
)

func newTestDirectory(t *testing.T, store logstore.Store, presence logstore.PresenceStore) *Directory {
	t.Helper()
	d := NewDirectory(store, presence, Config{
		PollInterval: 10 * time.Millisecond,
		BlockWait:    50 * time.Millisecond,
		BatchMax:     10,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d
}

func newMemoryDirectory(t *testing.T) (*Directory, *logstore.Memory) {
	t.Helper()
	mem := logstore.NewMemory()
	return newTestDirectory(t, mem, mem), mem
}

// fakeEndpoint collects delivered payloads; flipping fail makes every
// forward attempt error, like a dead transport.
type fakeEndpoint struct {
	mu       sync.Mutex
	fail     bool
	payloads []string
}

func (f *fakeEndpoint) Deliver(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("endpoint gone")
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeEndpoint) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

// events decodes every delivered payload and concatenates the batches.
func (f *fakeEndpoint) events(t *testing.T) []Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []Event
	for _, p := range f.payloads {
		var batch []Event
		if err := json.Unmarshal([]byte(p), &batch); err != nil {
			t.Fatalf("Undecodable payload %q: %v", p, err)
		}
		all = append(all, batch...)
	}
	return all
}

func (f *fakeEndpoint) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.payloads {
		var batch []Event
		if json.Unmarshal([]byte(p), &batch) == nil {
			n += len(batch)
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
