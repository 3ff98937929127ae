package logstore

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store and PresenceStore. It exists for tests and
// for running a single relay without external infrastructure; it does not
// survive a restart.
type Memory struct {
	mu        sync.Mutex
	wake      chan struct{}
	seq       uint64
	logs      map[string][]Entry
	online    map[uint64]string
	platforms map[string]map[uint64]string
}

func NewMemory() *Memory {
	return &Memory{
		wake:      make(chan struct{}),
		logs:      make(map[string][]Entry),
		online:    make(map[uint64]string),
		platforms: make(map[string]map[uint64]string),
	}
}

func (m *Memory) Append(ctx context.Context, key string, fields map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := strconv.FormatUint(m.seq, 10) + "-0"
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	m.logs[key] = append(m.logs[key], Entry{ID: id, Fields: copied})

	// wake any blocked readers
	close(m.wake)
	m.wake = make(chan struct{})
	return id, nil
}

func (m *Memory) Len(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.logs[key])), nil
}

func (m *Memory) ReadSince(ctx context.Context, key, cursor string, block time.Duration, max int) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		m.mu.Lock()
		entries := m.after(key, cursor, max)
		wake := m.wake
		m.mu.Unlock()

		if len(entries) > 0 {
			return entries, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
			timer.Stop()
		}
	}
}

func (m *Memory) Delete(ctx context.Context, key string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.logs[key][:0]
	for _, e := range m.logs[key] {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(m.logs, key)
	} else {
		m.logs[key] = kept
	}
	return nil
}

func (m *Memory) SetOnline(ctx context.Context, sessionID uint64, identity, platform string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[sessionID] = identity
	if m.platforms[identity] == nil {
		m.platforms[identity] = make(map[uint64]string)
	}
	m.platforms[identity][sessionID] = platform
	return nil
}

func (m *Memory) ClearOnline(ctx context.Context, sessionID uint64, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, sessionID)
	if p, ok := m.platforms[identity]; ok {
		delete(p, sessionID)
		if len(p) == 0 {
			delete(m.platforms, identity)
		}
	}
	return nil
}

// after returns up to max entries with ids numerically greater than cursor.
// Caller holds m.mu.
func (m *Memory) after(key, cursor string, max int) []Entry {
	from := seqOf(cursor)
	var out []Entry
	for _, e := range m.logs[key] {
		if seqOf(e.ID) <= from {
			continue
		}
		out = append(out, e)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

func seqOf(id string) uint64 {
	head, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseUint(head, 10, 64)
	return n
}
