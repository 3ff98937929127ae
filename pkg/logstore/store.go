// Package logstore abstracts the durable per-identity message log and the
// durable presence mirror behind small capability interfaces, so the relay
// core never touches a concrete backend. Backends: NATS JetStream, Redis
// Streams, and an in-process store for tests and single-binary dev runs.
package logstore

import (
	"context"
	"time"
)

// Entry is one stored log record: a store-assigned id (monotonic within its
// key) plus the field map that was appended.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Store is the append-only per-key log. All operations are keyed; keys for
// different identities never share entries.
type Store interface {
	// Append adds one entry and returns the store-assigned id.
	Append(ctx context.Context, key string, fields map[string]string) (string, error)

	// Len reports the number of entries under key. An absent key is
	// length 0, not an error.
	Len(ctx context.Context, key string) (int64, error)

	// ReadSince returns entries with ids greater than cursor, in append
	// order, waiting up to block for data and returning at most max
	// entries. Cursor "0" reads from the head. A timeout with no data is
	// an empty result, not an error.
	ReadSince(ctx context.Context, key, cursor string, block time.Duration, max int) ([]Entry, error)

	// Delete removes the given entry ids. Best effort: ids that are
	// already gone are not an error.
	Delete(ctx context.Context, key string, ids ...string) error
}

// PresenceStore durably mirrors which identities are online. The live truth
// is the in-process directory; this mirror exists so other processes sharing
// the store can observe presence.
type PresenceStore interface {
	SetOnline(ctx context.Context, sessionID uint64, identity, platform string) error
	ClearOnline(ctx context.Context, sessionID uint64, identity string) error
}

// StreamKey derives the log key for an identity.
func StreamKey(identity string) string {
	return "stream-messages:" + identity
}

// PlatformKey derives the platform-metadata key for an identity.
func PlatformKey(identity string) string {
	return "platforms:" + identity
}

// onlineUsersKey is the presence hash holding sessionID -> identity.
const onlineUsersKey = "online-users"
