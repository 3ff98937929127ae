package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warriorsfly/collab-studio/pkg/logstore"
)

// ErrDirectoryClosed is returned by directory operations after Run has
// exited.
var ErrDirectoryClosed = errors.New("relay: directory closed")

// Deliverable receives serialized payloads addressed to one session.
// Deliver returns an error once the receiver can no longer accept writes,
// which is what lets a worker fail fast against a dead endpoint.
type Deliverable interface {
	Deliver(payload string) error
}

// Config holds the delivery-worker tunables, owned by the directory because
// it is the only component that starts workers.
type Config struct {
	// PollInterval is how often a worker probes its identity's log.
	PollInterval time.Duration
	// BlockWait bounds a worker's blocking read against a non-empty log.
	BlockWait time.Duration
	// BatchMax bounds how many entries one poll may fetch and forward.
	BatchMax int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BlockWait <= 0 {
		c.BlockWait = time.Second
	}
	if c.BatchMax <= 0 {
		c.BatchMax = 10
	}
	return c
}

type presenceEntry struct {
	sessionID uint64
	identity  string
	platform  string
}

// Directory is the process-wide presence singleton. All state is owned by
// the goroutine running Run; every operation is a command sent on one
// channel, so no two mutations ever interleave and no locks are needed.
type Directory struct {
	store    logstore.Store
	presence logstore.PresenceStore
	cfg      Config
	metrics  *relayMetrics

	cmds   chan any
	closed chan struct{}

	// the fields below are touched only by Run
	nextID   uint64
	sessions map[uint64]Deliverable
	bound    map[uint64]presenceEntry
	workers  map[string]*Worker
	byName   map[string]uint64
}

func NewDirectory(store logstore.Store, presence logstore.PresenceStore, cfg Config) *Directory {
	return &Directory{
		store:    store,
		presence: presence,
		cfg:      cfg.withDefaults(),
		metrics:  newRelayMetrics(),
		cmds:     make(chan any),
		closed:   make(chan struct{}),
		sessions: make(map[uint64]Deliverable),
		bound:    make(map[uint64]presenceEntry),
		workers:  make(map[string]*Worker),
		byName:   make(map[string]uint64),
	}
}

type connectCmd struct {
	endpoint Deliverable
	reply    chan uint64
}

type disconnectCmd struct {
	id    uint64
	reply chan struct{}
}

type listNamesCmd struct {
	reply chan []string
}

type onlineCmd struct {
	id       uint64
	identity string
	platform string
	endpoint Deliverable
	reply    chan struct{}
}

type offlineCmd struct {
	id    uint64
	reply chan struct{}
}

type injectCmd struct {
	requester  string
	event      Event
	recipients []string
	reply      chan []string
}

// Run processes directory commands until ctx is cancelled, then stops every
// worker and rejects further operations.
func (d *Directory) Run(ctx context.Context) {
	defer close(d.closed)
	for {
		select {
		case <-ctx.Done():
			for identity, w := range d.workers {
				w.Stop()
				delete(d.workers, identity)
			}
			return
		case cmd := <-d.cmds:
			switch c := cmd.(type) {
			case connectCmd:
				c.reply <- d.handleConnect(ctx, c)
			case disconnectCmd:
				d.handleDisconnect(ctx, c.id)
				c.reply <- struct{}{}
			case listNamesCmd:
				c.reply <- d.handleListNames()
			case onlineCmd:
				d.handleOnline(ctx, c)
				c.reply <- struct{}{}
			case offlineCmd:
				d.handleOffline(ctx, c.id)
				c.reply <- struct{}{}
			case injectCmd:
				c.reply <- d.handleInject(ctx, c)
			}
		}
	}
}

// Connect registers an endpoint and returns its fresh session id.
func (d *Directory) Connect(ctx context.Context, endpoint Deliverable) (uint64, error) {
	reply := make(chan uint64, 1)
	if err := d.send(ctx, connectCmd{endpoint: endpoint, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case id := <-reply:
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Disconnect removes a session; if it had a bound identity the presence
// entry is cleared and the delivery worker stopped in the same step.
// Disconnecting an unknown id is a no-op.
func (d *Directory) Disconnect(ctx context.Context, id uint64) error {
	reply := make(chan struct{}, 1)
	if err := d.send(ctx, disconnectCmd{id: id, reply: reply}); err != nil {
		return err
	}
	return d.await(ctx, reply)
}

// ListNames snapshots the identities currently online.
func (d *Directory) ListNames(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	if err := d.send(ctx, listNamesCmd{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case names := <-reply:
		return names, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Online binds an identity to a session and starts its delivery worker. If
// the identity is already online elsewhere, the prior worker is stopped and
// its presence entry replaced before the new worker starts.
func (d *Directory) Online(ctx context.Context, id uint64, identity, platform string, endpoint Deliverable) error {
	reply := make(chan struct{}, 1)
	cmd := onlineCmd{id: id, identity: identity, platform: platform, endpoint: endpoint, reply: reply}
	if err := d.send(ctx, cmd); err != nil {
		return err
	}
	return d.await(ctx, reply)
}

// Offline unbinds a session's identity without disconnecting the session.
// Unknown ids and unbound sessions are no-ops.
func (d *Directory) Offline(ctx context.Context, id uint64) error {
	reply := make(chan struct{}, 1)
	if err := d.send(ctx, offlineCmd{id: id, reply: reply}); err != nil {
		return err
	}
	return d.await(ctx, reply)
}

// Inject appends one log entry per recipient, online or not; this is the
// store-and-forward path. It returns the store-assigned ids of the appends
// that succeeded; failed recipients are skipped, not retried.
func (d *Directory) Inject(ctx context.Context, requester string, event Event, recipients []string) ([]string, error) {
	reply := make(chan []string, 1)
	cmd := injectCmd{requester: requester, event: event, recipients: recipients, reply: reply}
	if err := d.send(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case ids := <-reply:
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Directory) send(ctx context.Context, cmd any) error {
	select {
	case d.cmds <- cmd:
		return nil
	case <-d.closed:
		return ErrDirectoryClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Directory) await(ctx context.Context, reply chan struct{}) error {
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Directory) handleConnect(ctx context.Context, c connectCmd) uint64 {
	d.nextID++
	id := d.nextID
	d.sessions[id] = c.endpoint
	d.metrics.connects.Add(ctx, 1)
	slog.Debug("session connected", "session", id)
	return id
}

func (d *Directory) handleDisconnect(ctx context.Context, id uint64) {
	if _, ok := d.sessions[id]; !ok {
		return
	}
	d.handleOffline(ctx, id)
	delete(d.sessions, id)
	d.metrics.disconnects.Add(ctx, 1)
	slog.Debug("session disconnected", "session", id)
}

func (d *Directory) handleListNames() []string {
	names := make([]string, 0, len(d.byName))
	for name := range d.byName {
		names = append(names, name)
	}
	return names
}

func (d *Directory) handleOnline(ctx context.Context, c onlineCmd) {
	if _, ok := d.sessions[c.id]; !ok {
		slog.Warn("online for unknown session", "session", c.id, "identity", c.identity)
		return
	}

	// rebinding the same session drops its previous identity first
	if prev, ok := d.bound[c.id]; ok && prev.identity != c.identity {
		d.handleOffline(ctx, c.id)
	}

	// one worker per identity: any live registration, including this
	// session re-declaring the same name, is torn down inside this same
	// command step before the new worker starts. Stop is a signal, not a
	// join; a replaced worker mid-read may overlap the new one for up to
	// one BlockWait before its loop observes the stop.
	if prevID, ok := d.byName[c.identity]; ok {
		if prevID != c.id {
			slog.Info("identity already online, replacing", "identity", c.identity, "old_session", prevID, "new_session", c.id)
		}
		d.handleOffline(ctx, prevID)
	}

	entry := presenceEntry{sessionID: c.id, identity: c.identity, platform: c.platform}
	d.bound[c.id] = entry
	d.byName[c.identity] = c.id

	if err := d.presence.SetOnline(ctx, c.id, c.identity, c.platform); err != nil {
		slog.Warn("failed to mirror presence", "identity", c.identity, "error", err)
	}

	w := newWorker(c.identity, c.endpoint, d.store, d.cfg, d.metrics)
	d.workers[c.identity] = w
	go w.run()

	d.metrics.onlines.Add(ctx, 1)
	d.metrics.onlineCount.Store(int64(len(d.byName)))
	slog.Info("identity online", "identity", c.identity, "session", c.id, "platform", c.platform)
}

func (d *Directory) handleOffline(ctx context.Context, id uint64) {
	entry, ok := d.bound[id]
	if !ok {
		return
	}
	delete(d.bound, id)
	delete(d.byName, entry.identity)

	if w, ok := d.workers[entry.identity]; ok {
		w.Stop()
		delete(d.workers, entry.identity)
	}

	if err := d.presence.ClearOnline(ctx, id, entry.identity); err != nil {
		slog.Warn("failed to clear presence mirror", "identity", entry.identity, "error", err)
	}

	d.metrics.onlineCount.Store(int64(len(d.byName)))
	slog.Info("identity offline", "identity", entry.identity, "session", id)
}

func (d *Directory) handleInject(ctx context.Context, c injectCmd) []string {
	ids := make([]string, 0, len(c.recipients))
	for _, recipient := range c.recipients {
		id, err := d.store.Append(ctx, logstore.StreamKey(recipient), c.event.Fields())
		if err != nil {
			slog.Warn("append failed, recipient skipped", "recipient", recipient, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	d.metrics.injected.Add(ctx, int64(len(ids)))
	slog.Debug("injected", "requester", c.requester, "recipients", len(c.recipients), "appended", len(ids))
	return ids
}
