package logstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	onlineBucket   = "ONLINE_USERS"
	platformBucket = "PLATFORMS"

	// guard rails on per-identity streams; entries are pruned on delivery
	// so these only matter for identities that never come online
	streamMaxMsgs = 10000
	streamMaxAge  = 7 * 24 * time.Hour
)

// JetStream backs the log with one NATS JetStream stream per key and mirrors
// presence in two KV buckets.
type JetStream struct {
	js jetstream.JetStream

	onlineKV   jetstream.KeyValue
	platformKV jetstream.KeyValue

	mu      sync.Mutex
	streams map[string]jetstream.Stream
}

func NewJetStream(ctx context.Context, nc *nats.Conn) (*JetStream, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	onlineKV, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  onlineBucket,
		History: 1,
	})
	if err != nil {
		return nil, err
	}
	platformKV, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  platformBucket,
		History: 1,
	})
	if err != nil {
		return nil, err
	}

	return &JetStream{
		js:         js,
		onlineKV:   onlineKV,
		platformKV: platformKV,
		streams:    make(map[string]jetstream.Stream),
	}, nil
}

func (s *JetStream) Append(ctx context.Context, key string, fields map[string]string) (string, error) {
	if _, err := s.ensureStream(ctx, key); err != nil {
		return "", err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	ack, err := s.js.Publish(ctx, streamName(key), data)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

func (s *JetStream) Len(ctx context.Context, key string) (int64, error) {
	st, err := s.js.Stream(ctx, streamName(key))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	info, err := st.Info(ctx)
	if err != nil {
		return 0, err
	}
	return int64(info.State.Msgs), nil
}

func (s *JetStream) ReadSince(ctx context.Context, key, cursor string, block time.Duration, max int) ([]Entry, error) {
	st, err := s.js.Stream(ctx, streamName(key))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cfg := jetstream.ConsumerConfig{
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Minute,
	}
	if from, _ := strconv.ParseUint(cursor, 10, 64); from > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = from + 1
	}
	cons, err := st.CreateConsumer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := st.DeleteConsumer(ctx, cons.CachedInfo().Name); err != nil {
			slog.Debug("failed to delete ephemeral consumer", "key", key, "error", err)
		}
	}()

	batch, err := cons.Fetch(max, jetstream.FetchMaxWait(block))
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			continue
		}
		fields := make(map[string]string)
		if err := json.Unmarshal(msg.Data(), &fields); err != nil {
			slog.Warn("undecodable log entry", "key", key, "seq", meta.Sequence.Stream, "error", err)
		}
		entries = append(entries, Entry{
			ID:     strconv.FormatUint(meta.Sequence.Stream, 10),
			Fields: fields,
		})
	}
	if batch.Error() != nil && len(entries) == 0 {
		return nil, batch.Error()
	}
	return entries, nil
}

func (s *JetStream) Delete(ctx context.Context, key string, ids ...string) error {
	st, err := s.js.Stream(ctx, streamName(key))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range ids {
		seq, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			continue
		}
		if err := st.DeleteMsg(ctx, seq); err != nil && !errors.Is(err, jetstream.ErrMsgNotFound) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *JetStream) SetOnline(ctx context.Context, sessionID uint64, identity, platform string) error {
	sid := strconv.FormatUint(sessionID, 10)
	if _, err := s.onlineKV.Put(ctx, sid, []byte(identity)); err != nil {
		return err
	}
	_, err := s.platformKV.Put(ctx, kvSafe(identity)+"."+sid, []byte(platform))
	return err
}

func (s *JetStream) ClearOnline(ctx context.Context, sessionID uint64, identity string) error {
	sid := strconv.FormatUint(sessionID, 10)
	if err := s.onlineKV.Delete(ctx, sid); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	err := s.platformKV.Delete(ctx, kvSafe(identity)+"."+sid)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (s *JetStream) ensureStream(ctx context.Context, key string) (jetstream.Stream, error) {
	name := streamName(key)

	s.mu.Lock()
	st, ok := s.streams[name]
	s.mu.Unlock()
	if ok {
		return st, nil
	}

	st, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{name},
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:   streamMaxMsgs,
		MaxAge:    streamMaxAge,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.streams[name] = st
	s.mu.Unlock()
	return st, nil
}

// streamName maps a log key onto a valid JetStream stream name (which is
// also used as the publish subject).
func streamName(key string) string {
	return sanitize(key)
}

// sanitize hex-escapes every byte outside [A-Za-z0-9-], underscore
// included, so distinct keys never collide onto one token.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}

// kvSafe maps an identity onto a valid KV key token.
func kvSafe(s string) string {
	return sanitize(s)
}
