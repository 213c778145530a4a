package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("@agentuity/mcp-gateway/eventstore")

const (
	eventKeyPrefix    = "mcp:events:"
	defaultRedisTTL   = 24 * time.Hour
	defaultStreamSize = int64(DefaultCapacity)
)

type redisEventPayload struct {
	Payload  []byte    `msgpack:"payload"`
	AppendAt time.Time `msgpack:"appendAt"`
}

// RedisStore persists per-session event logs in Redis streams so that a
// client can resume across gateway restarts (with sticky routing) or after a
// long disconnect. Sequence numbers double as stream entry ids.
type RedisStore struct {
	rdb        *redis.Client
	ttl        time.Duration
	maxEntries int64
}

type RedisStoreOption func(*RedisStore)

// WithTTL bounds how long an idle session's log is retained.
func WithTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the number of retained events per session.
func WithMaxEntries(n int64) RedisStoreOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

func NewRedisStore(rdb *redis.Client, options ...RedisStoreOption) *RedisStore {
	store := &RedisStore{
		rdb:        rdb,
		ttl:        defaultRedisTTL,
		maxEntries: defaultStreamSize,
	}
	for _, option := range options {
		option(store)
	}
	return store
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) streamKey(sessionID string) string {
	return eventKeyPrefix + sessionID
}

func (s *RedisStore) seqKey(sessionID string) string {
	return eventKeyPrefix + sessionID + ":seq"
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, payload json.RawMessage) (uint64, error) {
	spanCtx, span := tracer.Start(ctx, "EventStore.Append", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	seq, err := s.rdb.Incr(spanCtx, s.seqKey(sessionID)).Result()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, errors.Wrap(err, "incrementing event sequence")
	}

	data, err := msgpack.Marshal(redisEventPayload{
		Payload:  payload,
		AppendAt: time.Now().UTC(),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, errors.Wrap(err, "encoding event payload")
	}

	_, err = s.rdb.XAdd(spanCtx, &redis.XAddArgs{
		Stream: s.streamKey(sessionID),
		ID:     fmt.Sprintf("%d-0", seq),
		MaxLen: s.maxEntries,
		Approx: true,
		Values: map[string]interface{}{"event": data},
	}).Result()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, errors.Wrap(err, "appending event to stream")
	}

	pipe := s.rdb.Pipeline()
	pipe.Expire(spanCtx, s.streamKey(sessionID), s.ttl)
	pipe.Expire(spanCtx, s.seqKey(sessionID), s.ttl)
	if _, err := pipe.Exec(spanCtx); err != nil {
		span.RecordError(err)
	}

	span.SetStatus(codes.Ok, "event appended")
	return uint64(seq), nil
}

func (s *RedisStore) Replay(ctx context.Context, sessionID string, afterSeq uint64) ([]Event, error) {
	spanCtx, span := tracer.Start(ctx, "EventStore.Replay", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	lastSeq, err := s.rdb.Get(spanCtx, s.seqKey(sessionID)).Uint64()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, errors.Wrap(err, "reading event sequence")
	}

	oldest, err := s.rdb.XRangeN(spanCtx, s.streamKey(sessionID), "-", "+", 1).Result()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, errors.Wrap(err, "reading oldest event")
	}

	if len(oldest) == 0 {
		if afterSeq < lastSeq {
			return nil, ErrEventGap
		}
		return nil, nil
	}

	oldestSeq, err := parseStreamSeq(oldest[0].ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}
	if afterSeq+1 < oldestSeq {
		return nil, ErrEventGap
	}

	entries, err := s.rdb.XRange(spanCtx, s.streamKey(sessionID), fmt.Sprintf("%d-0", afterSeq+1), "+").Result()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, errors.Wrap(err, "replaying events")
	}

	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		seq, err := parseStreamSeq(entry.ID)
		if err != nil {
			return nil, err
		}
		raw, ok := entry.Values["event"].(string)
		if !ok {
			return nil, errors.Newf("malformed event entry %s for session %s", entry.ID, sessionID)
		}
		var payload redisEventPayload
		if err := msgpack.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, errors.Wrap(err, "decoding event payload")
		}
		events = append(events, Event{Sequence: seq, Payload: payload.Payload})
	}

	span.SetStatus(codes.Ok, "events replayed")
	return events, nil
}

func (s *RedisStore) Drop(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, s.streamKey(sessionID), s.seqKey(sessionID)).Err()
}

func (s *RedisStore) Close() error {
	return nil
}

func parseStreamSeq(id string) (uint64, error) {
	seqPart, _, found := strings.Cut(id, "-")
	if !found {
		return 0, errors.Newf("malformed stream id %q", id)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed stream id %q", id)
	}
	return seq, nil
}
