package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"boardroom-orchestrator/internal/domain"
)

const (
	DefaultKeyPrefix = "boardroom:session:"
	DefaultTTL       = 24 * time.Hour
)

// RedisStore keeps session states as JSON strings with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Save writes state when the stored version still equals expectedVersion. The check and the
// write run under WATCH, so a concurrent writer aborts the transaction.
func (s *RedisStore) Save(ctx context.Context, state State, expectedVersion int64) error {
	const op = "save session"
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	key := s.key(state.SessionID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expectedVersion != 0 {
				return domain.Conflict(op, "session %s no longer stored", state.SessionID)
			}
		case err != nil:
			return fmt.Errorf("read session: %w", err)
		default:
			var stored struct {
				Version int64 `json:"version"`
			}
			if err := json.Unmarshal(raw, &stored); err != nil {
				return fmt.Errorf("unmarshal session: %w", err)
			}
			if expectedVersion == 0 || stored.Version != expectedVersion {
				return domain.Conflict(op, "session %s is at version %d, expected %d", state.SessionID, stored.Version, expectedVersion)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.Conflict(op, "session %s changed during save", state.SessionID)
	}
	return err
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (State, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return State{}, domain.NotFound("load session", "session", sessionID)
	}
	if err != nil {
		return State{}, fmt.Errorf("load session: %w", err)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return st, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
