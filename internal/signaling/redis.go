package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mossy-p/meshcall/internal/models"
)

const (
	sessionTTL      = 24 * time.Hour
	maxTxRetries    = 20
	redisKeyPrefix  = "call:"
	inboxChanPrefix = ":inbox:"
)

// RedisTransport stores session records as JSON strings and envelopes in a
// per-session hash. Watches ride on pub/sub channels.
type RedisTransport struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisTransport(client *redis.Client, logger *zap.Logger) *RedisTransport {
	return &RedisTransport{client: client, logger: logger.Named("redis-signaling")}
}

func sessionKey(id string) string { return redisKeyPrefix + id }

func envelopesKey(id string) string { return redisKeyPrefix + id + ":envelopes" }

func sessionChannel(id string) string { return redisKeyPrefix + id + ":session" }

func inboxChannel(id, to string) string { return redisKeyPrefix + id + inboxChanPrefix + to }

func (t *RedisTransport) CreateSession(ctx context.Context, s models.CallSession) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal call session: %w", err)
	}

	ok, err := t.client.SetNX(ctx, sessionKey(s.ID), data, sessionTTL).Result()
	if err != nil {
		return "", fmt.Errorf("failed to store call session: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("call session %s already exists", s.ID)
	}
	return s.ID, nil
}

func (t *RedisTransport) GetSession(ctx context.Context, id string) (models.CallSession, error) {
	data, err := t.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.CallSession{}, ErrSessionNotFound
	}
	if err != nil {
		return models.CallSession{}, fmt.Errorf("failed to get call session: %w", err)
	}
	return decodeSession(id, data)
}

func decodeSession(id string, data []byte) (models.CallSession, error) {
	var s models.CallSession
	if err := json.Unmarshal(data, &s); err != nil {
		return models.CallSession{}, fmt.Errorf("failed to parse call session: %w", err)
	}
	s.ID = id
	return s, nil
}

// UpdateSession runs the patch inside WATCH/MULTI so concurrent attendees
// never overwrite each other's changes.
func (t *RedisTransport) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (models.CallSession, error) {
	key := sessionKey(id)
	var result models.CallSession

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		s, err := decodeSession(id, data)
		if err != nil {
			return err
		}
		if !s.Apply(patch) {
			result = s
			return nil
		}
		updated, err := json.Marshal(s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, sessionTTL)
			pipe.Publish(ctx, sessionChannel(id), updated)
			return nil
		})
		if err == nil {
			result = s
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := t.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrSessionNotFound) {
			return models.CallSession{}, err
		}
		return models.CallSession{}, fmt.Errorf("failed to update call session: %w", err)
	}
	return models.CallSession{}, fmt.Errorf("failed to update call session %s: too much contention", id)
}

func (t *RedisTransport) WatchSession(ctx context.Context, id string, fn func(models.CallSession)) (Unsubscribe, error) {
	sub := t.client.Subscribe(ctx, sessionChannel(id))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to call session: %w", err)
	}

	current, err := t.GetSession(ctx, id)
	if err != nil {
		sub.Close()
		return nil, err
	}

	var last time.Time
	w := newWatcher(func(s models.CallSession) {
		// A publish racing the initial read may carry an older value
		if s.UpdatedAt.Before(last) {
			return
		}
		last = s.UpdatedAt
		fn(s)
	})
	w.deliver(current)

	go func() {
		for msg := range sub.Channel() {
			s, err := decodeSession(id, []byte(msg.Payload))
			if err != nil {
				t.logger.Warn("Dropping malformed session update", zap.String("session_id", id), zap.Error(err))
				continue
			}
			w.deliver(s)
		}
	}()

	return closeOnce(sub, w.stop), nil
}

func (t *RedisTransport) SendEnvelope(ctx context.Context, env models.SignalingEnvelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	exists, err := t.client.Exists(ctx, sessionKey(env.SessionID)).Result()
	if err != nil {
		return "", fmt.Errorf("failed to check call session: %w", err)
	}
	if exists == 0 {
		return "", ErrSessionNotFound
	}

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, envelopesKey(env.SessionID), env.ID, data)
		pipe.Expire(ctx, envelopesKey(env.SessionID), sessionTTL)
		pipe.Publish(ctx, inboxChannel(env.SessionID, env.To), data)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to send envelope: %w", err)
	}
	return env.ID, nil
}

func (t *RedisTransport) WatchEnvelopes(ctx context.Context, sessionID string, filter Filter, fn func(models.SignalingEnvelope)) (Unsubscribe, error) {
	var sub *redis.PubSub
	if filter.To != "" {
		sub = t.client.Subscribe(ctx, inboxChannel(sessionID, filter.To))
	} else {
		sub = t.client.PSubscribe(ctx, inboxChannel(sessionID, "*"))
	}
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to envelopes: %w", err)
	}

	pending, err := t.client.HGetAll(ctx, envelopesKey(sessionID)).Result()
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	backlog := make([]models.SignalingEnvelope, 0, len(pending))
	for _, raw := range pending {
		var env models.SignalingEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		if filter.Match(env) {
			backlog = append(backlog, env)
		}
	}
	sort.SliceStable(backlog, func(i, j int) bool {
		return backlog[i].CreatedAt.Before(backlog[j].CreatedAt)
	})

	w := newWatcher(fn)
	caughtUp := make(map[string]struct{}, len(backlog))
	for _, env := range backlog {
		caughtUp[env.ID] = struct{}{}
		w.deliver(env)
	}

	go func() {
		for msg := range sub.Channel() {
			var env models.SignalingEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				t.logger.Warn("Dropping malformed envelope", zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			if !filter.Match(env) {
				continue
			}
			if _, seen := caughtUp[env.ID]; seen {
				continue
			}
			w.deliver(env)
		}
	}()

	return closeOnce(sub, w.stop), nil
}

func (t *RedisTransport) DeleteEnvelope(ctx context.Context, sessionID, envelopeID string) error {
	if err := t.client.HDel(ctx, envelopesKey(sessionID), envelopeID).Err(); err != nil {
		return fmt.Errorf("failed to delete envelope: %w", err)
	}
	return nil
}

func (t *RedisTransport) PurgeEnvelopes(ctx context.Context, sessionID string, filter Filter) error {
	pending, err := t.client.HGetAll(ctx, envelopesKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list envelopes: %w", err)
	}
	var ids []string
	for id, raw := range pending {
		var env models.SignalingEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		if filter.Match(env) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := t.client.HDel(ctx, envelopesKey(sessionID), ids...).Err(); err != nil {
		return fmt.Errorf("failed to purge envelopes: %w", err)
	}
	return nil
}

func closeOnce(sub *redis.PubSub, stop func()) Unsubscribe {
	return once(func() {
		stop()
		sub.Close()
	})
}
