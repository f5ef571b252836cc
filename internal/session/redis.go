package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "codesession:sess:"

	// txMaxRetries bounds optimistic-lock retries under write contention.
	txMaxRetries = 100
)

// RedisStore backs the session registry with Redis so active sessions survive
// a hub restart and can be shared by several hub instances. Every mutation is
// a WATCH transaction: a concurrent writer on another instance invalidates the
// transaction and it retries, so revisions stay unique and monotonic across
// processes.
type RedisStore struct {
	client          *redis.Client
	defaultLanguage string
	idleTimeout     time.Duration
}

type RedisConfig struct {
	Client          *redis.Client
	DefaultLanguage string
	IdleTimeout     time.Duration
}

func NewRedis(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if err := cfg.Client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = DefaultLanguage
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &RedisStore{
		client:          cfg.Client,
		defaultLanguage: cfg.DefaultLanguage,
		idleTimeout:     cfg.IdleTimeout,
	}, nil
}

func (s *RedisStore) GetOrCreate(ctx context.Context, sessionID string) (Snapshot, error) {
	snap, err := s.load(ctx, sessionID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return Snapshot{}, err
	}
	return s.update(ctx, sessionID, true, func(*Snapshot) error { return nil })
}

func (s *RedisStore) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	return s.load(ctx, sessionID)
}

func (s *RedisStore) Apply(ctx context.Context, sessionID string, m Mutation) (uint64, error) {
	snap, err := s.update(ctx, sessionID, false, func(snap *Snapshot) error {
		switch m.kind {
		case mutationSetCode:
			snap.Code = m.code
		case mutationSetLanguage:
			snap.Language = m.language
		}
		snap.Revision++
		snap.LastActivityAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return snap.Revision, nil
}

func (s *RedisStore) AddParticipant(ctx context.Context, sessionID, participantID string, role Role) error {
	_, err := s.update(ctx, sessionID, true, func(snap *Snapshot) error {
		now := time.Now().UTC()
		replaced := false
		for i, p := range snap.Participants {
			if p.ID == participantID {
				snap.Participants[i] = Participant{ID: participantID, Role: role, LastSeenAt: now}
				replaced = true
				break
			}
		}
		if !replaced {
			snap.Participants = append(snap.Participants, Participant{ID: participantID, Role: role, LastSeenAt: now})
		}
		snap.LastActivityAt = now
		return nil
	})
	if err != nil {
		return err
	}
	// Occupied sessions never expire out from under their participants.
	return s.client.Persist(ctx, sessionKey(sessionID)).Err()
}

func (s *RedisStore) RemoveParticipant(ctx context.Context, sessionID, participantID string) error {
	snap, err := s.update(ctx, sessionID, false, func(snap *Snapshot) error {
		kept := snap.Participants[:0]
		for _, p := range snap.Participants {
			if p.ID != participantID {
				kept = append(kept, p)
			}
		}
		snap.Participants = kept
		snap.LastActivityAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}

	if len(snap.Participants) == 0 {
		// Empty sessions age out via key expiry instead of a sweeper.
		return s.client.Expire(ctx, sessionKey(sessionID), s.idleTimeout).Err()
	}
	return nil
}

func (s *RedisStore) Close(ctx context.Context, sessionID string) error {
	deleted, err := s.client.Del(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if deleted == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// update runs a load-modify-save as an optimistic transaction, retrying when
// another writer touches the key first.
func (s *RedisStore) update(ctx context.Context, sessionID string, createMissing bool, mutate func(*Snapshot) error) (Snapshot, error) {
	key := sessionKey(sessionID)
	var out Snapshot

	txf := func(tx *redis.Tx) error {
		var snap Snapshot
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if !createMissing {
				return ErrSessionNotFound
			}
			now := time.Now().UTC()
			snap = Snapshot{ID: sessionID, Language: s.defaultLanguage, CreatedAt: now, LastActivityAt: now}
		case err != nil:
			return fmt.Errorf("load session: %w", err)
		default:
			if err := json.Unmarshal(raw, &snap); err != nil {
				return fmt.Errorf("unmarshal session: %w", err)
			}
		}

		if err := mutate(&snap); err != nil {
			return err
		}

		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		}); err != nil {
			return err
		}
		out = snap
		return nil
	}

	for i := 0; i < txMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Snapshot{}, err
	}
	return Snapshot{}, fmt.Errorf("session %s: update retries exhausted", sessionID)
}

func (s *RedisStore) load(ctx context.Context, sessionID string) (Snapshot, error) {
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrSessionNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load session: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return snap, nil
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}
