package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

type RedisStoreTestSuite struct {
	suite.Suite
	mr     *miniredis.Miniredis
	client *redis.Client
	store  *RedisStore
}

func (s *RedisStoreTestSuite) SetupTest() {
	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr

	s.client = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store, err := NewRedis(&RedisConfig{
		Client:      s.client,
		IdleTimeout: time.Minute,
	})
	s.Require().NoError(err)
	s.store = store
}

func (s *RedisStoreTestSuite) TearDownTest() {
	s.client.Close()
	s.mr.Close()
}

func TestRedisStoreTestSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreTestSuite))
}

func (s *RedisStoreTestSuite) TestGetOrCreateDefaults() {
	snap, err := s.store.GetOrCreate(context.Background(), "meeting-1")
	s.Require().NoError(err)
	s.Equal("meeting-1", snap.ID)
	s.Equal(DefaultLanguage, snap.Language)
	s.Equal(uint64(0), snap.Revision)
	s.Empty(snap.Code)
}

func (s *RedisStoreTestSuite) TestApplyIncrementsRevision() {
	ctx := context.Background()
	_, err := s.store.GetOrCreate(ctx, "meeting-1")
	s.Require().NoError(err)

	rev, err := s.store.Apply(ctx, "meeting-1", SetCode("print(1)"))
	s.Require().NoError(err)
	s.Equal(uint64(1), rev)

	rev, err = s.store.Apply(ctx, "meeting-1", SetLanguage("go"))
	s.Require().NoError(err)
	s.Equal(uint64(2), rev)

	snap, err := s.store.Snapshot(ctx, "meeting-1")
	s.Require().NoError(err)
	s.Equal("print(1)", snap.Code)
	s.Equal("go", snap.Language)
	s.Equal(uint64(2), snap.Revision)
}

func (s *RedisStoreTestSuite) TestApplyUnknownSession() {
	_, err := s.store.Apply(context.Background(), "nope", SetCode("x"))
	s.Require().ErrorIs(err, ErrSessionNotFound)
}

func (s *RedisStoreTestSuite) TestParticipantLifecycle() {
	ctx := context.Background()

	s.Require().NoError(s.store.AddParticipant(ctx, "meeting-1", "alice", RoleMentor))
	s.Require().NoError(s.store.AddParticipant(ctx, "meeting-1", "bob", RoleMentee))

	snap, err := s.store.Snapshot(ctx, "meeting-1")
	s.Require().NoError(err)
	s.Len(snap.Participants, 2)

	// Re-adding the same participant updates in place instead of duplicating.
	s.Require().NoError(s.store.AddParticipant(ctx, "meeting-1", "alice", RoleMentor))
	snap, err = s.store.Snapshot(ctx, "meeting-1")
	s.Require().NoError(err)
	s.Len(snap.Participants, 2)

	s.Require().NoError(s.store.RemoveParticipant(ctx, "meeting-1", "alice"))
	snap, err = s.store.Snapshot(ctx, "meeting-1")
	s.Require().NoError(err)
	s.Len(snap.Participants, 1)
	s.Equal("bob", snap.Participants[0].ID)
}

func (s *RedisStoreTestSuite) TestEmptySessionExpires() {
	ctx := context.Background()

	s.Require().NoError(s.store.AddParticipant(ctx, "meeting-1", "alice", RoleMentor))
	s.Require().NoError(s.store.RemoveParticipant(ctx, "meeting-1", "alice"))

	// Last participant gone: the key carries the idle-timeout TTL.
	ttl := s.mr.TTL(sessionKey("meeting-1"))
	s.Equal(time.Minute, ttl)

	s.mr.FastForward(2 * time.Minute)

	_, err := s.store.Snapshot(ctx, "meeting-1")
	s.Require().ErrorIs(err, ErrSessionNotFound)
}

func (s *RedisStoreTestSuite) TestRejoinClearsExpiry() {
	ctx := context.Background()

	s.Require().NoError(s.store.AddParticipant(ctx, "meeting-1", "alice", RoleMentor))
	s.Require().NoError(s.store.RemoveParticipant(ctx, "meeting-1", "alice"))
	s.Require().NoError(s.store.AddParticipant(ctx, "meeting-1", "alice", RoleMentor))

	s.mr.FastForward(2 * time.Minute)

	snap, err := s.store.Snapshot(ctx, "meeting-1")
	s.Require().NoError(err)
	s.Len(snap.Participants, 1)
}

func (s *RedisStoreTestSuite) TestClose() {
	ctx := context.Background()
	_, err := s.store.GetOrCreate(ctx, "meeting-1")
	s.Require().NoError(err)

	s.Require().NoError(s.store.Close(ctx, "meeting-1"))
	s.Require().ErrorIs(s.store.Close(ctx, "meeting-1"), ErrSessionNotFound)

	_, err = s.store.Snapshot(ctx, "meeting-1")
	s.Require().ErrorIs(err, ErrSessionNotFound)
}

func (s *RedisStoreTestSuite) TestConcurrentApplyAcrossInstances() {
	ctx := context.Background()
	_, err := s.store.GetOrCreate(ctx, "meeting-1")
	s.Require().NoError(err)

	// A second hub instance with its own client shares the backing state;
	// optimistic transactions keep revisions unique across both writers.
	otherClient := redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	defer otherClient.Close()
	other, err := NewRedis(&RedisConfig{Client: otherClient, IdleTimeout: time.Minute})
	s.Require().NoError(err)

	const perWriter = 20
	revs := make(chan uint64, 2*perWriter)
	errs := make(chan error, 2*perWriter)
	var wg sync.WaitGroup
	for _, store := range []*RedisStore{s.store, other} {
		wg.Add(1)
		go func(st *RedisStore) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				rev, applyErr := st.Apply(ctx, "meeting-1", SetCode("x"))
				if applyErr != nil {
					errs <- applyErr
					return
				}
				revs <- rev
			}
		}(store)
	}
	wg.Wait()
	close(revs)
	close(errs)

	for err := range errs {
		s.Require().NoError(err)
	}
	seen := map[uint64]bool{}
	for rev := range revs {
		s.False(seen[rev], "revision %d minted twice", rev)
		seen[rev] = true
	}
	s.Len(seen, 2*perWriter)

	snap, err := s.store.Snapshot(ctx, "meeting-1")
	s.Require().NoError(err)
	s.Equal(uint64(2*perWriter), snap.Revision)
}

func (s *RedisStoreTestSuite) TestStateSurvivesStoreRestart() {
	ctx := context.Background()
	_, err := s.store.GetOrCreate(ctx, "meeting-1")
	s.Require().NoError(err)
	_, err = s.store.Apply(ctx, "meeting-1", SetCode("print(42)"))
	s.Require().NoError(err)

	// A second store over the same backing sees the session.
	reopened, err := NewRedis(&RedisConfig{Client: s.client})
	s.Require().NoError(err)

	snap, err := reopened.Snapshot(ctx, "meeting-1")
	s.Require().NoError(err)
	s.Equal("print(42)", snap.Code)
	s.Equal(uint64(1), snap.Revision)
}
