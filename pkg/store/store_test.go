package store_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/genomewiz/pkg/config"
	"github.com/ethpandaops/genomewiz/pkg/role"
	"github.com/ethpandaops/genomewiz/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func createUser(t *testing.T, s store.Store, id, email string) *store.User {
	t.Helper()

	u := &store.User{ID: id, Name: store.EmailLocalPart(email), Email: email}
	require.NoError(t, s.CreateUser(context.Background(), u))

	return u
}

func TestStore_GrantRoleIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := createUser(t, s, "g-1", "carol@example.org")

	granted, err := s.GrantRole(ctx, u.ID, role.Curator)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = s.GrantRole(ctx, u.ID, role.Curator)
	require.NoError(t, err)
	assert.False(t, granted)

	roles, err := s.RolesOf(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"curator"}, roles.Strings())

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Len(t, users[0].Roles, 1)
}

func TestStore_GrantUnknownRole(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := createUser(t, s, "g-2", "dave@example.org")

	granted, err := s.GrantRole(ctx, u.ID, role.Role("superuser"))
	require.Error(t, err)
	assert.ErrorIs(t, err, role.ErrUnknownRole)
	assert.False(t, granted)

	roles, err := s.RolesOf(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestStore_RolesOfMultiple(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	u := createUser(t, s, "g-3", "erin@example.org")

	for _, r := range []role.Role{role.Viewer, role.Admin} {
		_, err := s.GrantRole(ctx, u.ID, r)
		require.NoError(t, err)
	}

	roles, err := s.RolesOf(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "viewer"}, roles.Strings())

	other, err := s.RolesOf(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStore_CreateUserDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "g-4", "frank@example.org")

	err := s.CreateUser(ctx, &store.User{ID: "g-5", Name: "frank", Email: "frank@example.org"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_DuplicateInsideTransactionKeepsTxUsable(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "g-6", "gina@example.org")

	err := s.Transaction(ctx, func(tx store.Store) error {
		dupErr := tx.CreateUser(ctx, &store.User{ID: "g-7", Name: "gina", Email: "gina@example.org"})
		if !errors.Is(dupErr, store.ErrDuplicate) {
			return dupErr
		}

		return tx.CreateUser(ctx, &store.User{ID: "g-8", Name: "hal", Email: "hal@example.org"})
	})
	require.NoError(t, err)

	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_TransactionRollback(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")

	err := s.Transaction(ctx, func(tx store.Store) error {
		u := &store.User{ID: "g-9", Name: "ivy", Email: "ivy@example.org"}
		if err := tx.CreateUser(ctx, u); err != nil {
			return err
		}

		if _, err := tx.GrantRole(ctx, u.ID, role.Admin); err != nil {
			return err
		}

		return boom
	}, store.Serializable())
	require.ErrorIs(t, err, boom)

	_, err = s.GetUserByID(ctx, "g-9")
	assert.ErrorIs(t, err, store.ErrNotFound)

	roles, err := s.RolesOf(ctx, "g-9")
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestStore_FindOrCreateUser(t *testing.T) {
	t.Run("creates local user from email", func(t *testing.T) {
		s := setupTestStore(t)

		u, created, err := s.FindOrCreateUser(context.Background(), store.UserSelector{
			Email: "jo@example.org",
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, strings.HasPrefix(u.ID, "local:"))
		assert.Len(t, strings.TrimPrefix(u.ID, "local:"), 12)
		assert.Equal(t, "jo", u.Name)
		assert.Nil(t, u.ProviderSubject)
	})

	t.Run("finds user whose id is the subject", func(t *testing.T) {
		s := setupTestStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateUser(ctx, &store.User{
			ID: "g-5", Name: "x", Email: "x@example.org",
		}))

		u, created, err := s.FindOrCreateUser(ctx, store.UserSelector{
			ProviderSubject: "g-5",
			Email:           "y@example.org",
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "g-5", u.ID)
		require.NotNil(t, u.ProviderSubject)
		assert.Equal(t, "g-5", *u.ProviderSubject)

		n, err := s.CountUsers(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("creates provider user with subject as id", func(t *testing.T) {
		s := setupTestStore(t)

		u, created, err := s.FindOrCreateUser(context.Background(), store.UserSelector{
			Email:           "kim@example.org",
			ProviderSubject: "g-123",
			Name:            "Kim",
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "g-123", u.ID)
		require.NotNil(t, u.ProviderSubject)
		assert.Equal(t, "g-123", *u.ProviderSubject)
		assert.Equal(t, "Kim", u.Name)
	})

	t.Run("finds by subject before email", func(t *testing.T) {
		s := setupTestStore(t)
		ctx := context.Background()

		first, _, err := s.FindOrCreateUser(ctx, store.UserSelector{
			Email:           "lee@example.org",
			ProviderSubject: "g-200",
		})
		require.NoError(t, err)

		again, created, err := s.FindOrCreateUser(ctx, store.UserSelector{
			Email:           "lee.renamed@example.org",
			ProviderSubject: "g-200",
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, again.ID)
	})

	t.Run("finds by email and links subject", func(t *testing.T) {
		s := setupTestStore(t)
		ctx := context.Background()

		local, _, err := s.FindOrCreateUser(ctx, store.UserSelector{Email: "max@example.org"})
		require.NoError(t, err)

		linked, created, err := s.FindOrCreateUser(ctx, store.UserSelector{
			Email:           "max@example.org",
			ProviderSubject: "g-300",
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, local.ID, linked.ID)
		require.NotNil(t, linked.ProviderSubject)

		bySub, err := s.GetUserByProviderSubject(ctx, "g-300")
		require.NoError(t, err)
		assert.Equal(t, local.ID, bySub.ID)
	})

	t.Run("requires email to create", func(t *testing.T) {
		s := setupTestStore(t)

		_, _, err := s.FindOrCreateUser(context.Background(), store.UserSelector{
			ProviderSubject: "g-400",
		})
		require.Error(t, err)

		n, err := s.CountUsers(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStore_Sessions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	live := &store.Session{
		TokenHash: "live-hash",
		UserID:    "g-1",
		Email:     "a@example.org",
		Roles:     "curator",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	expired := &store.Session{
		TokenHash: "old-hash",
		UserID:    "g-1",
		Email:     "a@example.org",
		Roles:     "curator",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}

	require.NoError(t, s.CreateSession(ctx, live))
	require.NoError(t, s.CreateSession(ctx, expired))

	got, err := s.GetSessionByTokenHash(ctx, "live-hash")
	require.NoError(t, err)
	assert.Equal(t, "g-1", got.UserID)
	assert.Nil(t, got.LastActiveAt)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateSessionLastActive(ctx, got.ID, now))

	got, err = s.GetSessionByTokenHash(ctx, "live-hash")
	require.NoError(t, err)
	require.NotNil(t, got.LastActiveAt)

	require.NoError(t, s.DeleteExpiredSessions(ctx))

	_, err = s.GetSessionByTokenHash(ctx, "old-hash")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.DeleteSessionByTokenHash(ctx, "live-hash"))

	_, err = s.GetSessionByTokenHash(ctx, "live-hash")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_Curation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	pos2 := int64(2500)
	svs := []*store.SVCandidate{
		{ID: "sv-1", SampleID: "S1", Chrom: "chr1", Pos1: 1000, Pos2: &pos2, SVType: "DEL"},
		{ID: "sv-2", SampleID: "S1", Chrom: "chr2", Pos1: 500, SVType: "INS"},
		{ID: "sv-3", SampleID: "S2", Chrom: "chr3", Pos1: 42, SVType: "DEL"},
	}

	for _, sv := range svs {
		require.NoError(t, s.CreateSV(ctx, sv))
	}

	err := s.CreateSV(ctx, &store.SVCandidate{ID: "sv-1", SampleID: "S9", Chrom: "chr9", SVType: "DUP"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	got, err := s.GetSV(ctx, "sv-1")
	require.NoError(t, err)
	require.NotNil(t, got.Pos2)
	assert.Equal(t, int64(2500), *got.Pos2)

	_, err = s.GetSV(ctx, "sv-404")
	assert.ErrorIs(t, err, store.ErrNotFound)

	bySample, err := s.ListSVs(ctx, store.SVFilter{SampleID: "S1"})
	require.NoError(t, err)
	assert.Len(t, bySample, 2)

	dels, err := s.ListSVs(ctx, store.SVFilter{SVType: "DEL"})
	require.NoError(t, err)
	require.Len(t, dels, 2)
	assert.Equal(t, "sv-1", dels[0].ID)
	assert.Equal(t, "sv-3", dels[1].ID)

	limited, err := s.ListSVs(ctx, store.SVFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateLabel(ctx, &store.Label{
		ID: "lab_b", SVID: "sv-1", CuratorID: "u2", Outcome: "Artifact",
		Confidence: 2, CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, s.CreateLabel(ctx, &store.Label{
		ID: "lab_a", SVID: "sv-1", CuratorID: "u1", Outcome: "True",
		Confidence: 5, EvidenceFlags: []string{"split_reads"}, CreatedAt: base,
	}))

	labels, err := s.ListLabels(ctx, "sv-1")
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, "lab_a", labels[0].ID)
	assert.Equal(t, []string{"split_reads"}, labels[0].EvidenceFlags)

	_, err = s.GetConsensus(ctx, "sv-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.UpsertConsensus(ctx, &store.Consensus{
		SVID: "sv-1", Label: "True", Prob: 0.5, NCurators: 2, Method: "majority",
	}))
	require.NoError(t, s.UpsertConsensus(ctx, &store.Consensus{
		SVID: "sv-1", Label: "Artifact", Prob: 1, NCurators: 2, Method: "majority",
	}))

	c, err := s.GetConsensus(ctx, "sv-1")
	require.NoError(t, err)
	assert.Equal(t, "Artifact", c.Label)
	assert.InDelta(t, 1.0, c.Prob, 1e-9)
	assert.Equal(t, 2, c.NCurators)
}
