// Package repotest holds the behaviour every repository implementation must
// share. Each backend runs the same suite from its own tests.
package repotest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SessionRepository runs the session repository suite. newRepo must return an
// empty repository on every call.
func SessionRepository(t *testing.T, newRepo func(t *testing.T) ports.SessionRepository) {
	t.Run("records", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		now := time.Now()

		require.NoError(t, repo.Create(ctx, &domain.SessionRecord{ID: "s1", OwnerID: "host-1", CreatedAt: now}))
		require.NoError(t, repo.Create(ctx, &domain.SessionRecord{ID: "s2", OwnerID: "host-1", Live: true, CreatedAt: now.Add(time.Second)}))
		require.NoError(t, repo.Create(ctx, &domain.SessionRecord{ID: "s3", OwnerID: "host-2", Live: true, CreatedAt: now}))
		assert.Error(t, repo.Create(ctx, &domain.SessionRecord{ID: "s1"}))

		owned, err := repo.ListByOwner(ctx, "host-1")
		require.NoError(t, err)
		require.Len(t, owned, 2)
		assert.Equal(t, domain.SessionID("s1"), owned[0].ID)

		live, err := repo.ListLive(ctx)
		require.NoError(t, err)
		assert.Len(t, live, 2)

		// returned records are copies
		owned[0].Live = true
		rec, err := repo.GetByID(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, rec.Live)

		rec.Live = true
		require.NoError(t, repo.Update(ctx, rec))
		rec, err = repo.GetByID(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, rec.Live)

		live, err = repo.ListLive(ctx)
		require.NoError(t, err)
		assert.Len(t, live, 3)

		rec.Live = false
		require.NoError(t, repo.Update(ctx, rec))
		live, err = repo.ListLive(ctx)
		require.NoError(t, err)
		assert.Len(t, live, 2)

		_, err = repo.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		assert.ErrorIs(t, repo.Update(ctx, &domain.SessionRecord{ID: "missing"}), domain.ErrSessionNotFound)
	})

	t.Run("members", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		require.NoError(t, repo.Create(ctx, &domain.SessionRecord{ID: "s1", OwnerID: "host-1"}))

		joined := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, repo.AddMember(ctx, domain.Membership{SessionID: "s1", ActorID: "g1", Role: domain.RoleGuest, JoinedAt: joined}))
		require.NoError(t, repo.AddMember(ctx, domain.Membership{SessionID: "s1", ActorID: "v1", Role: domain.RoleViewer, JoinedAt: joined.Add(time.Second)}))
		// joining twice keeps the first join time
		require.NoError(t, repo.AddMember(ctx, domain.Membership{SessionID: "s1", ActorID: "g1", Role: domain.RoleGuest, JoinedAt: joined.Add(time.Minute)}))

		members, err := repo.Members(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.Equal(t, domain.ActorID("g1"), members[0].ActorID)
		assert.Equal(t, domain.RoleGuest, members[0].Role)
		assert.True(t, members[0].JoinedAt.Equal(joined))

		require.NoError(t, repo.RemoveMember(ctx, "s1", "g1"))
		require.NoError(t, repo.RemoveMember(ctx, "s1", "g1"))
		members, err = repo.Members(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, members, 1)

		assert.ErrorIs(t, repo.AddMember(ctx, domain.Membership{SessionID: "nope", ActorID: "g1"}), domain.ErrSessionNotFound)
	})
}

// MessageRepository runs the chat history suite against a repository that
// keeps five messages per session.
func MessageRepository(t *testing.T, newRepo func(t *testing.T, history int) ports.MessageRepository) {
	ctx := context.Background()
	repo := newRepo(t, 5)
	for i := 1; i <= 7; i++ {
		require.NoError(t, repo.Append(ctx, &domain.ChatMessage{
			ID:        domain.MessageID(fmt.Sprintf("m%d", i)),
			SessionID: "s1",
			SenderID:  "host-1",
			Text:      fmt.Sprintf("message %d", i),
		}))
	}

	tests := []struct {
		name  string
		after domain.MessageID
		limit int
		want  []domain.MessageID
	}{
		{"tail", "", 3, []domain.MessageID{"m5", "m6", "m7"}},
		{"after retained id", "m4", 10, []domain.MessageID{"m5", "m6", "m7"}},
		{"after with limit", "m3", 2, []domain.MessageID{"m4", "m5"}},
		{"after latest", "m7", 10, []domain.MessageID{}},
		{"evicted id returns tail", "m1", 2, []domain.MessageID{"m6", "m7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Since(ctx, "s1", tt.after, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, messageIDs(got))
		})
	}

	got, err := repo.Since(ctx, "s1", "m6", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "message 7", got[0].Text)
	assert.Equal(t, domain.ActorID("host-1"), got[0].SenderID)

	empty, err := repo.Since(ctx, "other", "", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func messageIDs(msgs []domain.ChatMessage) []domain.MessageID {
	ids := make([]domain.MessageID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
