package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodterm/moodterm/internal/db"
	"github.com/moodterm/moodterm/internal/model"
)

func newTestRepo(t *testing.T) *SessionRepository {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewSessionRepository(conn)
}

func newRecord(id string, created time.Time) *model.Session {
	return &model.Session{
		ID:        id,
		Name:      "tab " + id,
		Shell:     "/bin/sh",
		State:     model.SessionStateIdle,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestSessionRepository_Lifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newRecord("s1", time.Now())))

	require.NoError(t, repo.MarkActive(ctx, "s1", 4242))
	got, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateActive, got.State)
	require.NotNil(t, got.PID)
	assert.Equal(t, 4242, *got.PID)

	count, err := repo.CountByState(ctx, model.SessionStateActive)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	code := 3
	require.NoError(t, repo.MarkStopped(ctx, "s1", model.EndReasonEOF, &code, ""))
	got, err = repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateStopped, got.State)
	assert.Equal(t, model.EndReasonEOF, got.EndReason)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 3, *got.ExitCode)
	assert.Empty(t, got.LastError)

	require.NoError(t, repo.SetLastError(ctx, "s1", "stop incomplete"))
	got, err = repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "stop incomplete", got.LastError)
}

func TestSessionRepository_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "missing"), model.ErrSessionNotFound)
	assert.ErrorIs(t, repo.MarkActive(ctx, "missing", 1), model.ErrSessionNotFound)
	assert.ErrorIs(t, repo.MarkStopped(ctx, "missing", model.EndReasonStopped, nil, ""), model.ErrSessionNotFound)

	exists, err := repo.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSessionRepository_ListNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, repo.Create(ctx, newRecord("old", base.Add(-time.Hour))))
	require.NoError(t, repo.Create(ctx, newRecord("new", base)))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)

	require.NoError(t, repo.Delete(ctx, "old"))
	exists, err := repo.Exists(ctx, "old")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSessionRepository_StopOrphans(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newRecord("a", time.Now())))
	require.NoError(t, repo.Create(ctx, newRecord("b", time.Now())))
	require.NoError(t, repo.MarkActive(ctx, "b", 10))
	require.NoError(t, repo.Create(ctx, newRecord("c", time.Now())))
	require.NoError(t, repo.MarkStopped(ctx, "c", model.EndReasonStopped, nil, ""))

	n, err := repo.StopOrphans(ctx, "server restarted")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	b, err := repo.GetByID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateStopped, b.State)
	assert.Equal(t, "server restarted", b.LastError)

	c, err := repo.GetByID(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, c.LastError)
}
