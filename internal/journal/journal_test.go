package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/civicpulse/realtime/internal/realtime"
)

func openTest(t *testing.T) (*Journal, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	j, err := Open(Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "journal.db"),
		Logger: zap.NewNop(),
		Clock:  clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, clock
}

func message(typ realtime.EventType, data string) realtime.Message {
	return realtime.Message{
		Type:      typ,
		Data:      json.RawMessage(data),
		Timestamp: "2025-03-01T12:00:00.000Z",
		UserID:    "u-2",
	}
}

func TestOpen_RequiresLogger(t *testing.T) {
	_, err := Open(Config{DSN: filepath.Join(t.TempDir(), "j.db")})
	assert.Error(t, err)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mysql", Logger: zap.NewNop()})
	assert.ErrorContains(t, err, "unsupported driver")
}

func TestOpen_Reopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(Config{DSN: dsn, Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), message(realtime.EventOpinionLiked, `{"opinionId":"op-1"}`)))
	require.NoError(t, j.Close())

	// Migrations are already applied; the data survives.
	j, err = Open(Config{DSN: dsn, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordAndRecent(t *testing.T) {
	j, clock := openTest(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, message(realtime.EventOpinionLiked, `{"opinionId":"op-1","likesCount":3}`)))
	clock.Advance(time.Second)
	require.NoError(t, j.Record(ctx, message(realtime.EventCommentAdded, `{"comment":{"id":"c-1"}}`)))
	clock.Advance(time.Second)
	require.NoError(t, j.Record(ctx, realtime.Message{Type: realtime.EventConnected}))

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "connected", entries[0].Type)
	assert.Equal(t, "{}", entries[0].Payload)
	assert.Equal(t, "comment_added", entries[1].Type)
	assert.Equal(t, "opinion_liked", entries[2].Type)
	assert.JSONEq(t, `{"opinionId":"op-1","likesCount":3}`, entries[2].Payload)
	assert.Equal(t, "u-2", entries[2].SenderID)
	assert.NotEqual(t, entries[1].ID, entries[2].ID)

	liked, err := j.Recent(ctx, 10, "opinion_liked")
	require.NoError(t, err)
	require.Len(t, liked, 1)

	limited, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCountByType(t *testing.T) {
	j, _ := openTest(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, j.Record(ctx, message(realtime.EventOpinionLiked, `{}`)))
	}
	require.NoError(t, j.Record(ctx, message(realtime.EventMessageReceived, `{}`)))

	counts, err := j.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, []TypeCount{
		{Type: "message_received", Count: 1},
		{Type: "opinion_liked", Count: 3},
	}, counts)
}

func TestPrune(t *testing.T) {
	j, clock := openTest(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, message(realtime.EventOpinionLiked, `{}`)))
	clock.Advance(48 * time.Hour)
	require.NoError(t, j.Record(ctx, message(realtime.EventOpinionLiked, `{}`)))

	removed, err := j.Prune(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHandlerAndClose(t *testing.T) {
	j, _ := openTest(t)
	ctx := context.Background()

	h := j.Handler()
	h(message(realtime.EventNotificationReceived, `{"notification":{"id":"n-1"}}`))

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, j.Ping(ctx))

	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Record(ctx, message(realtime.EventOpinionLiked, `{}`)), ErrClosed)
	_, err = j.Recent(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, j.Ping(ctx), ErrClosed)
	assert.NotPanics(t, func() { h(message(realtime.EventOpinionLiked, `{}`)) })
}

func TestSchedulePrune(t *testing.T) {
	j, clock := openTest(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, message(realtime.EventOpinionLiked, `{}`)))
	clock.Advance(48 * time.Hour)
	require.NoError(t, j.Record(ctx, message(realtime.EventCommentAdded, `{}`)))

	_, err := j.SchedulePrune(0, time.Hour)
	assert.Error(t, err)

	s, err := j.SchedulePrune(24*time.Hour, time.Hour)
	require.NoError(t, err)
	defer s.Shutdown()

	require.Eventually(t, func() bool {
		entries, err := j.Recent(ctx, 10)
		return err == nil && len(entries) == 1 && entries[0].Type == "comment_added"
	}, 2*time.Second, 10*time.Millisecond)
}
