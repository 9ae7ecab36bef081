package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blackbox.db")
	s, err := Open(path, DefaultArgon2Params(), "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndGetContextChronology(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendTurn("alice", RoleUser, "hello", ""))
	require.NoError(t, s.AppendTurn("alice", RoleAssistant, "hi there", ""))
	require.NoError(t, s.AppendTurn("alice", RoleUser, "how are you", ""))

	turns, err := s.GetContext("alice", 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)

	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, "hi there", turns[1].Content)
	assert.Equal(t, "how are you", turns[2].Content)

	for i := 1; i < len(turns); i++ {
		assert.False(t, turns[i].Timestamp.Before(turns[i-1].Timestamp))
	}
}

func TestGetContextRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendTurn("bob", RoleUser, "msg", ""))
	}
	turns, err := s.GetContext("bob", 2)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestClearContext(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendTurn("carol", RoleUser, "hi", ""))
	require.NoError(t, s.ClearContext("carol"))

	turns, err := s.GetContext("carol", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestReminderLifecycle(t *testing.T) {
	s := newTestStore(t)
	due := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	id, err := s.CreateReminder("dave", "milk", due, "", "")
	require.NoError(t, err)

	active, err := s.ListActiveReminders("dave")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "milk", active[0].Title)
	assert.False(t, active[0].Completed)
	assert.Nil(t, active[0].CompletedAt)

	require.NoError(t, s.CompleteReminder(id))

	active, err = s.ListActiveReminders("dave")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestVaultItemRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id, err := s.StoreVaultItem("erin", "bank pin", []byte("opaque-bytes"), "credential")
	require.NoError(t, err)
	assert.Positive(t, id)

	items, err := s.ListVaultItems("erin", "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []byte("opaque-bytes"), items[0].Content)

	items, err = s.ListVaultItems("erin", "note")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPasswordRoundTrip(t *testing.T) {
	s := newTestStore(t)

	verifier, err := s.HashPassword("correct horse battery staple")
	require.NoError(t, err)

	assert.True(t, s.VerifyPassword(verifier, "correct horse battery staple"))
	assert.False(t, s.VerifyPassword(verifier, "wrong password"))
}

func TestLogMetricDoesNotError(t *testing.T) {
	s := newTestStore(t)
	err := s.LogMetric("latency_total", 1.23, map[string]any{"stage": "asr"})
	assert.NoError(t, err)
}

func TestMediaItemRoundTrip(t *testing.T) {
	s := newTestStore(t)
	duration := 245.0
	_, err := s.AddMediaItem("frank", "song", "music", "/media/song.mp3", &duration, "artist", "album")
	require.NoError(t, err)

	items, err := s.ListMediaItems("frank", "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "song", items[0].Title)
	require.NotNil(t, items[0].DurationSeconds)
	assert.InDelta(t, 245.0, *items[0].DurationSeconds, 0.001)
}

func TestPruneOldTurns(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendTurn("grace", RoleUser, "old message", ""))

	_, err := s.db.Exec(`UPDATE messages SET timestamp = ? WHERE user_id = ?`,
		time.Now().UTC().AddDate(0, 0, -30), "grace")
	require.NoError(t, err)
	require.NoError(t, s.AppendTurn("grace", RoleUser, "recent message", ""))

	removed, err := s.PruneOldTurns(7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	turns, err := s.GetContext("grace", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "recent message", turns[0].Content)
}
