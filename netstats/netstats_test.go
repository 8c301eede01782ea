package netstats

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "net.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSettings(t *testing.T) {
	db := openTestDB(t)
	assert.Equal(t, "", db.Setting("jwt_secret"))

	require.NoError(t, db.SetSetting("jwt_secret", "abc"))
	assert.Equal(t, "abc", db.Setting("jwt_secret"))

	require.NoError(t, db.SetSetting("jwt_secret", "def"))
	assert.Equal(t, "def", db.Setting("jwt_secret"))
}

func TestSettingsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.db")
	db, err := OpenDB(path)
	require.NoError(t, err)
	require.NoError(t, db.SetSetting("k", "v"))
	require.NoError(t, db.Close())

	db, err = OpenDB(path)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, "v", db.Setting("k"))
}

func TestRecorderFlushesOnClose(t *testing.T) {
	db := openTestDB(t)
	r := NewRecorder(db)
	r.Track(EvtConnected, 1, 0, 10, "")
	r.Track(EvtSpawn, 1, 5, 11, "ship")
	r.Track(EvtRollback, 1, 5, 40, "depth=3")
	r.Track(EvtDisconnected, 1, 0, 90, "")
	r.Close()
	r.Close() // idempotent

	counts, err := db.Counts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		EvtConnected:    1,
		EvtSpawn:        1,
		EvtRollback:     1,
		EvtDisconnected: 1,
	}, counts)

	events, err := db.PeerEvents(1, 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, EvtSpawn, events[1].Type)
	assert.Equal(t, uint64(5), events[1].Entity)
	assert.Equal(t, uint32(11), events[1].Tick)
	assert.Equal(t, "ship", events[1].Detail)
}

func TestRecorderFlushesFullBatch(t *testing.T) {
	db := openTestDB(t)
	r := NewRecorder(db)
	defer r.Close()
	for i := 0; i < flushBatch; i++ {
		r.Track(EvtSpawn, 2, uint64(i+1), uint32(i), "")
	}
	require.Eventually(t, func() bool {
		counts, err := db.Counts()
		return err == nil && counts[EvtSpawn] == flushBatch
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRecorderWithoutDB(t *testing.T) {
	r := NewRecorder(nil)
	r.Track(EvtKill, 1, 2, 3, "")
	r.Close()
	assert.Equal(t, 0, r.Dropped())
}
