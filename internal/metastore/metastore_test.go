package metastore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobsa/timeutil"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/akarasulu/cachefs/internal/pathkey"
)

func newTestStore(t *testing.T, clock timeutil.Clock) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	s, err := Open(dbPath, clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndLookupAttr(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Unix(0, 0))
	s := newTestStore(t, clock)
	p := pathkey.NewBackend("/a/b.txt")

	attr := backend.Attr{Size: 42, Mtime: time.Unix(100, 0)}
	require.NoError(t, s.PutAttr(p, attr, 5*time.Second))

	got, ok, err := s.LookupAttr(p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Negative)
	assert.Equal(t, int64(42), got.Attr.Size)
}

func TestPutAndLookupAttrPreservesCtime(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Unix(0, 0))
	s := newTestStore(t, clock)
	p := pathkey.NewBackend("/a/b.txt")

	attr := backend.Attr{Size: 1, Ctime: time.Unix(777, 123)}
	require.NoError(t, s.PutAttr(p, attr, 5*time.Second))

	got, ok, err := s.LookupAttr(p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Attr.Ctime.Equal(attr.Ctime), "ctime must round-trip through the cache, not be silently dropped")
}

func TestAttrExpiresAfterTTL(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Unix(0, 0))
	s := newTestStore(t, clock)
	p := pathkey.NewBackend("/a/b.txt")

	require.NoError(t, s.PutAttr(p, backend.Attr{Size: 1}, 5*time.Second))
	clock.AdvanceTime(6 * time.Second)

	_, ok, err := s.LookupAttr(p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutNegativeAndLookup(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Unix(0, 0))
	s := newTestStore(t, clock)
	p := pathkey.NewBackend("/missing")

	require.NoError(t, s.PutNegative(p, 2*time.Second))

	got, ok, err := s.LookupAttr(p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Negative)
}

func TestInvalidateAttrClearsEntry(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Unix(0, 0))
	s := newTestStore(t, clock)
	p := pathkey.NewBackend("/a/b.txt")

	require.NoError(t, s.PutAttr(p, backend.Attr{Size: 1}, 5*time.Second))
	require.NoError(t, s.InvalidateAttr(p))

	_, ok, err := s.LookupAttr(p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutAndLookupDirRoundTripsEntriesAndCapturedMtime(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Unix(0, 0))
	s := newTestStore(t, clock)
	dir := pathkey.NewBackend("/a")
	entries := []backend.DirEntry{{Name: "x.txt"}}
	mtime := time.Unix(500, 0)

	require.NoError(t, s.PutDir(dir, entries, mtime, 10*time.Second))

	got, ok, err := s.LookupDir(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entries, got.Entries)
	assert.True(t, got.CapturedMtime.Equal(mtime))
}

func TestInvalidateDirAndDescendants(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Unix(0, 0))
	s := newTestStore(t, clock)
	parent := pathkey.NewBackend("/a")
	child := pathkey.NewBackend("/a/b")

	require.NoError(t, s.PutDir(parent, nil, time.Unix(1, 0), time.Minute))
	require.NoError(t, s.PutDir(child, nil, time.Unix(1, 0), time.Minute))

	require.NoError(t, s.InvalidateDirAndDescendants(parent))

	_, ok, err := s.LookupDir(parent)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.LookupDir(child)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepDeletesOnlyExpiredRows(t *testing.T) {
	clock := timeutil.NewSimulatedClock(time.Unix(0, 0))
	s := newTestStore(t, clock)
	expired := pathkey.NewBackend("/expired")
	fresh := pathkey.NewBackend("/fresh")

	require.NoError(t, s.PutAttr(expired, backend.Attr{}, time.Second))
	clock.AdvanceTime(2 * time.Second)
	require.NoError(t, s.PutAttr(fresh, backend.Attr{}, time.Minute))

	attrsDeleted, _, err := s.Sweep(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), attrsDeleted)
}
