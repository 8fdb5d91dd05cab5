package spool

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWrite_NamingAndContents(t *testing.T) {
	sp, err := New(t.TempDir())
	require.NoError(t, err)

	payload := []byte(`{"pattoo_agent_timestamp": 1700000000000}`)
	name, err := sp.Write("S", 1700000000000, payload)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^1700000000000_S_\d{6}\.json$`), name)

	got, err := sp.Read(name)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// No temp files may survive a successful write.
	entries, err := os.ReadDir(sp.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWrite_ConcurrentSameBatchKey(t *testing.T) {
	sp, err := New(t.TempDir())
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		name, err := sp.Write("S", 1700000000000, []byte("{}"))
		require.NoError(t, err)
		require.False(t, seen[name], "duplicate spool file name %s", name)
		seen[name] = true
	}
}

func TestList_AgeThresholdAndOrder(t *testing.T) {
	sp, err := New(t.TempDir())
	require.NoError(t, err)

	old1, err := sp.Write("a", 1700000000000, []byte("{}"))
	require.NoError(t, err)
	old2, err := sp.Write("a", 1700000001000, []byte("{}"))
	require.NoError(t, err)
	fresh, err := sp.Write("a", 1700000002000, []byte("{}"))
	require.NoError(t, err)

	// Age the first two past the threshold; the third stays fresh.
	aged := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(sp.Dir(), old1), aged, aged))
	require.NoError(t, os.Chtimes(filepath.Join(sp.Dir(), old2), aged, aged))

	names, err := sp.List(10*time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, []string{old1, old2}, names)
	require.NotContains(t, names, fresh)

	count, err := sp.Count(10 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	limited, err := sp.List(10*time.Second, 1)
	require.NoError(t, err)
	require.Equal(t, []string{old1}, limited)
}

func TestList_IgnoresForeignFiles(t *testing.T) {
	sp, err := New(t.TempDir())
	require.NoError(t, err)

	aged := time.Now().Add(-time.Minute)
	for _, name := range []string{"notes.txt", ".123_a_000001.json.tmp"} {
		path := filepath.Join(sp.Dir(), name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(path, aged, aged))
	}

	names, err := sp.List(0, 0)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestRemove(t *testing.T) {
	sp, err := New(t.TempDir())
	require.NoError(t, err)

	name, err := sp.Write("S", 1700000000000, []byte("{}"))
	require.NoError(t, err)
	require.NoError(t, sp.Remove(name))

	_, err = sp.Read(name)
	require.Error(t, err)
}
