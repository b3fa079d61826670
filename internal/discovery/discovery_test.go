package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticParsesCommaList(t *testing.T) {
	s := NewStatic(" http://p1:8080/, http://p2:8080 ,,")
	assert.Equal(t, []string{"http://p1:8080", "http://p2:8080"}, s.Peers())

	assert.Empty(t, NewStatic("").Peers())
}

func TestCompositeDeduplicates(t *testing.T) {
	c := NewComposite(
		NewStatic("http://p1:8080,http://p2:8080"),
		NewStatic("http://p2:8080,http://p3:8080"),
	)
	assert.Equal(t,
		[]string{"http://p1:8080", "http://p2:8080", "http://p3:8080"},
		c.Peers())
}

func TestPeersFileReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.yaml")

	p := NewPeersFile(path)
	assert.Empty(t, p.Peers(), "missing file reads as no peers")

	require.NoError(t, os.WriteFile(path,
		[]byte("peers:\n  - http://cam-garage:8080/\n  - http://cam-yard:8080\n"), 0o644))
	require.NoError(t, p.Reload())
	assert.Equal(t,
		[]string{"http://cam-garage:8080", "http://cam-yard:8080"},
		p.Peers())

	require.NoError(t, os.WriteFile(path, []byte("peers: []\n"), 0o644))
	require.NoError(t, p.Reload())
	assert.Empty(t, p.Peers())
}

func TestPeersFileBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("peers:\n  - http://ok:8080\n"), 0o644))

	p := NewPeersFile(path)
	require.Equal(t, []string{"http://ok:8080"}, p.Peers())

	// A broken edit keeps the last good list.
	require.NoError(t, os.WriteFile(path, []byte("peers: {nope"), 0o644))
	assert.Error(t, p.Reload())
	assert.Equal(t, []string{"http://ok:8080"}, p.Peers())
}

func TestAnnouncedExpiry(t *testing.T) {
	now := time.Now()
	a := &Announced{
		seen: map[string]time.Time{
			"http://fresh:8080": now.Add(-30 * time.Second),
			"http://stale:8080": now.Add(-200 * time.Second),
		},
		now: func() time.Time { return now },
	}

	assert.Equal(t, []string{"http://fresh:8080"}, a.Peers())

	// The stale entry is gone for good.
	assert.Len(t, a.seen, 1)
}
