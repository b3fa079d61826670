package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/technosupport/ts-dvr/internal/events"
)

func mkDay(t *testing.T, root string, parts ...string) string {
	t.Helper()
	dir := filepath.Join(append([]string{root}, parts...)...)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// fakeVFS reports a fixed used percentage.
func fakeVFS(usedPercent int) func(string, *unix.Statfs_t) error {
	return func(_ string, st *unix.Statfs_t) error {
		st.Blocks = 100
		st.Frsize = 1 << 20
		st.Bsize = 1 << 20
		st.Bavail = uint64(100 - usedPercent)
		return nil
	}
}

func TestUsedPercentUsesDistinctUnits(t *testing.T) {
	st := unix.Statfs_t{
		Blocks: 1000,
		Frsize: 4096, // fragment size scales the total
		Bavail: 500,
		Bsize:  2048, // block size scales the free space
	}
	// total = 1000*4096 = 4096000, free = 500*2048 = 1024000
	assert.Equal(t, 75, volumeUsed(&st))
}

func TestCleanupDeletesOldestFirst(t *testing.T) {
	root := t.TempDir()
	evlog := events.NewLog()

	oldDay := mkDay(t, root, "2023", "12", "31")
	writeFile(t, oldDay, "10-00-00-a.mkv", "old video")
	d1 := mkDay(t, root, "2024", "01", "01")
	writeFile(t, d1, "11-00-00-a.mkv", "video")
	mkDay(t, root, "2024", "01", "02")

	m := New(root, 50, evlog)
	m.statvfs = fakeVFS(80) // permanently over budget
	m.lastDay = time.Now().Day()

	m.Tick(time.Now())

	// Everything is chewed through in oldest-first order within one
	// tick (10 cycles is enough for three days plus empty parents).
	_, err := os.Stat(filepath.Join(root, "2023"))
	assert.True(t, os.IsNotExist(err), "2023 tree should be gone")
	_, err = os.Stat(filepath.Join(root, "2024"))
	assert.True(t, os.IsNotExist(err), "2024 tree should be gone")

	var deleted []string
	for _, evt := range evlog.Recent() {
		if evt.Category == "DIRECTORY" && evt.Action == "DELETED" {
			deleted = append(deleted, evt.Object)
		}
	}
	require.GreaterOrEqual(t, len(deleted), 4)
	assert.Equal(t, "2023/12/31", deleted[0])
	assert.Contains(t, deleted[1], "2023/12") // now-empty month
	assert.Contains(t, deleted[2], "2023")    // now-empty year
	assert.Equal(t, "2024/01/01", deleted[3])
}

func TestCleanupStopsUnderBudget(t *testing.T) {
	root := t.TempDir()
	m := New(root, 50, events.NewLog())
	m.statvfs = fakeVFS(40)
	m.lastDay = time.Now().Day()

	day := mkDay(t, root, "2024", "05", "01")
	writeFile(t, day, "14-00-00-a.mkv", "keep me")

	m.Tick(time.Now())

	_, err := os.Stat(filepath.Join(day, "14-00-00-a.mkv"))
	assert.NoError(t, err, "under budget, nothing is deleted")
}

func TestCleanupDisabledByDefault(t *testing.T) {
	root := t.TempDir()
	m := New(root, 0, events.NewLog())
	m.statvfs = fakeVFS(99)
	m.lastDay = time.Now().Day()

	mkDay(t, root, "2020", "01", "01")
	m.Tick(time.Now())

	_, err := os.Stat(filepath.Join(root, "2020", "01", "01"))
	assert.NoError(t, err)
}

func TestCleanupBoundedWhenBudgetUnreachable(t *testing.T) {
	root := t.TempDir()
	m := New(root, 50, events.NewLog())
	m.statvfs = fakeVFS(90)
	m.lastDay = time.Now().Day()

	// Only today exists; once it is gone the loop finds no year
	// directory and must terminate without crashing.
	mkDay(t, root, "2024", "06", "15")

	done := make(chan struct{})
	go func() {
		m.Tick(time.Now())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup did not terminate")
	}
}

func TestTickThrottledToOnceAMinute(t *testing.T) {
	root := t.TempDir()
	m := New(root, 50, events.NewLog())
	calls := 0
	m.statvfs = func(_ string, st *unix.Statfs_t) error {
		calls++
		st.Blocks = 100
		st.Frsize = 1
		st.Bsize = 1
		st.Bavail = 60
		return nil
	}
	m.lastDay = time.Now().Day()

	now := time.Now()
	m.Tick(now)
	first := calls
	m.Tick(now.Add(time.Second))
	assert.Equal(t, first, calls, "second tick within a minute is a no-op")

	m.Tick(now.Add(61 * time.Second))
	assert.Greater(t, calls, first)
}

func TestDailyLinks(t *testing.T) {
	root := t.TempDir()
	m := New(root, 0, events.NewLog())
	m.statvfs = fakeVFS(10)

	now := time.Now()
	m.Tick(now)

	today, err := os.Readlink(filepath.Join(root, "Today"))
	require.NoError(t, err)
	assert.Equal(t, m.dayPath(now.Year(), int(now.Month()), now.Day()), today)

	y := now.Add(-24 * time.Hour)
	yesterday, err := os.Readlink(filepath.Join(root, "Yesterday"))
	require.NoError(t, err)
	assert.Equal(t, m.dayPath(y.Year(), int(y.Month()), y.Day()), yesterday)

	// Same day again: links are not churned (no event recorded).
	evCount := len(m.evlog.Recent())
	m.Tick(now.Add(2 * time.Minute))
	assert.Equal(t, evCount, len(m.evlog.Recent()))
}

func TestSplitRecordingName(t *testing.T) {
	cases := []struct {
		name             string
		timePart, src    string
		seq, ext         string
		ok               bool
	}{
		{"14-00-00-a.mkv", "14-00-00", "a", "", "mkv", true},
		{"14-00-00-gate:2.mp4", "14-00-00", "gate", "2", "mp4", true},
		{"09-15-30-yard:12.avi", "09-15-30", "yard", "12", "avi", true},
		{"14-00-00-a.jpg", "14-00-00", "a", "", "jpg", true},
		{"noext", "", "", "", "", false},
		{"14-00-a.mkv", "", "", "", "", false},
		{"14-00-00-.mkv", "", "", "", "", false},
	}
	for _, c := range cases {
		timePart, src, seq, ext, ok := splitRecordingName(c.name)
		assert.Equal(t, c.ok, ok, c.name)
		if c.ok {
			assert.Equal(t, c.timePart, timePart, c.name)
			assert.Equal(t, c.src, src, c.name)
			assert.Equal(t, c.seq, seq, c.name)
			assert.Equal(t, c.ext, ext, c.name)
		}
	}
}
