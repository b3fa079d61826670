// Package store manages the date-partitioned recording archive: the
// browse endpoints the UI digs through, the disk-space budget, and
// the Today/Yesterday convenience links.
package store

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/technosupport/ts-dvr/internal/events"
	"github.com/technosupport/ts-dvr/internal/metrics"
)

const (
	// VideosURI is where the archive root is mirrored for raw access.
	VideosURI = "/dvr/storage/videos"

	checkPeriod = 60 * time.Second

	// Cleanup cycles are bounded so a filesystem that refuses to
	// shrink cannot wedge the tick loop.
	maxCleanupCycles = 10
)

// Volume is the status entry for the archive filesystem.
type Volume struct {
	Path string `json:"path"`
	Used int    `json:"used"`
	Size int64  `json:"size"`
	Free int64  `json:"free"`
}

// Manager owns the archive tree rooted at a single directory.
type Manager struct {
	root       string
	maxPercent int
	evlog      *events.Log

	// Injected for tests.
	statvfs func(path string, st *unix.Statfs_t) error

	mu        sync.Mutex
	lastCheck time.Time
	lastDay   int
}

// New creates a Manager. maxPercent 0 disables automatic cleanup.
func New(root string, maxPercent int, evlog *events.Log) *Manager {
	return &Manager{
		root:       root,
		maxPercent: maxPercent,
		evlog:      evlog,
		statvfs:    unix.Statfs,
	}
}

// Root returns the archive root path, shared with the transfer queue.
func (m *Manager) Root() string {
	return m.root
}

// free and total deliberately use the distinct statvfs units:
// fragments size the filesystem, blocks size the available space.
func volumeFree(st *unix.Statfs_t) int64 {
	return int64(st.Bavail) * int64(st.Bsize)
}

func volumeTotal(st *unix.Statfs_t) int64 {
	return int64(st.Blocks) * int64(st.Frsize)
}

func volumeUsed(st *unix.Statfs_t) int {
	total := volumeTotal(st)
	if total <= 0 {
		return 0
	}
	return int((total - volumeFree(st)) * 100 / total)
}

// Status reports the archive volume, or nil when statvfs fails.
func (m *Manager) Status() []Volume {
	var st unix.Statfs_t
	if err := m.statvfs(m.root, &st); err != nil {
		return nil
	}
	used := volumeUsed(&st)
	metrics.ArchiveUsedPercent.Set(float64(used))
	return []Volume{{
		Path: m.root,
		Used: used,
		Size: volumeTotal(&st),
		Free: volumeFree(&st),
	}}
}

// Tick runs the periodic storage duties: once a minute, enforce the
// disk budget and refresh the daily links when the day rolls over.
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastCheck) < checkPeriod {
		return
	}
	m.lastCheck = now

	if m.maxPercent > 0 {
		for i := 0; i < maxCleanupCycles; i++ {
			var st unix.Statfs_t
			if err := m.statvfs(m.root, &st); err != nil {
				break
			}
			used := volumeUsed(&st)
			metrics.ArchiveUsedPercent.Set(float64(used))
			if used <= m.maxPercent {
				break
			}
			m.evlog.Record("DISK", m.root, "FULL", "%d%% USED", used)
			if !m.cleanupOnce() {
				break
			}
		}
	}

	if today := now.Day(); today != m.lastDay {
		m.link("Today", now)
		m.link("Yesterday", now.Add(-24*time.Hour))
		m.lastDay = today
	}
}

// oldest returns the numerically smallest digit-named subdirectory,
// or 0 when there is none.
func (m *Manager) oldest(parent string) int {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return 0
	}
	oldest := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) == 0 || name[0] < '0' || name[0] > '9' {
			continue
		}
		n, err := strconv.Atoi(name)
		if err != nil || n <= 0 {
			continue
		}
		if oldest == 0 || n < oldest {
			oldest = n
		}
	}
	return oldest
}

// cleanupOnce deletes the oldest day directory, or an empty month or
// year on the way there. Returns false when there is nothing to do.
func (m *Manager) cleanupOnce() bool {
	year := m.oldest(m.root)
	if year == 0 {
		return false // No video at all.
	}

	yearPath := filepath.Join(m.root, strconv.Itoa(year))
	month := m.oldest(yearPath)
	if month == 0 {
		os.RemoveAll(yearPath)
		m.evlog.Record("DIRECTORY", yearPath, "DELETED", "EMPTY")
		return true
	}

	monthPath := filepath.Join(yearPath, two(month))
	day := m.oldest(monthPath)
	if day == 0 {
		os.RemoveAll(monthPath)
		m.evlog.Record("DIRECTORY", monthPath, "DELETED", "EMPTY")
		return true
	}

	dayPath := filepath.Join(monthPath, two(day))
	if err := os.RemoveAll(dayPath); err != nil {
		log.Printf("[STORE] cleanup of %s failed: %v", dayPath, err)
		return false
	}
	metrics.CleanupDeletesTotal.Inc()
	m.evlog.Record("DIRECTORY",
		strconv.Itoa(year)+"/"+two(month)+"/"+two(day),
		"DELETED", "TO FREE DISK SPACE")
	return true
}

// link points root/<name> at the day directory for the given time.
func (m *Manager) link(name string, ref time.Time) {
	path := filepath.Join(m.root, name)
	target := m.dayPath(ref.Year(), int(ref.Month()), ref.Day())
	m.evlog.Record("LINK", name, "TARGET", "%s", target)
	os.Remove(path)
	if err := os.Symlink(target, path); err != nil {
		log.Printf("[STORE] link %s: %v", name, err)
	}
}

func (m *Manager) dayPath(year, month, day int) string {
	return filepath.Join(m.root, strconv.Itoa(year), two(month), two(day))
}

func two(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

// yearDirs lists the digit-named top directories, sorted ascending.
func (m *Manager) yearDirs() []string {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil
	}
	var years []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > 0 && name[0] >= '0' && name[0] <= '9' {
			years = append(years, name)
		}
	}
	sort.Strings(years)
	return years
}
