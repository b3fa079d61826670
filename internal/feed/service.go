// Package feed tracks the fleet of CCTV feed servers and their
// cameras. It polls every discovered peer, reconciles the registry,
// and hands newly stable recordings to the transfer queue.
package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-dvr/internal/discovery"
	"github.com/technosupport/ts-dvr/internal/events"
	"github.com/technosupport/ts-dvr/internal/metrics"
	"github.com/technosupport/ts-dvr/internal/state"
)

const (
	defaultCheckPeriod = 30 // seconds

	fullScanPeriod    = 5 * time.Minute
	rushDelay         = 10 * time.Second
	startupGrace      = 60 * time.Second
	startupPollPeriod = 10 * time.Second
	cleanupPeriod     = 10 * time.Second
	pruneDeadline     = 180 * time.Second
	watchdogDeadline  = 300 * time.Second
	stableAge         = 60 * time.Second

	peerTimeout   = 10 * time.Second
	maxStatusBody = 1 << 20
)

// Notifier receives newly stable recordings. Implemented by the
// transfer queue; the return value reports "newly enqueued", which
// rushes the next full scan.
type Notifier interface {
	Notify(feed, path string, size int64) bool
}

// Service is the discovery and feed registry component.
type Service struct {
	service     string
	checkPeriod int
	source      discovery.Source
	queue       Notifier
	evlog       *events.Log
	store       state.Store
	client      *http.Client

	// crash is the deliberate-abort path, replaceable in tests.
	crash func(reason string)

	mu             sync.Mutex
	servers        map[string]*Server
	cameras        map[string]*Camera
	stateChanged   bool
	startPeriodEnd time.Time
	nextCleanup    time.Time
	nextDiscovery  time.Time
	nextFullScan   time.Time
	cameraWatchdog time.Time
	serverWatchdog time.Time
	lastHour       int64

	polling atomic.Bool
}

// New builds the registry and restores the persisted camera names.
func New(service string, checkPeriod int, source discovery.Source, queue Notifier, store state.Store, evlog *events.Log) *Service {
	if service == "" {
		service = "cctv"
	}
	if checkPeriod <= 0 {
		checkPeriod = defaultCheckPeriod
	}
	s := &Service{
		service:     service,
		checkPeriod: checkPeriod,
		source:      source,
		queue:       queue,
		evlog:       evlog,
		store:       store,
		client:      &http.Client{Timeout: peerTimeout},
		servers:     make(map[string]*Server),
		cameras:     make(map[string]*Camera),
	}
	s.crash = func(reason string) {
		log.Printf("[FEED] watchdog: %s", reason)
		panic("feed watchdog: " + reason)
	}

	// Recordings may still reference cameras that are long gone, so
	// the full historical list is restored as ghosts.
	if store != nil {
		snap, err := store.Load()
		if err != nil && err != state.ErrNotFound {
			log.Printf("[FEED] state restore failed: %v", err)
		}
		if snap != nil {
			for _, name := range snap.Cameras {
				s.registerCamera(name, "", "", time.Time{})
			}
		}
	}
	return s
}

// Register mounts the legacy push-registration route, kept for feed
// servers that predate discovery and declare themselves.
func (s *Service) Register(r chi.Router) {
	r.HandleFunc("/dvr/source/declare", s.handleDeclare)
}

// Tick drives the registry: prune, sample metrics, persist dirty
// state, then run at most one discovery round.
func (s *Service) Tick(now time.Time) {
	s.mu.Lock()

	if s.startPeriodEnd.IsZero() {
		s.startPeriodEnd = now.Add(startupGrace)
		s.nextFullScan = now.Add(fullScanPeriod)
	}

	if !now.Before(s.nextCleanup) {
		s.nextCleanup = now.Add(cleanupPeriod)
		s.prune(now)
	}

	s.sampleAvailability(now)

	// State saves are delayed past the start period so a half
	// restored registry is never persisted over good state.
	var snap *state.Snapshot
	if s.stateChanged && now.After(s.startPeriodEnd) {
		snap = s.snapshotLocked()
		s.stateChanged = false
	}

	// Poll every 10 s for the first minute so the network recovers
	// fast from an outage, then settle on the configured period.
	// An overdue full scan overrides the timing.
	runPoll := false
	full := false
	if !now.Before(s.nextFullScan) || !now.Before(s.nextDiscovery) {
		runPoll = true
		full = !now.Before(s.nextFullScan)
		if now.Before(s.startPeriodEnd) {
			s.nextDiscovery = now.Add(startupPollPeriod)
		} else {
			s.nextDiscovery = now.Add(time.Duration(s.checkPeriod) * time.Second)
		}
	}
	s.mu.Unlock()

	if snap != nil {
		if err := s.store.Save(snap); err != nil {
			log.Printf("[FEED] state save failed: %v", err)
		}
	}

	if runPoll && s.polling.CompareAndSwap(false, true) {
		urls := s.source.Peers()
		go func() {
			defer s.polling.Store(false)
			s.pollRound(now, urls, full)
		}()
	}
}

// pollRound visits every discovered peer once.
func (s *Service) pollRound(now time.Time, urls []string, full bool) {
	for _, base := range urls {
		if full {
			s.scanPeer(base, now)
		} else {
			s.checkPeer(base, now)
		}
	}

	s.mu.Lock()
	if len(urls) > 0 {
		if !now.Before(s.nextFullScan) {
			s.nextFullScan = now.Add(fullScanPeriod)
		}
	} else {
		// Lost contact with every CCTV server: resync with a full
		// scan as soon as anything reappears.
		s.nextFullScan = now
	}
	s.mu.Unlock()
}

// checkPeer runs the cheap liveness probe. Peers without /check
// answer 401, which transparently upgrades to a full status scan.
func (s *Service) checkPeer(base string, now time.Time) {
	resp, err := s.client.Get(base + "/check")
	if err != nil {
		metrics.ScansTotal.WithLabelValues("check", "error").Inc()
		s.evlog.Trace(base, "%v", err)
		return
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ScansTotal.WithLabelValues("check", "error").Inc()
		s.evlog.Trace(base, "HTTP error %d", resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized {
			// The peer does not implement /check.
			s.scanPeer(base, now)
		}
		return
	}
	if readErr != nil {
		metrics.ScansTotal.WithLabelValues("check", "error").Inc()
		s.evlog.Trace(base, "%v", readErr)
		return
	}

	var doc struct {
		Host    string `json:"host"`
		Updated *int64 `json:"updated"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		metrics.ScansTotal.WithLabelValues("check", "error").Inc()
		s.evlog.Trace(base, "JSON syntax error, %v", err)
		return
	}
	if doc.Host == "" {
		metrics.ScansTotal.WithLabelValues("check", "error").Inc()
		s.evlog.Trace(base, "no hostname")
		return
	}
	if doc.Updated == nil {
		metrics.ScansTotal.WithLabelValues("check", "error").Inc()
		s.evlog.Trace(base, "no updated field")
		return
	}
	metrics.ScansTotal.WithLabelValues("check", "ok").Inc()

	s.mu.Lock()
	fresh := s.upToDate(doc.Host, *doc.Updated)
	if fresh {
		s.refresh(doc.Host, now)
	}
	s.mu.Unlock()

	if !fresh {
		// The stamp moved (or the peer is new): fetch the status.
		s.scanPeer(base, now)
	}
}

// peerStatus is the /status response of a feed server.
type peerStatus struct {
	Host    string `json:"host"`
	Updated int64  `json:"updated"`
	CCTV    struct {
		Console    string            `json:"console"`
		Available  string            `json:"available"`
		Feeds      map[string]string `json:"feeds"`
		Recordings [][]any           `json:"recordings"`
	} `json:"cctv"`
}

// scanPeer fetches and applies a full peer status.
func (s *Service) scanPeer(base string, now time.Time) {
	resp, err := s.client.Get(base + "/status")
	if err != nil {
		metrics.ScansTotal.WithLabelValues("status", "error").Inc()
		s.evlog.Trace(base, "%v", err)
		return
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ScansTotal.WithLabelValues("status", "error").Inc()
		s.evlog.Trace(base, "HTTP error %d", resp.StatusCode)
		return
	}
	if readErr != nil {
		metrics.ScansTotal.WithLabelValues("status", "error").Inc()
		s.evlog.Trace(base, "%v", readErr)
		return
	}

	var doc peerStatus
	if err := json.Unmarshal(body, &doc); err != nil {
		metrics.ScansTotal.WithLabelValues("status", "error").Inc()
		s.evlog.Trace(base, "JSON syntax error, %v", err)
		return
	}
	if doc.Host == "" {
		metrics.ScansTotal.WithLabelValues("status", "error").Inc()
		s.evlog.Trace(base, "no hostname")
		return
	}
	if doc.CCTV.Console == "" {
		metrics.ScansTotal.WithLabelValues("status", "error").Inc()
		s.evlog.Trace(base, "no console URL")
		return
	}
	space := doc.CCTV.Available
	if space == "" {
		space = "0"
	}
	metrics.ScansTotal.WithLabelValues("status", "ok").Inc()

	s.mu.Lock()
	if s.upsertServer(doc.Host, doc.Updated, doc.CCTV.Console, space, now) {
		s.evlog.Record("CCTV", doc.Host, "ADDED", "ADMIN %s", doc.CCTV.Console)
	}

	if doc.CCTV.Feeds == nil {
		s.mu.Unlock()
		s.evlog.Trace(base, "no feed data")
		return
	}
	if len(doc.CCTV.Feeds) == 0 {
		s.mu.Unlock()
		s.evlog.Trace(base, "empty feed data")
		return
	}
	for device, streamURL := range doc.CCTV.Feeds {
		name := doc.Host + ":" + device
		if s.registerCamera(name, doc.Host, streamURL, now) {
			s.evlog.Record("FEED", name, "ADDED", "STREAM %s", streamURL)
		}
	}
	s.pruneZombies(doc.Host, now)
	s.mu.Unlock()

	s.applyRecordings(base, doc.CCTV.Recordings, now)
}

// applyRecordings forwards stable recordings to the transfer queue.
// Files without an explicit stability flag count as stable once their
// timestamp is more than a minute old: anything younger could still
// be written to.
func (s *Service) applyRecordings(base string, recordings [][]any, now time.Time) {
	for _, tuple := range recordings {
		if len(tuple) < 3 {
			continue
		}
		path, ok := tuple[1].(string)
		if !ok {
			continue
		}
		sizeNum, ok := tuple[2].(float64)
		if !ok {
			continue
		}

		stable := false
		if len(tuple) >= 4 {
			if flag, ok := tuple[3].(bool); ok {
				stable = flag
			}
		} else if epoch, ok := tuple[0].(float64); ok {
			stable = int64(epoch) < now.Add(-stableAge).Unix()
		}
		if !stable {
			continue
		}

		if s.queue.Notify(base, path, int64(sizeNum)) {
			// A new file appeared: rush a full scan so the
			// confirmation does not wait five minutes.
			s.mu.Lock()
			s.nextFullScan = now.Add(rushDelay)
			s.mu.Unlock()
		}
	}
}

// sampleAvailability feeds the per-server minute rings and, once an
// hour, emits the minimum observed free space as a sensor event.
func (s *Service) sampleAvailability(now time.Time) {
	liveServers := 0
	liveCameras := 0
	for _, srv := range s.servers {
		if srv.LastSeen.IsZero() {
			continue
		}
		liveServers++
		srv.avail.sample(now.Unix(), srv.AvailableMB)
	}
	for _, cam := range s.cameras {
		if cam.Server != "" {
			liveCameras++
		}
	}
	metrics.ServersOnline.Set(float64(liveServers))
	metrics.CamerasOnline.Set(float64(liveCameras))

	hour := now.Unix() / 3600
	if s.lastHour == 0 {
		s.lastHour = hour
		return
	}
	if hour == s.lastHour {
		return
	}
	s.lastHour = hour
	for _, srv := range s.servers {
		if min := srv.avail.minimum(); min >= 0 {
			s.evlog.Record("SENSOR", srv.Name, "AVAILABLE", "%d MB", min)
		}
		srv.avail.reset()
	}
}

// handleDeclare is the legacy push registration: feed servers that do
// not participate in discovery periodically declare themselves here.
// Incomplete declarations are ignored; the peer will retry anyway.
func (s *Service) handleDeclare(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	admin := r.FormValue("admin")
	peerURL := r.FormValue("url")
	space := r.FormValue("available")
	devices := r.FormValue("devices")

	if admin == "" {
		admin = peerURL
	}
	if name == "" || peerURL == "" || space == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	now := time.Now()
	adminURL := "http://" + admin + "/"

	s.mu.Lock()
	if s.upsertServer(name, 0, adminURL, space, now) {
		s.evlog.Record("CCTV", name, "ADDED", "ADMIN %s", adminURL)
	}
	for _, device := range strings.Split(devices, "+") {
		if device == "" {
			continue
		}
		feedName := name + ":" + device
		streamURL := "http://" + peerURL + "/" + device + "/stream"
		if s.registerCamera(feedName, name, streamURL, now) {
			s.evlog.Record("FEED", feedName, "ADDED", "STREAM %s", streamURL)
		}
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (s *Service) snapshotLocked() *state.Snapshot {
	names := make([]string, 0, len(s.cameras))
	for name := range s.cameras {
		names = append(names, name)
	}
	sort.Strings(names)
	return &state.Snapshot{Cameras: names}
}

// String identifies the service in logs.
func (s *Service) String() string {
	return fmt.Sprintf("feed registry (service %s, check every %ds)", s.service, s.checkPeriod)
}
