package feed

import (
	"sort"
	"strconv"
	"time"
)

// Server is one discovered feed server. Entries are created on the
// first successful status and removed by prune after 180 s of
// silence.
type Server struct {
	Name        string
	Updated     int64 // opaque change stamp reported by the peer
	AdminURL    string
	AvailableMB int
	LastSeen    time.Time

	avail availRing
}

// Camera is one video source, named <server>:<device>. A camera whose
// registration lapses is only forgotten (server and stream cleared):
// the name stays because archived recordings may still reference it.
type Camera struct {
	Name      string
	Server    string
	StreamURL string
	LastSeen  time.Time
}

// ServerInfo is the status JSON shape for one server.
type ServerInfo struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Space     string `json:"space"`
	Timestamp int64  `json:"timestamp"`
}

// CameraInfo is the status JSON shape for one camera.
type CameraInfo struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

// parseAvailable normalizes the peer's free-space string to MB.
// "12G" is 12288, "500M" is 500. Any other unit reads as zero: a peer
// down to kilobytes has so little left it does not matter.
func parseAvailable(space string) int {
	n := 0
	i := 0
	for ; i < len(space); i++ {
		c := space[i]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	for ; i < len(space); i++ {
		c := space[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			break
		}
	}
	if i < len(space) {
		switch space[i] {
		case 'G':
			return n * 1024
		case 'M':
			return n
		}
	}
	return 0
}

// upsertServer records a server registration. Returns true when the
// server was not previously known.
func (s *Service) upsertServer(name string, updated int64, adminURL, space string, now time.Time) bool {
	srv, known := s.servers[name]
	if !known {
		srv = &Server{Name: name}
		srv.avail.reset()
		s.servers[name] = srv
	}
	srv.AdminURL = adminURL
	srv.LastSeen = now

	// Legacy peers do not report an update stamp; zero must not
	// erase a known value.
	if updated != 0 {
		srv.Updated = updated
	}
	srv.AvailableMB = parseAvailable(space)
	return !known
}

// registerCamera records a camera. An empty server restores a ghost
// from the saved state: the name is kept but the camera stays
// forgotten. Returns true when something new was learned.
func (s *Service) registerCamera(name, server, streamURL string, now time.Time) bool {
	cam, known := s.cameras[name]
	if !known {
		cam = &Camera{Name: name}
		s.cameras[name] = cam
		if server == "" {
			return false // Ghost of ancient times.
		}
		// A real new camera, not even recorded as a ghost.
		s.stateChanged = true
	} else if server == "" {
		return false // Old news, nothing to update.
	}

	changed := !known
	if cam.StreamURL != streamURL {
		cam.StreamURL = streamURL
		changed = true
	}
	if cam.Server != server {
		cam.Server = server
		changed = true
	}
	cam.LastSeen = now
	return changed
}

// refresh renews the liveness of a server and its cameras without
// touching anything else. Used when a /check confirms no change.
func (s *Service) refresh(server string, now time.Time) {
	for _, cam := range s.cameras {
		if cam.Server == server {
			cam.LastSeen = now
		}
	}
	if srv, ok := s.servers[server]; ok {
		srv.LastSeen = now
	}
}

// pruneZombies forgets the cameras a server no longer lists. The
// normal deadline does not apply: the server positively confirmed
// its camera list, so anything it did not touch this round is gone.
func (s *Service) pruneZombies(server string, now time.Time) {
	deadline := now.Add(-time.Duration(s.checkPeriod-1) * time.Second)
	for _, cam := range s.cameras {
		if cam.Server != server || !cam.LastSeen.Before(deadline) {
			continue
		}
		s.evlog.Record("FEED", cam.Name, "PRUNED", "STREAM %s", cam.StreamURL)
		cam.LastSeen = time.Time{}
		cam.Server = ""
		cam.StreamURL = ""
	}
}

// prune drops servers and forgets cameras that went silent, and feeds
// the stall watchdogs.
func (s *Service) prune(now time.Time) {
	deadline := now.Add(-pruneDeadline)

	cameraLive := 0
	for _, cam := range s.cameras {
		if cam.LastSeen.After(deadline) {
			cameraLive++
			continue
		}
		cam.LastSeen = time.Time{}
		if cam.Server != "" {
			// Forget where the camera came from but keep the entry:
			// stored recordings may still reference it.
			s.evlog.Record("FEED", cam.Name, "PRUNED", "STREAM %s", cam.StreamURL)
			cam.Server = ""
			cam.StreamURL = ""
		}
	}

	serverLive := 0
	for name, srv := range s.servers {
		if srv.LastSeen.After(deadline) {
			serverLive++
			continue
		}
		s.evlog.Record("CCTV", srv.Name, "PRUNED", "ADMIN %s", srv.AdminURL)
		delete(s.servers, name)
	}

	// The service once lost all discovery and kept running blind.
	// The watchdogs turn that state into a crash and a restart.
	if cameraLive > 0 {
		s.cameraWatchdog = time.Time{}
	} else if len(s.cameras) > 0 {
		if s.cameraWatchdog.IsZero() {
			s.cameraWatchdog = now
		} else if now.After(s.cameraWatchdog.Add(watchdogDeadline)) {
			s.crash("no live camera for 300s")
		}
	}
	if serverLive > 0 {
		s.serverWatchdog = time.Time{}
	} else if len(s.servers) > 0 {
		if s.serverWatchdog.IsZero() {
			s.serverWatchdog = now
		} else if now.After(s.serverWatchdog.Add(watchdogDeadline)) {
			s.crash("no live server for 300s")
		}
	}
}

// upToDate reports whether a peer's update stamp matches the stored
// one, meaning a full status fetch can be skipped this round.
func (s *Service) upToDate(name string, updated int64) bool {
	srv, ok := s.servers[name]
	return ok && srv.Updated == updated
}

// Status returns the servers and feed sections of the DVR status.
func (s *Service) Status() ([]ServerInfo, []CameraInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	servers := []ServerInfo{}
	for _, srv := range s.servers {
		if srv.LastSeen.IsZero() {
			continue
		}
		servers = append(servers, ServerInfo{
			Name:      srv.Name,
			URL:       srv.AdminURL,
			Space:     strconv.Itoa(srv.AvailableMB) + " MB",
			Timestamp: srv.LastSeen.Unix(),
		})
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })

	cameras := []CameraInfo{}
	for _, cam := range s.cameras {
		info := CameraInfo{Name: cam.Name, URL: cam.StreamURL}
		if !cam.LastSeen.IsZero() {
			info.Timestamp = cam.LastSeen.Unix()
		}
		cameras = append(cameras, info)
	}
	sort.Slice(cameras, func(i, j int) bool { return cameras[i].Name < cameras[j].Name })

	return servers, cameras
}
