package discovery

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// announceTTL matches the registry prune deadline: a peer that stops
// renewing its announcement disappears from discovery on the same
// schedule as it disappears from the feed registry.
const announceTTL = 180 * time.Second

// Announcement is the payload feed servers publish on
// "discovery.<service>" to make themselves known.
type Announcement struct {
	Host string `json:"host"`
	URL  string `json:"url"`
}

// Announced collects NATS service announcements and expires them.
type Announced struct {
	mu   sync.Mutex
	seen map[string]time.Time // base URL -> last announcement
	sub  *nats.Subscription
	now  func() time.Time
}

// NewAnnounced subscribes to announcements for the given service tag.
func NewAnnounced(conn *nats.Conn, service string) (*Announced, error) {
	a := &Announced{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}

	sub, err := conn.Subscribe("discovery."+service, func(msg *nats.Msg) {
		var ann Announcement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			log.Printf("[DISCOVERY] bad announcement: %v", err)
			return
		}
		url := strings.TrimSuffix(strings.TrimSpace(ann.URL), "/")
		if url == "" {
			return
		}
		a.mu.Lock()
		a.seen[url] = a.now()
		a.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	a.sub = sub
	return a, nil
}

func (a *Announced) Peers() []string {
	deadline := a.now().Add(-announceTTL)

	a.mu.Lock()
	defer a.mu.Unlock()

	var out []string
	for url, at := range a.seen {
		if at.Before(deadline) {
			delete(a.seen, url)
			continue
		}
		out = append(out, url)
	}
	return out
}

func (a *Announced) Close() {
	if a.sub != nil {
		a.sub.Unsubscribe()
	}
}
