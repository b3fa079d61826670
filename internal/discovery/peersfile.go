package discovery

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const pollFallbackPeriod = 30 * time.Second

// PeersFile reads peer base URLs from a YAML file:
//
//	peers:
//	  - http://cam-garage:8080
//	  - http://cam-yard:8080
//
// The file can be edited while the service runs; changes are picked
// up without a restart.
type PeersFile struct {
	path string

	mu   sync.Mutex
	urls []string
}

func NewPeersFile(path string) *PeersFile {
	p := &PeersFile{path: path}
	if err := p.Reload(); err != nil {
		log.Printf("[DISCOVERY] peers file %s: %v", path, err)
	}
	return p
}

func (p *PeersFile) Peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

// Reload re-reads the peers file. A missing file is an empty list,
// not an error, so the file can be created later.
func (p *PeersFile) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			p.mu.Lock()
			p.urls = nil
			p.mu.Unlock()
			return nil
		}
		return err
	}

	var doc struct {
		Peers []string `yaml:"peers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}

	var urls []string
	for _, u := range doc.Peers {
		u = strings.TrimSuffix(strings.TrimSpace(u), "/")
		if u != "" {
			urls = append(urls, u)
		}
	}

	p.mu.Lock()
	p.urls = urls
	p.mu.Unlock()
	return nil
}

// StartWatcher monitors the peers file for changes and reloads.
// Supports both fsnotify and polling as fallback.
func (p *PeersFile) StartWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("[DISCOVERY] fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else {
		if err := watcher.Add(p.path); err != nil {
			// File not created yet: poll until it appears.
			log.Printf("[DISCOVERY] cannot watch %s (%v), falling back to polling", p.path, err)
			usePolling = true
			watcher.Close()
		}
	}

	go func() {
		if !usePolling {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
						log.Printf("[DISCOVERY] peers file changed, reloading")
						time.Sleep(100 * time.Millisecond)
						if err := p.Reload(); err != nil {
							log.Printf("[DISCOVERY] reload failed: %v", err)
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[DISCOVERY] watcher error: %v", err)
				}
			}
		}

		ticker := time.NewTicker(pollFallbackPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Reload(); err != nil {
					log.Printf("[DISCOVERY] reload failed: %v", err)
				}
			}
		}
	}()
}
