// dvrd aggregates motion recordings from the CCTV feed servers of a
// site into one local, date-partitioned archive, and serves the
// browsing API the web console uses.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-dvr/internal/api"
	"github.com/technosupport/ts-dvr/internal/config"
	"github.com/technosupport/ts-dvr/internal/discovery"
	"github.com/technosupport/ts-dvr/internal/events"
	"github.com/technosupport/ts-dvr/internal/feed"
	"github.com/technosupport/ts-dvr/internal/state"
	"github.com/technosupport/ts-dvr/internal/store"
	"github.com/technosupport/ts-dvr/internal/transfer"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML configuration file")
		httpAddr   = flag.String("http", "", "HTTP listen address")
		service    = flag.String("dvr-feed", "", "service tag of the feed servers to discover")
		check      = flag.Int("dvr-check", 0, "steady-state poll period in seconds")
		peers      = flag.String("dvr-peers", "", "comma-separated feed server base URLs")
		peersFile  = flag.String("dvr-peers-file", "", "watched YAML file listing feed server URLs")
		storeRoot  = flag.String("dvr-store", "", "root directory of the recording archive")
		clean      = flag.Int("dvr-clean", -1, "disk use percentage that triggers cleanup, 0 disables")
		queueSize  = flag.Int("dvr-queue", 0, "transfer queue size")
		natsURL    = flag.String("nats", "", "NATS server URL for events and announcements")
		redisAddr  = flag.String("redis", "", "redis address for shared state, empty keeps state on disk")
		uiDir      = flag.String("ui", "", "directory of the web console bundle")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			log.Fatalf("[MAIN] %v", err)
		}
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *service != "" {
		cfg.Service = *service
	}
	if *check > 0 {
		cfg.CheckPeriod = *check
	}
	if *peers != "" {
		cfg.Peers = *peers
	}
	if *peersFile != "" {
		cfg.PeersFile = *peersFile
	}
	if *storeRoot != "" {
		cfg.StoreRoot = *storeRoot
	}
	if *clean >= 0 {
		cfg.CleanPercent = *clean
	}
	if *queueSize > 0 {
		cfg.QueueSize = *queueSize
	}
	if *natsURL != "" {
		cfg.NATSURL = *natsURL
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *uiDir != "" {
		cfg.UIDir = *uiDir
	}

	if err := os.MkdirAll(cfg.StoreRoot, 0o755); err != nil {
		log.Fatalf("[MAIN] archive root: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evlog := events.NewLog()

	// NATS is optional: without it the DVR still polls static and
	// file-listed peers, and events stay local.
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Fatalf("[MAIN] NATS connect: %v", err)
		}
		defer nc.Close()
		evlog.SetPublisher(events.NewNATSPublisher(nc, "dvr.events", 3))
	}

	source := discovery.NewComposite(discovery.NewStatic(cfg.Peers))
	if cfg.PeersFile != "" {
		pf := discovery.NewPeersFile(cfg.PeersFile)
		pf.StartWatcher(ctx)
		source.Add(pf)
	}
	if nc != nil {
		ann, err := discovery.NewAnnounced(nc, cfg.Service)
		if err != nil {
			log.Fatalf("[MAIN] announcement subscribe: %v", err)
		}
		defer ann.Close()
		source.Add(ann)
	}

	var stateStore state.Store
	if cfg.RedisAddr != "" {
		stateStore = state.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		stateStore = state.NewFileStore(filepath.Join(cfg.StoreRoot, ".dvr-state.json"))
	}

	queue := transfer.NewQueue(cfg.QueueSize, cfg.StoreRoot, evlog)
	archive := store.New(cfg.StoreRoot, cfg.CleanPercent, evlog)
	registry := feed.New(cfg.Service, cfg.CheckPeriod, source, queue, stateStore, evlog)

	host, _ := os.Hostname()
	status := api.NewStatusHandler(host, os.Getenv("DVR_PORTAL"), registry, archive, queue, evlog)
	router := api.NewRouter(status, api.NewEventsHandler(evlog), registry, archive, cfg.UIDir)

	// One scheduler drives everything at 1 Hz. Ordering matters:
	// discovery feeds the queue, the queue fills the archive.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				registry.Tick(now)
				queue.Tick(now)
				archive.Tick(now)
			case <-ctx.Done():
				return
			}
		}
	}()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Printf("[MAIN] %s, archive at %s, listening on %s",
			registry, cfg.StoreRoot, cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[MAIN] HTTP server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("[MAIN] shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[MAIN] shutdown: %v", err)
	}
}
