// Package api assembles the DVR's HTTP surface: the aggregated status
// document, the event log endpoints, and the router wiring.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/technosupport/ts-dvr/internal/events"
	"github.com/technosupport/ts-dvr/internal/feed"
	"github.com/technosupport/ts-dvr/internal/store"
	"github.com/technosupport/ts-dvr/internal/transfer"
)

// responseLimit caps the status document, matching the fixed web
// buffer of the original service.
const responseLimit = 128 * 1024

// StatusHandler builds the aggregated /dvr/status document from the
// three live components.
type StatusHandler struct {
	Host  string
	Proxy string // set when requests arrive through a portal

	Feed  *feed.Service
	Store *store.Manager
	Queue *transfer.Queue

	evlog *events.Log
}

func NewStatusHandler(host, proxy string, f *feed.Service, s *store.Manager, q *transfer.Queue, evlog *events.Log) *StatusHandler {
	if host == "" {
		host, _ = os.Hostname()
	}
	return &StatusHandler{Host: host, Proxy: proxy, Feed: f, Store: s, Queue: q, evlog: evlog}
}

type dvrStatus struct {
	Servers []feed.ServerInfo `json:"servers"`
	Feed    []feed.CameraInfo `json:"feed"`
	Storage []store.Volume    `json:"storage"`
	Queue   []transfer.Item   `json:"queue"`
}

type statusDoc struct {
	Host      string    `json:"host"`
	Proxy     string    `json:"proxy,omitempty"`
	Timestamp int64     `json:"timestamp"`
	DVR       dvrStatus `json:"dvr"`
}

func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	servers, cameras := h.Feed.Status()
	doc := statusDoc{
		Host:      h.Host,
		Proxy:     h.Proxy,
		Timestamp: time.Now().Unix(),
		DVR: dvrStatus{
			Servers: servers,
			Feed:    cameras,
			Storage: h.Store.Status(),
			Queue:   h.Queue.Status(),
		},
	}

	body, err := json.Marshal(doc)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	if len(body) > responseLimit {
		h.evlog.Trace("BUFFER", "overflow")
		http.Error(w, "response too large", http.StatusRequestEntityTooLarge)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
