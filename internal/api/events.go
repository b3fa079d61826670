package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-dvr/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // The DVR runs on a trusted network segment.
	},
}

// EventsHandler exposes the operational event log: a JSON snapshot of
// the recent ring and a websocket stream of new events.
type EventsHandler struct {
	Log *events.Log
}

func NewEventsHandler(l *events.Log) *EventsHandler {
	return &EventsHandler{Log: l}
}

func (h *EventsHandler) GetRecent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Log.Recent())
}

// ServeWS streams events as they happen. The read side only watches
// for the client going away.
func (h *EventsHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS Upgrade Failed: %v", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.Log.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-ch:
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
