package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/ts-dvr/internal/feed"
	"github.com/technosupport/ts-dvr/internal/middleware"
	"github.com/technosupport/ts-dvr/internal/store"
)

// NewRouter wires every HTTP route of the service. uiDir, when set,
// is served at the root for the bundled web console.
func NewRouter(status *StatusHandler, ev *EventsHandler, f *feed.Service, s *store.Manager, uiDir string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS)

	r.Get("/dvr/status", status.GetStatus)
	r.Get("/dvr/log/events", ev.GetRecent)
	r.Get("/dvr/log/ws", ev.ServeWS)

	f.Register(r)
	s.Register(r)

	r.Handle("/metrics", promhttp.Handler())

	if uiDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(uiDir)))
	}
	return r
}
