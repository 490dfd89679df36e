// Package api exposes the coordinator and the on-disk library over HTTP.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/gorilla/websocket"

	"github.com/jmcleod/cloudcam/cloud"
	"github.com/jmcleod/cloudcam/coordinator"
	"github.com/jmcleod/cloudcam/library"
)

// Coordinator is the part of *coordinator.Coordinator the handlers use.
type Coordinator interface {
	Snapshot() coordinator.Snapshot
	Refresh(ctx context.Context) error
	ParseDate(s string) (time.Time, error)
	SetSelectedDate(date time.Time)
	ClearSelectedDate()
	SelectedDate() time.Time
	DownloadVideo(ctx context.Context, id string, permanent bool) (string, error)
	DownloadAllForDate(ctx context.Context, date time.Time) ([]string, error)
	StreamSource(ctx context.Context, deviceID string) (string, error)
	StopStream(ctx context.Context) error
	ActiveStream() *cloud.Stream
	PrimaryDeviceID() string
	LatestThumbnail(ctx context.Context) ([]byte, error)
	Subscribe(fn func(coordinator.Snapshot)) func()
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	coord     Coordinator
	layout    *library.Layout
	logger    *slog.Logger
	audit     *auditLogger
	refreshes *refreshLimiter
	upgrader  websocket.Upgrader
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for requests and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithClock overrides the time source of the refresh backoff.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.refreshes = newRefreshLimiter(now)
	}
}

// New creates a new API instance.
func New(coord Coordinator, layout *library.Layout, opts ...Option) *API {
	a := &API{
		coord:     coord,
		layout:    layout,
		refreshes: newRefreshLimiter(time.Now),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	a.logger = a.logger.With("component", "api")
	return a
}

// Router returns a chi.Router with all API routes mounted. It is meant to
// be mounted at /api/v1.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/status", a.Status)
	r.Get("/snapshot", a.GetSnapshot)
	r.Post("/refresh", a.Refresh)
	r.Get("/events", a.Events)

	r.Get("/date", a.GetDate)
	r.Put("/date", a.SetDate)

	r.Get("/dates", a.ListDates)
	r.Get("/videos/{date}", a.ListVideos)
	r.Post("/videos/{videoID}/download", a.DownloadVideo)
	r.Post("/downloads", a.DownloadDate)
	r.Get("/browse", a.Browse)
	r.Get("/browse/*", a.Browse)

	r.Get("/thumbnail/latest", a.LatestThumbnail)

	r.Post("/stream", a.StartStream)
	r.Delete("/stream", a.StopStream)

	return r
}

// MediaRouter serves stored files. It is meant to be mounted at /media.
func (a *API) MediaRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/*", a.ServeMedia)
	r.Head("/*", a.ServeMedia)
	return r
}
