package httpapi

import (
	"context"
	"net/http"

	"github.com/DoyleJ11/bms-backend/internal/mappick"
	"github.com/DoyleJ11/bms-backend/internal/model"
	"github.com/DoyleJ11/bms-backend/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Queues interface {
	Join(ctx context.Context, playerID, queueID int64) (types.Result, error)
	Leave(ctx context.Context, playerID, queueID int64) (types.Result, error)
	Confirm(ctx context.Context, playerID, queueID int64) (types.Result, error)
	PickPlayer(ctx context.Context, captainID, playerID, queueID int64) (types.Result, error)
}

type Matches interface {
	CreateMatch(ctx context.Context, spec mappick.MatchSpec) (*model.Match, error)
	SelectMap(ctx context.Context, playerID, matchID int64, mapName string) (types.Result, error)
}

type Sessions interface {
	PlayerForSession(ctx context.Context, key string) (*model.Player, error)
}

// Status is served on GET /status.
type Status struct {
	Status           string `json:"status"`
	Connections      int    `json:"connections"`
	HostConnected    bool   `json:"hostConnected"`
	PendingHostCalls int    `json:"pendingHostCalls"`
}

type Deps struct {
	Queues   Queues
	Matches  Matches
	Sessions Sessions
	Status   func() Status
	// WS upgrades GET /ws/connect.
	WS  http.Handler
	Log *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	log := d.Log.Named("http")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/status", StatusHandler(d.Status))
	if d.WS != nil {
		r.Method(http.MethodGet, "/ws/connect", d.WS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(d.Sessions, log))

		r.Route("/queue", func(r chi.Router) {
			r.Post("/join", QueueAction(d.Queues.Join, log))
			r.Post("/leave", QueueAction(d.Queues.Leave, log))
			r.Post("/confirm", QueueAction(d.Queues.Confirm, log))
			r.Post("/pick", PickPlayer(d.Queues, log))
		})
		r.Route("/match", func(r chi.Router) {
			r.Post("/create", CreateMatch(d.Matches, log))
			r.Post("/{match}/map-pick", SelectMap(d.Matches, log))
		})
	})
	return r
}
