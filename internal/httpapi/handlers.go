package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/DoyleJ11/bms-backend/internal/apperr"
	"github.com/DoyleJ11/bms-backend/internal/auth"
	"github.com/DoyleJ11/bms-backend/internal/mappick"
	"github.com/DoyleJ11/bms-backend/internal/model"
	"github.com/DoyleJ11/bms-backend/pkg/types"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const SessionHeader = "session_id"

var (
	errMalformed = apperr.Validation("malformed request")
	errForbidden = apperr.Forbidden("missing permission " + auth.PermCreateMatches)
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult answers with res on success and with the error's status and
// user-facing message otherwise.
func writeResult(w http.ResponseWriter, log *zap.Logger, res types.Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, apperr.HTTPStatus(kind), types.Failed(apperr.Message(err)))
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errMalformed
	}
	return nil
}

// Authenticate resolves the session header to a player and stores it in the
// request context.
func Authenticate(sessions Sessions, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := sessions.PlayerForSession(r.Context(), r.Header.Get(SessionHeader))
			if err != nil {
				if apperr.KindOf(err) == apperr.KindInternal {
					writeResult(w, log, types.Result{}, err)
					return
				}
				writeJSON(w, http.StatusUnauthorized, types.Failed("unauthorized"))
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPlayer(r.Context(), p)))
		})
	}
}

// player is always set behind Authenticate.
func player(r *http.Request) *model.Player {
	p, _ := auth.PlayerFrom(r.Context())
	return p
}

type queueRequest struct {
	Queue int64 `json:"queue"`
}

type pickRequest struct {
	Queue  int64 `json:"queue"`
	Player int64 `json:"player"`
}

type QueueFunc func(ctx context.Context, playerID, queueID int64) (types.Result, error)

// QueueAction serves join, leave and confirm for the calling player.
func QueueAction(fn QueueFunc, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queueRequest
		if err := decode(r, &req); err != nil {
			writeResult(w, log, types.Result{}, err)
			return
		}
		res, err := fn(r.Context(), player(r).ID, req.Queue)
		writeResult(w, log, res, err)
	}
}

func PickPlayer(q Queues, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pickRequest
		if err := decode(r, &req); err != nil {
			writeResult(w, log, types.Result{}, err)
			return
		}
		res, err := q.PickPlayer(r.Context(), player(r).ID, req.Player, req.Queue)
		writeResult(w, log, res, err)
	}
}

type teamRequest struct {
	Name    string  `json:"name"`
	Players []int64 `json:"players"`
}

type createMatchRequest struct {
	Name     string         `json:"name"`
	TeamOne  teamRequest    `json:"team_one"`
	TeamTwo  teamRequest    `json:"team_two"`
	MapCount int            `json:"map_count"`
	Mode     model.GameMode `json:"mode"`
}

type createMatchResponse struct {
	types.Result
	Match          int64 `json:"match"`
	MapPickProcess int64 `json:"map_pick_process"`
}

func CreateMatch(m Matches, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth.HasPermission(player(r), auth.PermCreateMatches) {
			writeResult(w, log, types.Result{}, errForbidden)
			return
		}
		var req createMatchRequest
		if err := decode(r, &req); err != nil {
			writeResult(w, log, types.Result{}, err)
			return
		}
		match, err := m.CreateMatch(r.Context(), mappick.MatchSpec{
			Name:        req.Name,
			TeamOneName: req.TeamOne.Name,
			TeamTwoName: req.TeamTwo.Name,
			TeamOne:     req.TeamOne.Players,
			TeamTwo:     req.TeamTwo.Players,
			MapCount:    req.MapCount,
			Mode:        req.Mode,
		})
		if err != nil {
			writeResult(w, log, types.Result{}, err)
			return
		}
		writeJSON(w, http.StatusCreated, createMatchResponse{
			Result:         types.OK("match created"),
			Match:          match.ID,
			MapPickProcess: match.MapPickProcessID,
		})
	}
}

type selectMapRequest struct {
	Map string `json:"map"`
}

func SelectMap(m Matches, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		matchID, err := strconv.ParseInt(chi.URLParam(r, "match"), 10, 64)
		if err != nil {
			writeResult(w, log, types.Result{}, errMalformed)
			return
		}
		var req selectMapRequest
		if err := decode(r, &req); err != nil {
			writeResult(w, log, types.Result{}, err)
			return
		}
		res, err := m.SelectMap(r.Context(), player(r).ID, matchID, req.Map)
		writeResult(w, log, res, err)
	}
}

func StatusHandler(status func() Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := Status{Status: "ok"}
		if status != nil {
			s = status()
			s.Status = "ok"
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
