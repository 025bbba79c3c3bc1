package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mahaj/roomcast/pkg/auth"
	"github.com/mahaj/roomcast/pkg/model"
	"github.com/mahaj/roomcast/pkg/store"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (model.User, error)
}

type RoomDirectory interface {
	Resolve(ctx context.Context, ref string) (model.Room, error)
	IsMember(ctx context.Context, userID, roomID int64) (bool, error)
}

type HistoryReader interface {
	History(ctx context.Context, roomID int64, q store.Query) ([]model.Message, error)
}

type OnlineLister interface {
	Online() []int64
}

// Routes registers the REST endpoints:
//
//	GET /rooms/{room}/messages/   history backfill
//	GET /users/online/            ids of online users
//	GET /healthz                  liveness
//
// defaultLimit applies when a history request has no limit; zero leaves the
// store default.
func Routes(mux *http.ServeMux, identity Authenticator, rooms RoomDirectory, history HistoryReader, defaultLimit int, online OnlineLister, log *slog.Logger) {
	authed := func(h http.Handler) http.Handler {
		return CORSMiddleware(AuthMiddleware(identity, log, h))
	}
	mux.Handle("GET /rooms/{room}/messages/{$}", authed(NewHistoryHandler(rooms, history, defaultLimit, log)))
	mux.Handle("GET /users/online/{$}", authed(NewPresenceHandler(online)))
	mux.Handle("OPTIONS /", CORSMiddleware(http.NotFoundHandler()))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func AuthMiddleware(identity Authenticator, log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := identity.Authenticate(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			log.Debug("Rejected request", "path", r.URL.Path, "error", err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

type HistoryHandler struct {
	rooms   RoomDirectory
	history HistoryReader
	limit   int
	log     *slog.Logger
}

func NewHistoryHandler(rooms RoomDirectory, history HistoryReader, defaultLimit int, log *slog.Logger) *HistoryHandler {
	return &HistoryHandler{rooms: rooms, history: history, limit: defaultLimit, log: log}
}

func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if q.Limit == 0 {
		q.Limit = h.limit
	}

	room, err := h.rooms.Resolve(r.Context(), r.PathValue("room"))
	if err != nil {
		h.fail(w, err)
		return
	}
	member, err := h.rooms.IsMember(r.Context(), user.ID, room.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !member {
		h.fail(w, model.ErrNotMember)
		return
	}

	messages, err := h.history.History(r.Context(), room.ID, q)
	if err != nil {
		h.fail(w, err)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, messages)
}

func (h *HistoryHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrRoomNotFound):
		http.Error(w, "Room not found", http.StatusNotFound)
	case errors.Is(err, model.ErrNotMember):
		http.Error(w, "Not a member of this room", http.StatusForbidden)
	default:
		h.log.Error("Failed to retrieve history", "error", err)
		http.Error(w, "Failed to retrieve history", http.StatusServiceUnavailable)
	}
}

var errBadQuery = errors.New("after, before and limit must be non-negative integers")

func parseQuery(r *http.Request) (store.Query, error) {
	var q store.Query
	values := r.URL.Query()
	for name, dst := range map[string]*int64{"after": &q.After, "before": &q.Before} {
		if v := values.Get(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return store.Query{}, errBadQuery
			}
			*dst = n
		}
	}
	q.Forward = values.Has("after")
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return store.Query{}, errBadQuery
		}
		q.Limit = n
	}
	if q.Forward && values.Has("before") {
		return store.Query{}, errors.New("after and before are mutually exclusive")
	}
	return q, nil
}

type PresenceHandler struct {
	online OnlineLister
}

func NewPresenceHandler(online OnlineLister) *PresenceHandler {
	return &PresenceHandler{online: online}
}

func (h *PresenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ids := h.online.Online()
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, ids)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
