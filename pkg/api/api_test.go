package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mahaj/roomcast/pkg/auth"
	"github.com/mahaj/roomcast/pkg/directory"
	"github.com/mahaj/roomcast/pkg/model"
	"github.com/mahaj/roomcast/pkg/store"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

var (
	alice = model.User{ID: 1, Username: "alice"}
	bob   = model.User{ID: 2, Username: "bob"}
)

type onlineFunc func() []int64

func (f onlineFunc) Online() []int64 { return f() }

type fixture struct {
	mux    *http.ServeMux
	issuer *auth.Issuer
	store  *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	rooms, err := directory.ParseStatic("1:general,2:staff:1")
	require.NoError(t, err)
	backend, err := store.OpenBadger("")
	require.NoError(t, err)
	st := store.New(backend, rooms, log, 100)
	t.Cleanup(func() { st.Close() })

	issuer := auth.NewIssuer("test-secret", time.Hour)
	mux := http.NewServeMux()
	Routes(mux, issuer, rooms, st, 4, onlineFunc(func() []int64 { return []int64{1, 2} }), log)
	return &fixture{mux: mux, issuer: issuer, store: st}
}

func (f *fixture) get(t *testing.T, user *model.User, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if user != nil {
		token, err := f.issuer.GenerateToken(*user)
		require.NoError(t, err)
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func TestHistory(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	// Given five messages in general
	for _, body := range []string{"one", "two", "three", "four", "five"} {
		_, err := f.store.Append(ctx, 1, alice, body, nil)
		req.NoError(err)
	}

	tests := []struct {
		name string
		path string
		ids  []int64
	}{
		{name: "latest page oldest first", path: "/rooms/general/messages/?limit=3", ids: []int64{3, 4, 5}},
		{name: "by id", path: "/rooms/1/messages/?limit=10", ids: []int64{1, 2, 3, 4, 5}},
		{name: "default limit", path: "/rooms/general/messages/", ids: []int64{2, 3, 4, 5}},
		{name: "after", path: "/rooms/general/messages/?after=3", ids: []int64{4, 5}},
		{name: "after zero pages from the start", path: "/rooms/general/messages/?after=0&limit=2", ids: []int64{1, 2}},
		{name: "after the largest id", path: "/rooms/general/messages/?after=9223372036854775807", ids: []int64{}},
		{name: "before newest first", path: "/rooms/general/messages/?before=4&limit=2", ids: []int64{3, 2}},
		{name: "before the first", path: "/rooms/general/messages/?before=1", ids: []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.get(t, &bob, tt.path)
			require.Equal(t, http.StatusOK, w.Code)
			require.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var messages []model.Message
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &messages))
			got := make([]int64, 0, len(messages))
			for _, m := range messages {
				got = append(got, m.ID)
			}
			require.Equal(t, tt.ids, got)
		})
	}
}

func TestHistory_WireFormat(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	msg, err := f.store.Append(context.Background(), 1, alice, "hi", nil)
	req.NoError(err)

	w := f.get(t, &alice, "/rooms/general/messages/")

	var raw []map[string]any
	req.NoError(json.Unmarshal(w.Body.Bytes(), &raw))
	req.Len(raw, 1)
	req.Equal(float64(1), raw[0]["id"])
	req.Equal(float64(1), raw[0]["room_id"])
	req.Equal(float64(1), raw[0]["user_id"])
	req.Equal("alice", raw[0]["username"])
	req.Equal("hi", raw[0]["content"])
	req.Equal(msg.CreatedAt.Format(time.RFC3339Nano), raw[0]["timestamp"])
}

func TestHistory_Errors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		user *model.User
		path string
		code int
	}{
		{name: "no token", path: "/rooms/general/messages/", code: http.StatusUnauthorized},
		{name: "unknown room", user: &alice, path: "/rooms/nowhere/messages/", code: http.StatusNotFound},
		{name: "not a member", user: &bob, path: "/rooms/staff/messages/", code: http.StatusForbidden},
		{name: "bad limit", user: &alice, path: "/rooms/general/messages/?limit=x", code: http.StatusBadRequest},
		{name: "negative after", user: &alice, path: "/rooms/general/messages/?after=-1", code: http.StatusBadRequest},
		{name: "after and before", user: &alice, path: "/rooms/general/messages/?after=1&before=3", code: http.StatusBadRequest},
		{name: "after zero and before", user: &alice, path: "/rooms/general/messages/?after=0&before=3", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.code, f.get(t, tt.user, tt.path).Code)
		})
	}
}

func TestOnlineUsers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	w := f.get(t, &alice, "/users/online/")

	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`[1,2]`, w.Body.String())
	req.Equal("*", w.Header().Get("Access-Control-Allow-Origin"))
	req.Equal(http.StatusUnauthorized, f.get(t, nil, "/users/online/").Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, nil, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodOptions, "/rooms/general/messages/", nil)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}
