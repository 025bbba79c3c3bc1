package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/mahaj/roomcast/pkg/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// Routes registers the websocket endpoints:
//
//	GET /ws/chat/{room}/   room channel, room is a name or numeric id
//	GET /ws/status/        presence channel
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/chat/{room}/{$}", g.serveRoom)
	mux.HandleFunc("GET /ws/status/{$}", g.serveStatus)
}

// The handshake is upgraded before authentication so refusals can carry a
// close code.
func (g *Gateway) serveRoom(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("Upgrade failed", "error", err)
		return
	}
	s, err := g.AcceptRoom(r.Context(), conn, auth.TokenFromRequest(r), r.PathValue("room"))
	if err != nil {
		return
	}
	s.Start()
}

func (g *Gateway) serveStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("Upgrade failed", "error", err)
		return
	}
	s, err := g.AcceptStatus(r.Context(), conn, auth.TokenFromRequest(r))
	if err != nil {
		return
	}
	s.Start()
}
