package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/roomcast/pkg/model"
	"github.com/mahaj/roomcast/pkg/snowflake"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

type Channel int

const (
	ChannelRoom Channel = iota
	ChannelStatus
)

// Session is a middleman between one websocket connection and the broker.
type Session struct {
	ID        snowflake.ID
	User      model.User
	Channel   Channel
	CreatedAt time.Time

	gw   *Gateway
	conn Conn

	// Buffered channel of outbound frames. Only writePump reads it.
	send chan []byte
	// Closed once at teardown.
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	state   State
	room    *model.Room
	counted bool
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the room the session is subscribed to.
func (s *Session) Room() (model.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return model.Room{}, false
	}
	return *s.room, true
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Enqueue implements broker.Subscriber. Frames offered after teardown are
// discarded.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Kick implements broker.Subscriber. Teardown runs on its own goroutine since
// the caller may hold broker or presence locks.
func (s *Session) Kick(reason error) {
	go s.gw.Teardown(s, reason)
}

// reply sends a frame to this session only.
func (s *Session) reply(frame []byte) {
	if !s.Enqueue(frame) {
		s.Kick(model.ErrSlowConsumer)
	}
}

// Start runs the pumps. It returns immediately; the session tears itself down
// when either pump stops.
func (s *Session) Start() {
	go s.writePump()
	go s.readPump()
}

// readPump pumps frames from the websocket connection to the gateway.
func (s *Session) readPump() {
	var reason error
	defer func() {
		s.gw.Teardown(s, reason)
	}()
	s.conn.SetReadLimit(s.gw.opts.MaxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				select {
				case <-s.done:
				default:
					s.gw.log.Debug("Read failed", "session", s.ID, "error", err)
					reason = err
				}
			}
			return
		}
		s.handle(data)
	}
}

func (s *Session) handle(data []byte) {
	if s.Channel == ChannelStatus {
		s.gw.log.Debug("Ignoring frame on status channel", "session", s.ID)
		return
	}
	body, err := model.ParseInbound(data)
	if err == nil {
		ctx, cancel := context.WithTimeout(s.gw.ctx, s.gw.opts.StoreTimeout)
		err = s.gw.Send(ctx, s, body)
		cancel()
	}
	if err != nil {
		if errors.Is(err, model.ErrSessionClosed) {
			return
		}
		s.gw.log.Debug("Rejected frame", "session", s.ID, "user_id", s.User.ID, "error", err)
		s.reply(model.NewErrorFrame(err).Encode())
	}
}

// writePump pumps frames from the session queue to the websocket connection.
// One frame is one websocket message.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.gw.Teardown(s, err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.gw.Teardown(s, err)
				return
			}
		}
	}
}
