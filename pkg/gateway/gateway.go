package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/roomcast/pkg/broker"
	"github.com/mahaj/roomcast/pkg/model"
	"github.com/mahaj/roomcast/pkg/presence"
	"github.com/mahaj/roomcast/pkg/snowflake"
)

// Close codes sent when a handshake is refused.
const (
	CloseUnauthorized = 4401
	CloseNotMember    = 4403
	CloseRoomNotFound = 4404
)

var ErrShuttingDown = errors.New("server shutting down")

// Identity resolves a credential token into a user.
type Identity interface {
	Authenticate(ctx context.Context, token string) (model.User, error)
}

// RoomDirectory resolves room references and answers membership questions.
type RoomDirectory interface {
	Resolve(ctx context.Context, ref string) (model.Room, error)
	IsMember(ctx context.Context, userID, roomID int64) (bool, error)
}

// MessageStore is the durable log. onCommit runs in id order per room.
type MessageStore interface {
	Append(ctx context.Context, roomID int64, sender model.User, body string, onCommit func(model.Message)) (model.Message, error)
}

type RoomPolicy string

const (
	// PolicySwap moves a session to the new room.
	PolicySwap RoomPolicy = "swap"
	// PolicyReject refuses a second room with ErrAlreadySubscribedElsewhere.
	PolicyReject RoomPolicy = "reject"
)

type Options struct {
	SendBuffer   int
	MaxFrameSize int64
	RoomPolicy   RoomPolicy
	NodeID       int64
	StoreTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 64 << 10
	}
	if o.RoomPolicy == "" {
		o.RoomPolicy = PolicySwap
	}
	if o.NodeID == 0 {
		o.NodeID = 1
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	return o
}

// Gateway authenticates connections and owns every live session. It relays
// inbound messages to the store and committed messages to the broker.
type Gateway struct {
	identity Identity
	rooms    RoomDirectory
	store    MessageStore
	broker   *broker.Broker
	presence *presence.Registry
	ids      *snowflake.Node
	opts     Options
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
}

func New(identity Identity, rooms RoomDirectory, store MessageStore, b *broker.Broker, registry *presence.Registry, opts Options, log *slog.Logger) (*Gateway, error) {
	opts = opts.withDefaults()
	if opts.RoomPolicy != PolicySwap && opts.RoomPolicy != PolicyReject {
		return nil, fmt.Errorf("unknown room policy %q", opts.RoomPolicy)
	}
	ids, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("session ids: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		identity: identity,
		rooms:    rooms,
		store:    store,
		broker:   b,
		presence: registry,
		ids:      ids,
		opts:     opts,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*Session]struct{}),
	}, nil
}

// BroadcastPresence publishes every presence edge on the broker's presence
// topic.
func BroadcastPresence(b *broker.Broker) presence.Listener {
	return presence.ListenerFunc(func(s presence.Status) {
		b.Publish(broker.PresenceTopic, model.NewStatusFrame(s.UserID, s.Online).Encode())
	})
}

// AcceptRoom authenticates the token, checks the room and returns a live
// session subscribed to it. On failure conn is closed with a close code
// matching the error and nothing else changes.
func (g *Gateway) AcceptRoom(ctx context.Context, conn Conn, token, roomRef string) (*Session, error) {
	user, err := g.identity.Authenticate(ctx, token)
	if err != nil {
		return nil, g.reject(conn, err)
	}
	room, err := g.checkRoom(ctx, user, roomRef)
	if err != nil {
		return nil, g.reject(conn, err)
	}

	s, err := g.open(conn, user, ChannelRoom)
	if err != nil {
		return nil, err
	}
	if err := g.subscribe(s, room); err != nil {
		g.Teardown(s, err)
		return nil, err
	}
	return g.activate(s, "room_id", room.ID)
}

// AcceptStatus authenticates the token and returns a live session subscribed
// to the presence topic.
func (g *Gateway) AcceptStatus(ctx context.Context, conn Conn, token string) (*Session, error) {
	user, err := g.identity.Authenticate(ctx, token)
	if err != nil {
		return nil, g.reject(conn, err)
	}

	s := g.newSession(conn, user, ChannelStatus)
	if !g.track(s) {
		return nil, g.reject(conn, ErrShuttingDown)
	}
	// Subscribe first so the user's own online edge is delivered too.
	s.mu.Lock()
	if s.state == StateConnecting {
		g.broker.Subscribe(s, broker.PresenceTopic)
	}
	s.mu.Unlock()
	if err := g.connect(s); err != nil {
		g.Teardown(s, err)
		return nil, err
	}
	return g.activate(s)
}

func (g *Gateway) checkRoom(ctx context.Context, user model.User, ref string) (model.Room, error) {
	room, err := g.rooms.Resolve(ctx, ref)
	if err != nil {
		return model.Room{}, err
	}
	ok, err := g.rooms.IsMember(ctx, user.ID, room.ID)
	if err != nil {
		return model.Room{}, err
	}
	if !ok {
		return model.Room{}, fmt.Errorf("%w: user %d, room %d", model.ErrNotMember, user.ID, room.ID)
	}
	return room, nil
}

func (g *Gateway) newSession(conn Conn, user model.User, channel Channel) *Session {
	return &Session{
		ID:        g.ids.Generate(),
		User:      user,
		Channel:   channel,
		CreatedAt: time.Now().UTC(),
		gw:        g,
		conn:      conn,
		send:      make(chan []byte, g.opts.SendBuffer),
		done:      make(chan struct{}),
		state:     StateConnecting,
	}
}

// open creates and tracks a session and takes its presence slot.
func (g *Gateway) open(conn Conn, user model.User, channel Channel) (*Session, error) {
	s := g.newSession(conn, user, channel)
	if !g.track(s) {
		return nil, g.reject(conn, ErrShuttingDown)
	}
	if err := g.connect(s); err != nil {
		g.Teardown(s, err)
		return nil, err
	}
	return s, nil
}

func (g *Gateway) connect(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return model.ErrSessionClosed
	}
	g.presence.Connect(s.User.ID)
	s.counted = true
	return nil
}

func (g *Gateway) activate(s *Session, attrs ...any) (*Session, error) {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return nil, model.ErrSessionClosed
	}
	s.state = StateActive
	s.mu.Unlock()
	g.log.Info("Client registered", append([]any{"session", s.ID, "user_id", s.User.ID}, attrs...)...)
	return s, nil
}

func (g *Gateway) reject(conn Conn, err error) error {
	code, text := closeStatus(err)
	g.log.Info("Connection refused", "code", code, "error", err)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	conn.Close()
	return err
}

// Subscribe checks membership and subscribes the session to a room, applying
// the room policy when it is already in another one. Sockets accepted through
// Routes stay in their URL room; Subscribe is for in-process callers.
func (g *Gateway) Subscribe(ctx context.Context, s *Session, roomRef string) (model.Room, error) {
	room, err := g.checkRoom(ctx, s.User, roomRef)
	if err != nil {
		return model.Room{}, err
	}
	return room, g.subscribe(s, room)
}

func (g *Gateway) subscribe(s *Session, room model.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return model.ErrSessionClosed
	}
	switch {
	case s.room == nil:
		g.broker.Subscribe(s, broker.RoomTopic(room.ID))
	case s.room.ID == room.ID:
		return nil
	case g.opts.RoomPolicy == PolicyReject:
		return fmt.Errorf("%w: in room %d", model.ErrAlreadySubscribedElsewhere, s.room.ID)
	default:
		g.broker.Swap(s, broker.RoomTopic(s.room.ID), broker.RoomTopic(room.ID))
	}
	s.room = &room
	return nil
}

// Unsubscribe leaves the session's room. The session stays open.
func (g *Gateway) Unsubscribe(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return model.ErrNotSubscribed
	}
	g.broker.Unsubscribe(s, broker.RoomTopic(s.room.ID))
	s.room = nil
	return nil
}

// Send appends body to the session's room and publishes it once committed.
// Nothing is published when the append fails.
func (g *Gateway) Send(ctx context.Context, s *Session, body string) error {
	s.mu.Lock()
	state, room := s.state, s.room
	s.mu.Unlock()
	if state != StateActive {
		return model.ErrSessionClosed
	}
	if room == nil {
		return model.ErrNotSubscribed
	}

	_, err := g.store.Append(ctx, room.ID, s.User, body, func(msg model.Message) {
		n := g.broker.Publish(broker.RoomTopic(msg.RoomID), model.NewChatFrame(msg).Encode())
		g.log.Debug("Message published", "room_id", msg.RoomID, "id", msg.ID, "delivered", n)
	})
	return err
}

// Teardown releases everything the session holds, exactly once. reason
// selects the close code sent to the peer; nil means a normal close.
func (g *Gateway) Teardown(s *Session, reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		counted := s.counted
		s.room = nil
		s.mu.Unlock()

		g.broker.UnsubscribeAll(s)
		if counted {
			g.presence.Disconnect(s.User.ID)
		}
		g.untrack(s)
		close(s.done)

		code, text := closeStatus(reason)
		s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
		s.conn.Close()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		g.log.Info("Client unregistered", "session", s.ID, "user_id", s.User.ID, "code", code)
	})
}

func (g *Gateway) track(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.sessions[s] = struct{}{}
	return true
}

func (g *Gateway) untrack(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, s)
}

// SessionCount returns the number of tracked sessions.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown refuses new connections and closes every session with 1001.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	sessions := make([]*Session, 0, len(g.sessions))
	for s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()
	defer g.cancel()

	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.Teardown(s, ErrShuttingDown)
	}
	return nil
}

func closeStatus(reason error) (int, string) {
	switch {
	case reason == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(reason, model.ErrUnauthorized):
		return CloseUnauthorized, "unauthorized"
	case errors.Is(reason, model.ErrNotMember):
		return CloseNotMember, "not a member"
	case errors.Is(reason, model.ErrRoomNotFound):
		return CloseRoomNotFound, "room not found"
	case errors.Is(reason, model.ErrSlowConsumer):
		return websocket.ClosePolicyViolation, "slow consumer"
	case errors.Is(reason, ErrShuttingDown):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}
