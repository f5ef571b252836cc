// Package hub routes session messages between participants. Each session has
// a room; each participant connection walks the state machine
// Connecting -> Joined -> Active -> Disconnected. Disconnected is terminal: a
// reconnect is a brand-new connection that re-runs the join handshake and
// receives a fresh init snapshot.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mentorhub/codesession/internal/session"
	"github.com/mentorhub/codesession/internal/wire"
)

const (
	DefaultHeartbeatInterval = 20 * time.Second

	// sendQueueSize bounds the per-connection outbound queue. A participant
	// that cannot drain it is disconnected rather than allowed to stall the
	// rest of the room.
	sendQueueSize = 64
)

type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type JoinRequest struct {
	SessionID     string
	ParticipantID string
	Role          session.Role
	Token         string
}

// Authorizer approves a participant before the hub transitions it to Joined.
// Identity verification and session membership live outside this service;
// this is the seam they plug into.
type Authorizer interface {
	Authorize(ctx context.Context, req JoinRequest) error
}

// AllowAll trusts the caller-supplied identity. Suitable behind a gateway
// that has already authenticated the participant.
type AllowAll struct{}

func (AllowAll) Authorize(_ context.Context, req JoinRequest) error {
	return validateJoin(req)
}

// StaticToken additionally requires a shared bearer token.
type StaticToken struct {
	Token string
}

func (a StaticToken) Authorize(_ context.Context, req JoinRequest) error {
	if err := validateJoin(req); err != nil {
		return err
	}
	if req.Token != a.Token {
		return errors.New("invalid token")
	}
	return nil
}

func validateJoin(req JoinRequest) error {
	if req.SessionID == "" {
		return errors.New("missing session id")
	}
	if req.ParticipantID == "" {
		return errors.New("missing participant id")
	}
	if req.Role != session.RoleMentor && req.Role != session.RoleMentee {
		return fmt.Errorf("unknown role %q", req.Role)
	}
	return nil
}

type Hub struct {
	store     session.Store
	auth      Authorizer
	logger    *log.Logger
	heartbeat time.Duration

	mu    sync.Mutex
	rooms map[string]*room
}

type Config struct {
	Store             session.Store
	Authorizer        Authorizer
	Logger            *log.Logger
	HeartbeatInterval time.Duration
}

func New(cfg Config) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Hub{
		store:     cfg.Store,
		auth:      cfg.Authorizer,
		logger:    cfg.Logger.With("component", "hub"),
		heartbeat: cfg.HeartbeatInterval,
		rooms:     map[string]*room{},
	}, nil
}

type room struct {
	sessionID string

	mu    sync.Mutex
	conns map[string]*Conn
}

// Conn is one participant connection. It is discarded on disconnect.
type Conn struct {
	id            string
	sessionID     string
	participantID string
	role          session.Role

	hub       *Hub
	room      *room
	transport Transport
	logger    *log.Logger

	state   atomic.Int32
	initRev atomic.Uint64
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) ParticipantID() string { return c.participantID }
func (c *Conn) State() State          { return State(c.state.Load()) }
func (c *Conn) Done() <-chan struct{} { return c.done }

// Attach runs the join handshake for a new transport and, on success, starts
// the connection's read and write pumps. The returned Conn is Active and
// has already been sent its init snapshot.
func (h *Hub) Attach(ctx context.Context, t Transport, req JoinRequest) (*Conn, error) {
	c := &Conn{
		id:            newConnID(),
		sessionID:     req.SessionID,
		participantID: req.ParticipantID,
		role:          req.Role,
		hub:           h,
		transport:     t,
		send:          make(chan []byte, sendQueueSize),
		done:          make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.logger = h.logger.With("conn_id", c.id, "session_id", req.SessionID, "participant_id", req.ParticipantID)

	if err := h.auth.Authorize(ctx, req); err != nil {
		_ = writeFrame(t, wire.Error{Kind: wire.KindUnauthorized, Message: err.Error()})
		_ = t.Close()
		return nil, fmt.Errorf("authorize: %w", err)
	}

	if err := h.store.AddParticipant(ctx, req.SessionID, req.ParticipantID, req.Role); err != nil {
		_ = writeFrame(t, wire.Error{Kind: wire.KindSessionNotFound, Message: err.Error()})
		_ = t.Close()
		return nil, fmt.Errorf("add participant: %w", err)
	}

	c.room = h.roomFor(req.SessionID)
	c.state.Store(int32(StateJoined))

	snap, err := c.room.join(ctx, h.store, c)
	if err != nil {
		_ = h.store.RemoveParticipant(ctx, req.SessionID, req.ParticipantID)
		_ = writeFrame(t, wire.Error{Kind: wire.KindSessionNotFound, Message: err.Error()})
		_ = t.Close()
		h.dropRoomIfEmpty(c.room)
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	// The init snapshot bootstraps the participant without replaying
	// history; it is written before the pumps start so nothing can be
	// delivered ahead of it. Updates applied while it is in flight queue on
	// the send channel and drain afterwards.
	if err := writeFrame(t, wire.Init{Code: snap.Code, Language: snap.Language, Revision: snap.Revision}); err != nil {
		c.disconnect("init write failed")
		return nil, fmt.Errorf("send init: %w", err)
	}
	c.state.Store(int32(StateActive))
	c.logger.Info("participant joined", "role", req.Role, "revision", snap.Revision)

	h.broadcastPresence(c.room)

	go c.writePump()
	go c.readPump()
	return c, nil
}

func (h *Hub) roomFor(sessionID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sessionID]
	if !ok {
		r = &room{sessionID: sessionID, conns: map[string]*Conn{}}
		h.rooms[sessionID] = r
	}
	return r
}

func (h *Hub) dropRoomIfEmpty(r *room) {
	r.mu.Lock()
	empty := len(r.conns) == 0
	r.mu.Unlock()
	if !empty {
		return
	}
	h.mu.Lock()
	if existing, ok := h.rooms[r.sessionID]; ok && existing == r {
		delete(h.rooms, r.sessionID)
	}
	h.mu.Unlock()
}

// join installs the connection and snapshots the session while holding the
// room lock, so no broadcast can land between the two. Every update applied
// before the snapshot is inside it; every update applied after reaches the
// new connection as a queued frame, filtered against the init revision in
// enqueue.
func (r *room) join(ctx context.Context, store session.Store, c *Conn) (session.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := store.Snapshot(ctx, c.sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	c.initRev.Store(snap.Revision)
	r.conns[c.id] = c
	return snap, nil
}

func (r *room) remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.id)
}

func (r *room) others(exclude *Conn) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if exclude != nil && c.id == exclude.id {
			continue
		}
		out = append(out, c)
	}
	return out
}

// broadcast enqueues frame on every connection in the room except exclude.
// Pass a nil exclude to reach everyone; revision is the store revision the
// frame carries, or zero for unrevisioned frames like presence.
func (r *room) broadcast(frame []byte, revision uint64, exclude *Conn) {
	for _, c := range r.others(exclude) {
		c.enqueue(frame, revision)
	}
}

func (r *room) hasParticipant(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.participantID == participantID {
			return true
		}
	}
	return false
}

func (h *Hub) broadcastPresence(r *room) {
	snap, err := h.store.Snapshot(context.Background(), r.sessionID)
	if err != nil {
		return
	}
	participants := make([]wire.ParticipantInfo, len(snap.Participants))
	for i, p := range snap.Participants {
		participants[i] = wire.ParticipantInfo{ID: p.ID, Role: string(p.Role)}
	}
	frame, err := wire.Encode(wire.Presence{Participants: participants})
	if err != nil {
		return
	}
	r.broadcast(frame, 0, nil)
}

func (c *Conn) readPump() {
	defer c.disconnect("transport closed")

	for {
		_ = c.transport.SetReadDeadline(time.Now().Add(2 * c.hub.heartbeat))
		raw, err := c.transport.ReadMessage()
		if err != nil {
			return
		}

		msg, err := wire.Decode(raw)
		if err != nil {
			// A single bad frame must not take down a healthy session.
			c.logger.Warn("dropping malformed message", "err", err)
			continue
		}

		switch m := msg.(type) {
		case wire.CodeUpdate:
			if !c.handleCodeUpdate(m) {
				return
			}
		case wire.LanguageUpdate:
			if !c.handleLanguageUpdate(m) {
				return
			}
		default:
			c.logger.Warn("dropping unexpected message", "type", msg.MessageType())
		}
	}
}

// handleCodeUpdate applies the edit and fans it out to every other active
// connection. The originator is never echoed its own update. Returns false
// when the connection must terminate.
func (c *Conn) handleCodeUpdate(m wire.CodeUpdate) bool {
	rev, err := c.hub.store.Apply(context.Background(), c.sessionID, session.SetCode(m.Code))
	if err != nil {
		return !c.failApply(err)
	}

	frame, err := wire.Encode(wire.CodeUpdate{Code: m.Code, UserID: c.participantID, Revision: rev})
	if err != nil {
		c.logger.Error("encode code_update", "err", err)
		return true
	}
	c.room.broadcast(frame, rev, c)
	return true
}

// handleLanguageUpdate applies the change and rebroadcasts to everyone,
// originator included; language state is small and idempotent to re-apply.
func (c *Conn) handleLanguageUpdate(m wire.LanguageUpdate) bool {
	rev, err := c.hub.store.Apply(context.Background(), c.sessionID, session.SetLanguage(m.Language))
	if err != nil {
		return !c.failApply(err)
	}

	frame, err := wire.Encode(wire.LanguageUpdate{Language: m.Language, Revision: rev})
	if err != nil {
		c.logger.Error("encode language_update", "err", err)
		return true
	}
	c.room.broadcast(frame, rev, nil)
	return true
}

// failApply reports whether the connection should terminate because the
// session disappeared mid-flight. Only this connection is affected; there is
// no retry.
func (c *Conn) failApply(err error) bool {
	if errors.Is(err, session.ErrSessionNotFound) {
		frame, encErr := wire.Encode(wire.Error{Kind: wire.KindSessionNotFound, Message: "session was torn down"})
		if encErr == nil {
			_ = c.transport.WriteMessage(frame)
		}
		c.disconnect("session torn down")
		return true
	}
	c.logger.Error("apply failed", "err", err)
	return false
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.transport.WriteMessage(frame); err != nil {
				c.disconnect("write failed")
				return
			}
		case <-ticker.C:
			if err := c.transport.Ping(); err != nil {
				c.disconnect("heartbeat failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) enqueue(frame []byte, revision uint64) {
	switch c.State() {
	case StateJoined, StateActive:
	default:
		return
	}
	// Revisions the join snapshot already covered are not re-delivered; a
	// raced rebroadcast could otherwise roll the joiner's buffer backwards.
	if revision != 0 && revision <= c.initRev.Load() {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("send queue full, dropping connection")
		c.disconnect("send queue overflow")
	}
}

func (c *Conn) disconnect(reason string) {
	c.once.Do(func() {
		c.state.Store(int32(StateDisconnected))
		close(c.done)
		_ = c.transport.Close()

		c.room.remove(c)
		// The roster entry is shared by every connection carrying this
		// participant id; it goes away with the last one.
		if !c.room.hasParticipant(c.participantID) {
			_ = c.hub.store.RemoveParticipant(context.Background(), c.sessionID, c.participantID)
		}
		c.hub.broadcastPresence(c.room)
		c.hub.dropRoomIfEmpty(c.room)

		c.logger.Info("participant disconnected", "reason", reason)
	})
}

func writeFrame(t Transport, msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return t.WriteMessage(frame)
}
