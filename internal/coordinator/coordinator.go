// Package coordinator runs the live side of a session: one goroutine
// per open session owns its authoritative state, applies mutations in
// arrival order, fans broadcasts out to connected players, and writes
// the record behind a debounce. Everything a room goroutine owns is
// reached through its inbox, so the state needs no locks.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adewale/keyboardia-sub010/internal/store"
)

var (
	// ErrSessionFull is returned by Join when the session already has
	// the maximum number of connected players.
	ErrSessionFull = errors.New("session is full")
	// ErrClosed is returned once the registry has begun shutting down.
	ErrClosed = errors.New("coordinator is shutting down")
)

// SampleCatalog answers whether a sample id is known. Mutations that
// reference an unknown sample are rewritten to the default sample
// before they apply, so every client resolves the same audio.
type SampleCatalog interface {
	Has(id string) bool
}

// Config tunes room behavior. Zero values fall back to defaults.
type Config struct {
	// FlushInterval is the write-behind debounce: after a mutation
	// dirties the state, the room waits this long for further edits
	// before saving.
	FlushInterval time.Duration
	// MaxPlayers caps concurrent connections per session.
	MaxPlayers int
	// InboxSize bounds each room's command queue.
	InboxSize int
	// OutboxSize bounds each player's outbound frame queue. A player
	// whose queue overflows is disconnected.
	OutboxSize int
	// SaveTimeout bounds each store write.
	SaveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 3 * time.Second
	}
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = 10
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 64
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 10 * time.Second
	}
	return c
}

// Registry tracks the live rooms, one per session with at least one
// connected player. Rooms hydrate from the store on first join and
// retire once empty and flushed.
type Registry struct {
	store store.SessionStore
	cfg   Config

	// Catalog, when set, validates sample ids on mutations that carry one.
	// OnSaved, when set, runs after every durable save, off the room
	// goroutine. Both must be assigned before the first Join.
	Catalog SampleCatalog
	OnSaved func(*store.SessionRecord)

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func NewRegistry(st store.SessionStore, cfg Config) *Registry {
	return &Registry{
		store: st,
		cfg:   cfg.withDefaults(),
		rooms: make(map[string]*Room),
	}
}

// room returns the live room for the record, starting one when none
// exists. The caller's record only seeds a fresh room; a running room
// keeps its own authoritative copy.
func (reg *Registry) attach(id string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return nil, false
	}
	rm, ok := reg.rooms[id]
	return rm, ok
}

func (reg *Registry) create(rec *store.SessionRecord) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return nil, ErrClosed
	}
	if rm, ok := reg.rooms[rec.ID]; ok {
		return rm, nil
	}
	rm := newRoom(rec.Clone(), reg.store, reg.Catalog, reg.cfg, reg.OnSaved)
	rm.onExit = func(gone *Room) { reg.drop(rec.ID, gone) }
	reg.rooms[rec.ID] = rm
	go rm.run()
	return rm, nil
}

func (reg *Registry) drop(id string, gone *Room) {
	reg.mu.Lock()
	if reg.rooms[id] == gone {
		delete(reg.rooms, id)
	}
	reg.mu.Unlock()
}

// Join connects a player to the session's room, creating the room when
// the session is not yet live. It returns the assigned player id and
// the room the caller dispatches frames to.
//
// A new room always boots from a fresh store load rather than from rec:
// the caller's copy may predate the final flush of a room that retired
// after the caller loaded it. rec only identifies the session.
func (reg *Registry) Join(ctx context.Context, rec *store.SessionRecord, conn Conn, name string) (string, *Room, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rm, ok := reg.attach(rec.ID)
		if !ok {
			fresh, err := reg.store.Load(ctx, rec.ID)
			if err != nil {
				return "", nil, fmt.Errorf("join session: %w", err)
			}
			if rm, err = reg.create(fresh); err != nil {
				return "", nil, err
			}
		}
		reply := make(chan joinReply, 1)
		if rm.post(joinCmd{conn: conn, name: name, reply: reply}) {
			select {
			case rep := <-reply:
				return rep.playerID, rm, rep.err
			case <-rm.done:
			case <-ctx.Done():
				return "", nil, ctx.Err()
			}
		}
		// The room exited before answering. Drop it and retry against
		// whatever its final flush left in the store.
		reg.drop(rec.ID, rm)
	}
	return "", nil, fmt.Errorf("session %s: join kept racing room retirement", rec.ID)
}

// Publish freezes the session. A live room flushes pending edits
// first; without one the store record is already current.
func (reg *Registry) Publish(ctx context.Context, id string) error {
	reg.mu.Lock()
	rm := reg.rooms[id]
	reg.mu.Unlock()
	if rm != nil {
		reply := make(chan error, 1)
		if rm.post(publishCmd{reply: reply}) {
			select {
			case err := <-reply:
				return err
			case <-rm.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return reg.store.SetImmutable(ctx, id)
}

// Debug reports the live room's internals, or false when the session
// is not live.
func (reg *Registry) Debug(id string) (DebugInfo, bool) {
	reg.mu.Lock()
	rm := reg.rooms[id]
	reg.mu.Unlock()
	if rm == nil {
		return DebugInfo{}, false
	}
	reply := make(chan DebugInfo, 1)
	if !rm.post(debugCmd{reply: reply}) {
		return DebugInfo{}, false
	}
	select {
	case info := <-reply:
		return info, true
	case <-rm.done:
		return DebugInfo{}, false
	}
}

// LiveCount reports how many sessions currently have a running room.
func (reg *Registry) LiveCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Shutdown retires every room, flushing dirty state. New joins are
// rejected from the moment it is called.
func (reg *Registry) Shutdown(ctx context.Context) error {
	reg.mu.Lock()
	reg.closed = true
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, rm := range reg.rooms {
		rooms = append(rooms, rm)
	}
	reg.mu.Unlock()

	for _, rm := range rooms {
		rm.post(shutdownCmd{})
	}
	for _, rm := range rooms {
		select {
		case <-rm.done:
		case <-ctx.Done():
			return fmt.Errorf("drain rooms: %w", ctx.Err())
		}
	}
	return nil
}

// HandleWS runs the whole lifetime of one websocket client against a
// session: join, pump frames into the room, leave when the socket
// drops. It blocks until the connection is gone.
func (reg *Registry) HandleWS(ctx context.Context, rec *store.SessionRecord, sock *websocket.Conn, name string) error {
	conn := NewWSConn(sock, reg.cfg.OutboxSize)
	go conn.WritePump()
	playerID, rm, err := reg.Join(ctx, rec, conn, name)
	if err != nil {
		conn.Close()
		return err
	}
	conn.ReadPump(func(frame []byte) { rm.Dispatch(playerID, frame) })
	rm.Leave(playerID)
	return nil
}
