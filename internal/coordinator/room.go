package coordinator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/adewale/keyboardia-sub010/internal/engine"
	"github.com/adewale/keyboardia-sub010/internal/protocol"
	"github.com/adewale/keyboardia-sub010/internal/session"
	"github.com/adewale/keyboardia-sub010/internal/store"
	"github.com/adewale/keyboardia-sub010/internal/util"
)

// Room is the single goroutine that owns one live session. All access
// to the record, the player list, and the sequence counter happens on
// the run loop; other goroutines talk to it through the inbox.
type Room struct {
	id      string
	store   store.SessionStore
	catalog SampleCatalog
	cfg     Config
	onSaved func(*store.SessionRecord)
	onExit  func(*Room)

	inbox chan command
	done  chan struct{}

	// Owned by run. Never touched from outside the loop.
	record    *store.SessionRecord
	players   []*player
	joinOrder int
	serverSeq uint64

	dirty      bool
	flushTimer *time.Timer
	timerSet   bool
	saving     bool
	saveDone   chan saveResult
	lastSaved  time.Time
	exiting    bool
}

type player struct {
	conn Conn
	info session.PlayerInfo
}

type command interface{}

type joinCmd struct {
	conn  Conn
	name  string
	reply chan joinReply
}

type joinReply struct {
	playerID string
	err      error
}

type leaveCmd struct{ playerID string }

type frameCmd struct {
	playerID string
	data     []byte
}

type publishCmd struct{ reply chan error }

type debugCmd struct{ reply chan DebugInfo }

type shutdownCmd struct{}

type saveResult struct{ err error }

// DebugInfo is the live room's self-report for the debug endpoint.
type DebugInfo struct {
	SessionID  string                  `json:"sessionId"`
	Name       string                  `json:"name"`
	Immutable  bool                    `json:"immutable"`
	Players    []session.PlayerInfo    `json:"players"`
	ServerSeq  uint64                  `json:"serverSeq"`
	Version    uint64                  `json:"version"`
	Tempo      float64                 `json:"tempo"`
	Swing      float64                 `json:"swing"`
	TrackCount int                     `json:"trackCount"`
	Dirty      bool                    `json:"dirty"`
	Saving     bool                    `json:"saving"`
	LastSaved  time.Time               `json:"lastSaved"`
	InboxDepth int                     `json:"inboxDepth"`
	Invariants session.InvariantReport `json:"invariants"`
}

func newRoom(rec *store.SessionRecord, st store.SessionStore, catalog SampleCatalog, cfg Config, onSaved func(*store.SessionRecord)) *Room {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return &Room{
		id:         rec.ID,
		store:      st,
		catalog:    catalog,
		cfg:        cfg,
		onSaved:    onSaved,
		inbox:      make(chan command, cfg.InboxSize),
		done:       make(chan struct{}),
		record:     rec,
		flushTimer: timer,
		saveDone:   make(chan saveResult, 1),
	}
}

// Dispatch hands a raw inbound frame to the room.
func (r *Room) Dispatch(playerID string, frame []byte) {
	r.post(frameCmd{playerID: playerID, data: frame})
}

// Leave disconnects a player. Safe to call after the room has retired.
func (r *Room) Leave(playerID string) {
	r.post(leaveCmd{playerID: playerID})
}

// post delivers a command unless the room has exited.
func (r *Room) post(cmd command) bool {
	select {
	case r.inbox <- cmd:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) run() {
	defer func() {
		if r.onExit != nil {
			r.onExit(r)
		}
		close(r.done)
	}()
	for {
		select {
		case cmd := <-r.inbox:
			if r.handle(cmd) {
				return
			}
			// A broadcast may have dropped the last slow player, so the
			// retire check runs after every command, not just leaves.
			if r.retireIfIdle() {
				return
			}
		case <-r.flushTimer.C:
			r.timerSet = false
			r.beginSave()
		case res := <-r.saveDone:
			r.finishSave(res)
			if r.exiting && !r.saving && !r.dirty && len(r.players) == 0 {
				return
			}
		}
	}
}

// retireIfIdle decides what happens once the room is empty: retire
// immediately when nothing is pending, otherwise flush first and let
// the saveDone arm finish the retirement.
func (r *Room) retireIfIdle() bool {
	if len(r.players) > 0 || r.joinOrder == 0 {
		return false
	}
	if !r.dirty && !r.saving {
		return true
	}
	r.exiting = true
	if r.dirty && !r.saving {
		r.beginSave()
	}
	return false
}

// handle processes one command; true means the room should retire.
func (r *Room) handle(cmd command) bool {
	switch c := cmd.(type) {
	case joinCmd:
		r.handleJoin(c)
	case leaveCmd:
		return r.handleLeave(c.playerID)
	case frameCmd:
		r.handleFrame(c)
	case publishCmd:
		c.reply <- r.handlePublish()
	case debugCmd:
		c.reply <- r.debugInfo()
	case shutdownCmd:
		r.handleShutdown()
		return true
	}
	return false
}

func (r *Room) handleJoin(cmd joinCmd) {
	if len(r.players) >= r.cfg.MaxPlayers {
		if data, err := protocol.Encode(protocol.NewError(protocol.CodeSessionFull, "session is full")); err == nil {
			cmd.conn.Enqueue(data)
		}
		cmd.conn.Close()
		cmd.reply <- joinReply{err: ErrSessionFull}
		return
	}
	r.exiting = false
	now := time.Now().UTC()
	info := session.PlayerInfo{
		ID:            util.NewID("plr"),
		Name:          session.TruncateName(cmd.name, session.MaxPlayerNameLen),
		ConnectedAt:   now,
		LastMessageAt: now,
	}
	session.AssignIdentity(&info, r.joinOrder)
	r.joinOrder++

	p := &player{conn: cmd.conn, info: info}
	r.players = append(r.players, p)

	// Snapshot first, so everything that follows is a delta on a known
	// base. The join announcement goes to the others only; the snapshot
	// already lists the new player.
	r.sendTo(p, r.snapshot(info.ID))
	r.broadcastExcept(protocol.NewPlayerJoined(info, r.serverSeq), info.ID)
	log.Printf("coordinator: session %s: player %s joined (%d connected)", r.id, info.ID, len(r.players))
	cmd.reply <- joinReply{playerID: info.ID}
}

func (r *Room) handleLeave(playerID string) bool {
	if !r.removePlayer(playerID) {
		return false
	}
	return r.retireIfIdle()
}

func (r *Room) removePlayer(playerID string) bool {
	for i, p := range r.players {
		if p.info.ID != playerID {
			continue
		}
		r.players = append(r.players[:i], r.players[i+1:]...)
		p.conn.Close()
		r.broadcast(protocol.NewPlayerLeft(playerID, r.serverSeq))
		log.Printf("coordinator: session %s: player %s left (%d connected)", r.id, playerID, len(r.players))
		return true
	}
	return false
}

func (r *Room) handleFrame(cmd frameCmd) {
	p := r.find(cmd.playerID)
	if p == nil {
		return
	}
	p.info.LastMessageAt = time.Now().UTC()
	p.info.MessageCount++

	msg, err := protocol.Decode(cmd.data)
	if err != nil {
		code := protocol.CodeBadMessage
		if errors.Is(err, protocol.ErrUnknownType) {
			code = protocol.CodeUnknownType
		}
		r.sendTo(p, protocol.NewError(code, err.Error()))
		return
	}

	switch m := msg.(type) {
	case *protocol.Resync:
		r.sendTo(p, r.snapshot(p.info.ID))
		return
	case *protocol.Join:
		r.sendTo(p, protocol.NewError(protocol.CodeBadMessage, "join is negotiated on connect"))
		return
	case *protocol.SessionRenamed:
		r.applyRename(p, m)
		return
	}

	mut, ok := msg.(protocol.Mutating)
	if !ok {
		r.sendTo(p, protocol.NewError(protocol.CodeBadMessage, "clients do not send "+string(msg.MessageType())))
		return
	}
	if r.record.Immutable {
		r.sendTo(p, protocol.NewError(protocol.CodePublished, "session is published"))
		return
	}
	// Unknown sample ids fall back to the default so every client can
	// resolve the sound. Empty ids pass through; the handlers decide
	// what empty means for each type.
	if r.catalog != nil {
		switch m := mut.(type) {
		case *protocol.TrackSampleSet:
			if m.SampleID != "" && !r.catalog.Has(m.SampleID) {
				m.SampleID = session.DefaultSampleID
			}
		case *protocol.AddTrack:
			if m.SampleID != "" && !r.catalog.Has(m.SampleID) {
				m.SampleID = session.DefaultSampleID
			}
		}
	}

	r.serverSeq++
	res := r.apply(mut, p.info.ID)
	if res.Broadcast == nil {
		return
	}
	r.broadcast(res.Broadcast)
	if res.Persist {
		r.markDirty()
	}
}

// apply runs the engine with the loop shielded from handler panics. A
// panic can leave the state half-mutated, so every client is resynced
// from whatever the state now is.
func (r *Room) apply(mut protocol.Mutating, playerID string) (res engine.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("coordinator: session %s: %s handler panic: %v", r.id, mut.MessageType(), rec)
			res = engine.Result{}
			r.resyncAll()
		}
	}()
	return engine.Apply(&r.record.State, mut, playerID, r.serverSeq)
}

// session_renamed mutates the record envelope, not the state document,
// so it is applied here rather than in the engine.
func (r *Room) applyRename(p *player, m *protocol.SessionRenamed) {
	if r.record.Immutable {
		r.sendTo(p, protocol.NewError(protocol.CodePublished, "session is published"))
		return
	}
	m.Name = session.TruncateName(m.Name, session.MaxSessionNameLen)
	r.record.Name = m.Name
	r.serverSeq++
	m.Stamp(p.info.ID, m.MutationSeq(), r.serverSeq)
	r.broadcast(m)
	r.markDirty()
}

func (r *Room) handlePublish() error {
	if r.record.Immutable {
		return nil
	}
	r.drainSave()
	if r.dirty {
		if err := r.saveNow(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SaveTimeout)
	defer cancel()
	if err := r.store.SetImmutable(ctx, r.id); err != nil {
		return err
	}
	r.record.Immutable = true
	log.Printf("coordinator: session %s published", r.id)
	// Fresh snapshots flip connected clients read-only.
	r.resyncAll()
	return nil
}

// resyncAll sends each player a snapshot addressed to them. Snapshots
// are per-recipient, so this cannot share one encode the way broadcast
// does. The copy shields the loop from dropSlow shrinking the list.
func (r *Room) resyncAll() {
	for _, p := range append([]*player(nil), r.players...) {
		if r.find(p.info.ID) != nil {
			r.sendTo(p, r.snapshot(p.info.ID))
		}
	}
}

func (r *Room) handleShutdown() {
	r.drainSave()
	if r.dirty && !r.record.Immutable {
		if err := r.saveNow(); err != nil {
			log.Printf("coordinator: session %s: final save: %v", r.id, err)
		}
	}
	for _, p := range r.players {
		p.conn.Close()
	}
	r.players = nil
}

func (r *Room) debugInfo() DebugInfo {
	players := make([]session.PlayerInfo, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, p.info)
	}
	return DebugInfo{
		SessionID:  r.id,
		Name:       r.record.Name,
		Immutable:  r.record.Immutable,
		Players:    players,
		ServerSeq:  r.serverSeq,
		Version:    r.record.State.Version,
		Tempo:      r.record.State.Tempo,
		Swing:      r.record.State.Swing,
		TrackCount: len(r.record.State.Tracks),
		Dirty:      r.dirty,
		Saving:     r.saving,
		LastSaved:  r.lastSaved,
		InboxDepth: len(r.inbox),
		Invariants: session.CheckInvariants(&r.record.State),
	}
}

func (r *Room) find(playerID string) *player {
	for _, p := range r.players {
		if p.info.ID == playerID {
			return p
		}
	}
	return nil
}

func (r *Room) snapshot(recipientID string) *protocol.Snapshot {
	players := make([]session.PlayerInfo, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, p.info)
	}
	return protocol.NewSnapshot(recipientID, r.record.Name, r.record.Immutable, r.record.State, players, r.serverSeq)
}

// sendTo encodes and queues a message for one player. Like broadcasts,
// the encoding happens before the loop touches state again, so messages
// may alias state-owned slices.
func (r *Room) sendTo(p *player, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("coordinator: session %s: encode %s: %v", r.id, msg.MessageType(), err)
		return
	}
	if !p.conn.Enqueue(data) {
		r.dropSlow(p.info.ID)
	}
}

func (r *Room) broadcast(msg protocol.Message) {
	r.broadcastExcept(msg, "")
}

func (r *Room) broadcastExcept(msg protocol.Message, skipID string) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("coordinator: session %s: encode %s: %v", r.id, msg.MessageType(), err)
		return
	}
	var lost []string
	for _, p := range r.players {
		if p.info.ID == skipID {
			continue
		}
		if !p.conn.Enqueue(data) {
			lost = append(lost, p.info.ID)
		}
	}
	for _, id := range lost {
		r.dropSlow(id)
	}
}

// dropSlow disconnects a player whose outbox overflowed. A client that
// far behind would render stale state; it reconnects and resyncs from
// a snapshot instead.
func (r *Room) dropSlow(playerID string) {
	log.Printf("coordinator: session %s: player %s outbox full, disconnecting", r.id, playerID)
	r.removePlayer(playerID)
}

func (r *Room) markDirty() {
	r.record.UpdatedAt = time.Now().UTC()
	r.dirty = true
	if !r.saving {
		r.armFlush()
	}
}

func (r *Room) armFlush() {
	if r.timerSet {
		return
	}
	r.flushTimer.Reset(r.cfg.FlushInterval)
	r.timerSet = true
}

// beginSave starts the one in-flight store write. The snapshot is a
// deep clone, so the loop keeps mutating freely while the write runs.
func (r *Room) beginSave() {
	if r.record.Immutable {
		r.dirty = false
		return
	}
	if r.saving || !r.dirty {
		return
	}
	r.dirty = false
	r.saving = true
	snap := r.record.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SaveTimeout)
		defer cancel()
		err := r.store.Save(ctx, snap)
		if err == nil && r.onSaved != nil {
			r.onSaved(snap)
		}
		r.saveDone <- saveResult{err: err}
	}()
}

func (r *Room) finishSave(res saveResult) {
	r.saving = false
	switch {
	case res.err == nil:
		r.lastSaved = time.Now().UTC()
		if r.dirty {
			// Edits landed mid-save; the next flush carries them.
			r.armFlush()
		}
	case errors.Is(res.err, store.ErrImmutable):
		// Published from another path while our write was in flight.
		// The frozen record is authoritative; drop the pending state.
		log.Printf("coordinator: session %s became immutable mid-save", r.id)
		r.record.Immutable = true
		r.dirty = false
	default:
		log.Printf("coordinator: session %s: save: %v", r.id, res.err)
		r.dirty = true
		r.armFlush()
	}
}

// drainSave blocks until any in-flight write completes. Publish and
// shutdown call it so they never race their own store writes.
func (r *Room) drainSave() {
	if !r.saving {
		return
	}
	r.finishSave(<-r.saveDone)
}

// saveNow writes synchronously on the loop. Only the publish and
// shutdown paths use it; regular persistence goes through beginSave.
func (r *Room) saveNow() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SaveTimeout)
	defer cancel()
	snap := r.record.Clone()
	if err := r.store.Save(ctx, snap); err != nil {
		r.armFlush()
		return err
	}
	r.dirty = false
	r.lastSaved = time.Now().UTC()
	if r.onSaved != nil {
		r.onSaved(snap)
	}
	return nil
}
