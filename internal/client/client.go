// Package client is the connecting half of the realtime channel: a
// websocket client that applies its own edits optimistically, tracks
// every sent mutation until the server echo resolves it, and
// reconciles against full snapshots. It exists for headless tooling
// and tests; browsers speak the same wire protocol.
package client

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adewale/keyboardia-sub010/internal/engine"
	"github.com/adewale/keyboardia-sub010/internal/protocol"
	"github.com/adewale/keyboardia-sub010/internal/session"
)

const (
	writeWait     = 10 * time.Second
	sweepInterval = time.Second
)

// Client maintains one player's view of a live session. Local edits
// land on the local document immediately; the server's broadcasts are
// the authority that confirms, corrects, or replaces them.
type Client struct {
	sock    *websocket.Conn
	handle  *StateHandle
	tracker *Tracker

	mu        sync.Mutex
	playerID  string
	name      string
	immutable bool
	players   []session.PlayerInfo
	serverSeq uint64
	nextSeq   uint64

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	failOnce  sync.Once
	err       error
}

// Dial connects to a session's realtime endpoint under the given
// display name and blocks until the first snapshot arrives, so the
// returned client always has a player id and a hydrated document.
func Dial(ctx context.Context, rawURL, name string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse session url: %w", err)
	}
	q := u.Query()
	if name != "" {
		q.Set("name", name)
	}
	u.RawQuery = q.Encode()

	sock, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial session: %w", err)
	}

	c := &Client{
		sock:    sock,
		handle:  NewStateHandle(session.DefaultState()),
		tracker: NewTracker(DefaultTimeout),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.sweepLoop()

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed before first snapshot: %w", c.Err())
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer c.sock.Close()
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("client: undecodable frame: %v", err)
			continue
		}
		c.receive(msg)
	}
}

func (c *Client) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.tracker.Sweep(time.Now())
		case <-c.done:
			return
		}
	}
}

// receive applies one server frame. Origin is read before the document
// is touched: applying a mutation restamps it.
func (c *Client) receive(msg protocol.Message) {
	if st, ok := msg.(protocol.Stamped); ok {
		from, clientSeq, serverSeq := st.From()
		c.mu.Lock()
		if serverSeq > c.serverSeq {
			c.serverSeq = serverSeq
		}
		self := from != "" && from == c.playerID
		c.mu.Unlock()
		if self && clientSeq > 0 {
			c.tracker.Confirm(clientSeq)
		}
	}

	switch m := msg.(type) {
	case *protocol.Snapshot:
		c.applySnapshot(m)

	case *protocol.PlayerJoined:
		c.mu.Lock()
		if c.findPlayer(m.Player.ID) == -1 {
			c.players = append(c.players, m.Player)
		}
		if m.ServerSeq > c.serverSeq {
			c.serverSeq = m.ServerSeq
		}
		c.mu.Unlock()

	case *protocol.PlayerLeft:
		c.mu.Lock()
		if i := c.findPlayer(m.PlayerID); i != -1 {
			c.players = append(c.players[:i], c.players[i+1:]...)
		}
		if m.ServerSeq > c.serverSeq {
			c.serverSeq = m.ServerSeq
		}
		c.mu.Unlock()

	case *protocol.Error:
		log.Printf("client: server rejected a message: %s: %s", m.Code, m.Message)

	case *protocol.StepToggled:
		// The echo carries the resolved value, so applying it is a set,
		// not a second toggle.
		c.handle.Update(func(s *session.State) {
			if t := s.Track(m.TrackID); t != nil && m.Step >= 0 && m.Step < len(t.Steps) {
				t.Steps[m.Step] = m.Value
			}
		})

	case *protocol.TrackAdded:
		c.handle.Update(func(s *session.State) {
			if s.TrackIndex(m.Track.ID) == -1 && len(s.Tracks) < session.MaxTracks {
				s.Tracks = append(s.Tracks, m.Track)
			}
		})

	case *protocol.SessionRenamed:
		c.mu.Lock()
		c.name = m.Name
		c.mu.Unlock()

	default:
		if mut, ok := msg.(protocol.Mutating); ok {
			c.handle.Update(func(s *session.State) { engine.Apply(s, mut, "", 0) })
		}
	}
}

// applySnapshot replaces the local view wholesale. Applying the same
// snapshot twice yields the same state, which is what makes resync a
// safe recovery path.
func (c *Client) applySnapshot(snap *protocol.Snapshot) {
	c.mu.Lock()
	c.playerID = snap.PlayerID
	c.name = snap.Name
	c.immutable = snap.Immutable
	c.players = append([]session.PlayerInfo(nil), snap.Players...)
	if snap.ServerSeq > c.serverSeq {
		c.serverSeq = snap.ServerSeq
	}
	c.mu.Unlock()

	c.handle.Set(snap.State)
	c.handle.View(func(s *session.State) { c.tracker.ReconcileSnapshot(s) })
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Client) findPlayer(id string) int {
	for i, p := range c.players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Close tears the connection down. Safe to call more than once. The
// nil fail lands before the socket closes so the read loop's own error
// never masks a deliberate close.
func (c *Client) Close() {
	c.fail(nil)
	c.sock.Close()
}

// Done is closed once the connection is gone, deliberately or not.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended; nil while connected and after
// a deliberate Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns a copy of the client's current document.
func (c *Client) State() session.State { return c.handle.Get() }

// Handle exposes the stable state cell for long-lived effects.
func (c *Client) Handle() *StateHandle { return c.handle }

func (c *Client) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

func (c *Client) SessionName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Client) Immutable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.immutable
}

func (c *Client) Players() []session.PlayerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.PlayerInfo(nil), c.players...)
}

func (c *Client) ServerSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverSeq
}

// Counters reports the mutation-tracking aggregates.
func (c *Client) Counters() Counters { return c.tracker.Counters() }

// OldestPendingAge reports how long the oldest unconfirmed mutation
// has been waiting.
func (c *Client) OldestPendingAge() time.Duration {
	return c.tracker.OldestPendingAge(time.Now())
}

// Resync asks the server for a fresh snapshot.
func (c *Client) Resync() error {
	return c.write(&protocol.Resync{Header: protocol.Header{Type: protocol.TypeResync}})
}

func (c *Client) allocSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	return c.nextSeq
}

func (c *Client) write(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return c.send(data)
}

func (c *Client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// mutate is the shared optimistic-edit path: encode the pristine frame,
// apply the mutation to the local document through the same handler
// pipeline the server runs, register it with the tracker, send it.
func (c *Client) mutate(msg protocol.Mutating, targetKey string, reflects func(*session.State) bool) (uint64, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	seq := msg.MutationSeq()
	c.handle.Update(func(s *session.State) { engine.Apply(s, msg, "", 0) })
	c.tracker.Track(seq, targetKey, reflects)
	return seq, c.send(data)
}

func globalKey(field string) string { return "global:" + field }

func trackKey(trackID, field string) string { return trackID + ":" + field }

func stepKey(trackID string, step int) string { return trackID + ":step:" + strconv.Itoa(step) }

func lockKey(trackID string, step int) string { return trackID + ":lock:" + strconv.Itoa(step) }

// ToggleStep flips one step. The expected value is taken from the
// optimistic apply, so the snapshot check knows which way it flipped.
func (c *Client) ToggleStep(trackID string, step int) (uint64, error) {
	seq := c.allocSeq()
	msg := &protocol.ToggleStep{
		Header:   protocol.Header{Type: protocol.TypeToggleStep},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
		Step:     step,
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	var want, applied bool
	c.handle.Update(func(s *session.State) {
		if res := engine.Apply(s, msg, "", 0); res.Broadcast != nil {
			if echo, ok := res.Broadcast.(*protocol.StepToggled); ok {
				want, applied = echo.Value, true
			}
		}
	})
	c.tracker.Track(seq, stepKey(trackID, step), func(s *session.State) bool {
		t := s.Track(trackID)
		return applied && t != nil && step < len(t.Steps) && t.Steps[step] == want
	})
	return seq, c.send(data)
}

func (c *Client) SetTempo(tempo float64) (uint64, error) {
	seq := c.allocSeq()
	want := session.ClampTempo(tempo)
	return c.mutate(&protocol.TempoChanged{
		Header:   protocol.Header{Type: protocol.TypeTempoChanged},
		Mutation: protocol.Mutation{Seq: seq},
		Tempo:    tempo,
	}, globalKey("tempo"), func(s *session.State) bool { return s.Tempo == want })
}

func (c *Client) SetSwing(swing float64) (uint64, error) {
	seq := c.allocSeq()
	want := session.ClampSwing(swing)
	return c.mutate(&protocol.SwingChanged{
		Header:   protocol.Header{Type: protocol.TypeSwingChanged},
		Mutation: protocol.Mutation{Seq: seq},
		Swing:    swing,
	}, globalKey("swing"), func(s *session.State) bool { return s.Swing == want })
}

func (c *Client) SetEffects(effects session.EffectsState) (uint64, error) {
	seq := c.allocSeq()
	want := session.ClampEffects(effects)
	return c.mutate(&protocol.SetEffects{
		Header:   protocol.Header{Type: protocol.TypeSetEffects},
		Mutation: protocol.Mutation{Seq: seq},
		Effects:  effects,
	}, globalKey("effects"), func(s *session.State) bool { return s.Effects == want })
}

// Rename titles the session. The name lives on the record envelope,
// not in the state document, so a snapshot cannot vouch for it.
func (c *Client) Rename(name string) (uint64, error) {
	seq := c.allocSeq()
	msg := &protocol.SessionRenamed{
		Header:   protocol.Header{Type: protocol.TypeSessionRenamed},
		Mutation: protocol.Mutation{Seq: seq},
		Name:     name,
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	c.mu.Lock()
	c.name = session.TruncateName(name, session.MaxSessionNameLen)
	c.mu.Unlock()
	c.tracker.Track(seq, globalKey("name"), nil)
	return seq, c.send(data)
}

// AddTrack appends a new track. The id is assigned by the server, so
// there is no optimistic apply; the track_added echo carries the
// authoritative row. Every add gets its own target key: two quick adds
// are two tracks, not an overwrite.
func (c *Client) AddTrack(name, sampleID string) (uint64, error) {
	seq := c.allocSeq()
	msg := &protocol.AddTrack{
		Header:   protocol.Header{Type: protocol.TypeAddTrack},
		Mutation: protocol.Mutation{Seq: seq},
		Name:     name,
		SampleID: sampleID,
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	c.tracker.Track(seq, globalKey("tracks:add:"+strconv.FormatUint(seq, 10)), nil)
	return seq, c.send(data)
}

func (c *Client) RemoveTrack(trackID string) (uint64, error) {
	seq := c.allocSeq()
	return c.mutate(&protocol.RemoveTrack{
		Header:   protocol.Header{Type: protocol.TypeRemoveTrack},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
	}, trackKey(trackID, "remove"), func(s *session.State) bool { return s.TrackIndex(trackID) == -1 })
}

// ReorderTrack moves a track. The final index depends on the server's
// track count at apply time, so the snapshot check stays agnostic.
func (c *Client) ReorderTrack(trackID string, toIndex int) (uint64, error) {
	seq := c.allocSeq()
	return c.mutate(&protocol.ReorderTrack{
		Header:   protocol.Header{Type: protocol.TypeReorderTrack},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
		ToIndex:  toIndex,
	}, trackKey(trackID, "position"), nil)
}

func (c *Client) SetTrackVolume(trackID string, volume float64) (uint64, error) {
	seq := c.allocSeq()
	want := session.ClampVolume(volume)
	return c.mutate(&protocol.TrackVolumeSet{
		Header:   protocol.Header{Type: protocol.TypeTrackVolumeSet},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
		Volume:   volume,
	}, trackKey(trackID, "volume"), func(s *session.State) bool {
		t := s.Track(trackID)
		return t != nil && t.Volume == want
	})
}

func (c *Client) SetTrackMuted(trackID string, muted bool) (uint64, error) {
	seq := c.allocSeq()
	return c.mutate(&protocol.TrackMutedSet{
		Header:   protocol.Header{Type: protocol.TypeTrackMutedSet},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
		Muted:    muted,
	}, trackKey(trackID, "muted"), func(s *session.State) bool {
		t := s.Track(trackID)
		return t != nil && t.Muted == muted
	})
}

func (c *Client) SetTrackSoloed(trackID string, soloed bool) (uint64, error) {
	seq := c.allocSeq()
	return c.mutate(&protocol.TrackSoloedSet{
		Header:   protocol.Header{Type: protocol.TypeTrackSoloedSet},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
		Soloed:   soloed,
	}, trackKey(trackID, "soloed"), func(s *session.State) bool {
		t := s.Track(trackID)
		return t != nil && t.Soloed == soloed
	})
}

// SetSample swaps a track's sample. A server that does not know the
// sample substitutes its default, which still counts as applied.
func (c *Client) SetSample(trackID, sampleID string) (uint64, error) {
	seq := c.allocSeq()
	return c.mutate(&protocol.TrackSampleSet{
		Header:   protocol.Header{Type: protocol.TypeTrackSampleSet},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
		SampleID: sampleID,
	}, trackKey(trackID, "sample"), func(s *session.State) bool {
		t := s.Track(trackID)
		return t != nil && (t.SampleID == sampleID || t.SampleID == session.DefaultSampleID)
	})
}

func (c *Client) SetTrackName(trackID, name string) (uint64, error) {
	seq := c.allocSeq()
	want := session.TruncateName(name, session.MaxTrackNameLen)
	return c.mutate(&protocol.TrackNameSet{
		Header:   protocol.Header{Type: protocol.TypeTrackNameSet},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
		Name:     name,
	}, trackKey(trackID, "name"), func(s *session.State) bool {
		t := s.Track(trackID)
		return t != nil && t.Name == want
	})
}

func (c *Client) SetPlaybackMode(trackID, mode string) (uint64, error) {
	seq := c.allocSeq()
	return c.mutate(&protocol.PlaybackModeSet{
		Header:   protocol.Header{Type: protocol.TypePlaybackModeSet},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
		Mode:     mode,
	}, trackKey(trackID, "playbackMode"), func(s *session.State) bool {
		t := s.Track(trackID)
		return t != nil && t.PlaybackMode == mode
	})
}

func (c *Client) SetTranspose(trackID string, transpose int) (uint64, error) {
	seq := c.allocSeq()
	want := session.ClampTranspose(transpose)
	return c.mutate(&protocol.TransposeSet{
		Header:    protocol.Header{Type: protocol.TypeTransposeSet},
		Mutation:  protocol.Mutation{Seq: seq},
		TrackID:   trackID,
		Transpose: transpose,
	}, trackKey(trackID, "transpose"), func(s *session.State) bool {
		t := s.Track(trackID)
		return t != nil && t.Transpose == want
	})
}

func (c *Client) SetStepCount(trackID string, count int) (uint64, error) {
	seq := c.allocSeq()
	return c.mutate(&protocol.StepCountSet{
		Header:    protocol.Header{Type: protocol.TypeStepCountSet},
		Mutation:  protocol.Mutation{Seq: seq},
		TrackID:   trackID,
		StepCount: count,
	}, trackKey(trackID, "stepCount"), func(s *session.State) bool {
		t := s.Track(trackID)
		return t != nil && t.StepCount == count
	})
}

func (c *Client) ClearSteps(trackID string) (uint64, error) {
	seq := c.allocSeq()
	return c.mutate(&protocol.ClearSteps{
		Header:   protocol.Header{Type: protocol.TypeClearSteps},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
	}, trackKey(trackID, "steps"), func(s *session.State) bool {
		t := s.Track(trackID)
		if t == nil {
			return false
		}
		for _, on := range t.Steps {
			if on {
				return false
			}
		}
		return true
	})
}

func (c *Client) SetParameterLock(trackID string, step int, pitch *int, volume *float64, tie bool) (uint64, error) {
	seq := c.allocSeq()
	return c.mutate(&protocol.SetParameterLock{
		Header:   protocol.Header{Type: protocol.TypeSetParameterLock},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
		Step:     step,
		Pitch:    pitch,
		Volume:   volume,
		Tie:      tie,
	}, lockKey(trackID, step), func(s *session.State) bool {
		t := s.Track(trackID)
		return t != nil && step >= 0 && step < len(t.ParameterLocks) && t.ParameterLocks[step] != nil
	})
}

func (c *Client) ClearParameterLock(trackID string, step int) (uint64, error) {
	seq := c.allocSeq()
	return c.mutate(&protocol.ClearParameterLock{
		Header:   protocol.Header{Type: protocol.TypeClearParameterLock},
		Mutation: protocol.Mutation{Seq: seq},
		TrackID:  trackID,
		Step:     step,
	}, lockKey(trackID, step), func(s *session.State) bool {
		t := s.Track(trackID)
		return t != nil && step >= 0 && step < len(t.ParameterLocks) && t.ParameterLocks[step] == nil
	})
}
