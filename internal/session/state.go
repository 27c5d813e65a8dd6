package session

// Validation bounds for session state. Mutations never reject
// out-of-range values; they clamp into these ranges.
const (
	MinTempo = 30.0
	MaxTempo = 300.0

	MinSwing = 0.0
	MaxSwing = 100.0

	MinTranspose = -24
	MaxTranspose = 24

	MaxSteps  = 128
	MaxTracks = 8

	DefaultTempo     = 120.0
	DefaultStepCount = 16
	DefaultVolume    = 0.8
	DefaultSampleID  = "kick-808"

	MaxTrackNameLen   = 64
	MaxSessionNameLen = 100
)

// ValidStepCounts are the step-count settings a track may use.
var ValidStepCounts = []int{4, 8, 16, 32, 64, 128}

// Playback modes determine the order in which a track's steps are read.
const (
	PlaybackForward  = "forward"
	PlaybackReverse  = "reverse"
	PlaybackPingPong = "pingpong"
	PlaybackRandom   = "random"
)

// ParameterLock overrides per-step playback parameters. A nil entry
// means the step plays with the track defaults.
type ParameterLock struct {
	Pitch  *int     `json:"pitch,omitempty"`
	Volume *float64 `json:"volume,omitempty"`
	Tie    bool     `json:"tie,omitempty"`
}

// Track is one row of the sequencer grid. Steps and ParameterLocks are
// always the same length; StepCount is the active window into them, so
// shrinking the step count hides steps without destroying them.
type Track struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	SampleID       string           `json:"sampleId"`
	Steps          []bool           `json:"steps"`
	ParameterLocks []*ParameterLock `json:"parameterLocks"`
	Volume         float64          `json:"volume"`
	Muted          bool             `json:"muted"`
	Soloed         bool             `json:"soloed"`
	PlaybackMode   string           `json:"playbackMode"`
	Transpose      int              `json:"transpose"`
	StepCount      int              `json:"stepCount"`
}

// EffectsState holds the session-wide send effects. Knob values are
// normalized to [0,1].
type EffectsState struct {
	Bypass          bool    `json:"bypass"`
	Reverb          float64 `json:"reverb"`
	Delay           float64 `json:"delay"`
	FilterCutoff    float64 `json:"filterCutoff"`
	FilterResonance float64 `json:"filterResonance"`
}

// State is the authoritative document for one session. Track order is
// meaningful: it is both display order and playback order.
type State struct {
	Tracks  []Track      `json:"tracks"`
	Tempo   float64      `json:"tempo"`
	Swing   float64      `json:"swing"`
	Version uint64       `json:"version"`
	Effects EffectsState `json:"effects"`
}

// DefaultEffects returns the effects rack in its neutral position: no
// sends, filter fully open.
func DefaultEffects() EffectsState {
	return EffectsState{FilterCutoff: 1.0}
}

// DefaultState returns the state a brand-new session starts from: no
// tracks, default tempo, no swing, neutral effects.
func DefaultState() State {
	return State{
		Tracks:  []Track{},
		Tempo:   DefaultTempo,
		Swing:   MinSwing,
		Version: 0,
		Effects: DefaultEffects(),
	}
}

// NewTrack builds a track with the default step window and no locks.
func NewTrack(id, name, sampleID string) Track {
	if sampleID == "" {
		sampleID = DefaultSampleID
	}
	return Track{
		ID:             id,
		Name:           name,
		SampleID:       sampleID,
		Steps:          make([]bool, DefaultStepCount),
		ParameterLocks: make([]*ParameterLock, DefaultStepCount),
		Volume:         DefaultVolume,
		PlaybackMode:   PlaybackForward,
		StepCount:      DefaultStepCount,
	}
}

// Track returns a pointer into s.Tracks for the given id, or nil when
// the id is unknown. The pointer stays valid only until the tracks
// slice is next modified.
func (s *State) Track(id string) *Track {
	for i := range s.Tracks {
		if s.Tracks[i].ID == id {
			return &s.Tracks[i]
		}
	}
	return nil
}

// TrackIndex returns the position of a track id, or -1.
func (s *State) TrackIndex(id string) int {
	for i := range s.Tracks {
		if s.Tracks[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone deep-copies the state so a snapshot can be serialized or
// handed to another goroutine while the original keeps mutating.
func (s *State) Clone() State {
	out := *s
	out.Tracks = make([]Track, len(s.Tracks))
	for i, t := range s.Tracks {
		ct := t
		ct.Steps = append([]bool(nil), t.Steps...)
		ct.ParameterLocks = make([]*ParameterLock, len(t.ParameterLocks))
		for j, pl := range t.ParameterLocks {
			if pl == nil {
				continue
			}
			cp := *pl
			if pl.Pitch != nil {
				v := *pl.Pitch
				cp.Pitch = &v
			}
			if pl.Volume != nil {
				v := *pl.Volume
				cp.Volume = &v
			}
			ct.ParameterLocks[j] = &cp
		}
		out.Tracks[i] = ct
	}
	return out
}

// ClampTempo bounds a tempo to the playable range.
func ClampTempo(v float64) float64 { return clampFloat(v, MinTempo, MaxTempo) }

// ClampSwing bounds swing to its percentage range.
func ClampSwing(v float64) float64 { return clampFloat(v, MinSwing, MaxSwing) }

// ClampVolume bounds a gain value to [0,1].
func ClampVolume(v float64) float64 { return clampFloat(v, 0, 1) }

// ClampKnob bounds an effects knob to [0,1].
func ClampKnob(v float64) float64 { return clampFloat(v, 0, 1) }

// ClampTranspose bounds a semitone offset to +/- two octaves.
func ClampTranspose(v int) int {
	if v < MinTranspose {
		return MinTranspose
	}
	if v > MaxTranspose {
		return MaxTranspose
	}
	return v
}

// ClampEffects clamps every knob of an effects payload.
func ClampEffects(e EffectsState) EffectsState {
	e.Reverb = ClampKnob(e.Reverb)
	e.Delay = ClampKnob(e.Delay)
	e.FilterCutoff = ClampKnob(e.FilterCutoff)
	e.FilterResonance = ClampKnob(e.FilterResonance)
	return e
}

// ValidPlaybackMode reports whether mode is one of the supported
// playback orders.
func ValidPlaybackMode(mode string) bool {
	switch mode {
	case PlaybackForward, PlaybackReverse, PlaybackPingPong, PlaybackRandom:
		return true
	}
	return false
}

// ValidStepCount reports whether n is an allowed step-count setting.
func ValidStepCount(n int) bool {
	for _, v := range ValidStepCounts {
		if v == n {
			return true
		}
	}
	return false
}

// Resize grows the track's step window to count. Growing extends the
// steps and lock arrays with empty values; shrinking only narrows the
// window and keeps the stored data, so a later grow restores it.
func (t *Track) Resize(count int) {
	if count > len(t.Steps) {
		grown := make([]bool, count)
		copy(grown, t.Steps)
		t.Steps = grown
		locks := make([]*ParameterLock, count)
		copy(locks, t.ParameterLocks)
		t.ParameterLocks = locks
	}
	t.StepCount = count
}

// TruncateName bounds a user-supplied name to max runes.
func TruncateName(name string, max int) string {
	runes := []rune(name)
	if len(runes) <= max {
		return name
	}
	return string(runes[:max])
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
