package session

import "fmt"

// InvariantReport is the result of auditing a state document. A
// violation means the document breaks a structural rule and the server
// has a bug somewhere; a warning flags odd but legal shapes.
type InvariantReport struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations"`
	Warnings   []string `json:"warnings"`
}

// CheckInvariants audits a state document against the structural rules
// every mutation is supposed to preserve. It never mutates the state.
func CheckInvariants(s *State) InvariantReport {
	r := InvariantReport{Violations: []string{}, Warnings: []string{}}

	if s.Tempo < MinTempo || s.Tempo > MaxTempo {
		r.fail("tempo %v outside [%v, %v]", s.Tempo, MinTempo, MaxTempo)
	}
	if s.Swing < MinSwing || s.Swing > MaxSwing {
		r.fail("swing %v outside [%v, %v]", s.Swing, MinSwing, MaxSwing)
	}
	if len(s.Tracks) > MaxTracks {
		r.fail("%d tracks exceeds limit of %d", len(s.Tracks), MaxTracks)
	}
	for _, knob := range []struct {
		name string
		v    float64
	}{
		{"reverb", s.Effects.Reverb},
		{"delay", s.Effects.Delay},
		{"filterCutoff", s.Effects.FilterCutoff},
		{"filterResonance", s.Effects.FilterResonance},
	} {
		if knob.v < 0 || knob.v > 1 {
			r.fail("effects.%s %v outside [0, 1]", knob.name, knob.v)
		}
	}

	seen := make(map[string]bool, len(s.Tracks))
	muted := 0
	for i := range s.Tracks {
		t := &s.Tracks[i]
		if t.ID == "" {
			r.fail("track %d has empty id", i)
		}
		if seen[t.ID] {
			r.fail("duplicate track id %q", t.ID)
		}
		seen[t.ID] = true

		if len(t.Steps) != len(t.ParameterLocks) {
			r.fail("track %q: %d steps but %d parameter locks", t.ID, len(t.Steps), len(t.ParameterLocks))
		}
		if len(t.Steps) > MaxSteps {
			r.fail("track %q: %d steps exceeds limit of %d", t.ID, len(t.Steps), MaxSteps)
		}
		if !ValidStepCount(t.StepCount) {
			r.fail("track %q: invalid step count %d", t.ID, t.StepCount)
		}
		if t.StepCount > len(t.Steps) {
			r.fail("track %q: step count %d exceeds %d allocated steps", t.ID, t.StepCount, len(t.Steps))
		}
		if t.Volume < 0 || t.Volume > 1 {
			r.fail("track %q: volume %v outside [0, 1]", t.ID, t.Volume)
		}
		if t.Transpose < MinTranspose || t.Transpose > MaxTranspose {
			r.fail("track %q: transpose %d outside [%d, %d]", t.ID, t.Transpose, MinTranspose, MaxTranspose)
		}
		if !ValidPlaybackMode(t.PlaybackMode) {
			r.fail("track %q: unknown playback mode %q", t.ID, t.PlaybackMode)
		}
		for step, pl := range t.ParameterLocks {
			if pl == nil {
				continue
			}
			if pl.Pitch != nil && (*pl.Pitch < MinTranspose || *pl.Pitch > MaxTranspose) {
				r.fail("track %q step %d: lock pitch %d outside [%d, %d]", t.ID, step, *pl.Pitch, MinTranspose, MaxTranspose)
			}
			if pl.Volume != nil && (*pl.Volume < 0 || *pl.Volume > 1) {
				r.fail("track %q step %d: lock volume %v outside [0, 1]", t.ID, step, *pl.Volume)
			}
		}

		if t.Muted {
			muted++
			if t.Soloed {
				r.warn("track %q is both muted and soloed", t.ID)
			}
		}
	}

	if len(s.Tracks) == 0 {
		r.warn("session has no tracks")
	} else if muted == len(s.Tracks) {
		r.warn("every track is muted")
	}

	r.Valid = len(r.Violations) == 0
	return r
}

func (r *InvariantReport) fail(format string, args ...any) {
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}

func (r *InvariantReport) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
