package store

import (
	"time"

	"github.com/adewale/keyboardia-sub010/internal/session"
)

// SessionRecord is the durable envelope around a session state
// document. Records are created once, updated only by the owning
// coordinator's persist step, and never deleted. OwnerTokenHash is a
// bcrypt hash; the raw token is shown to the creator once and gates
// publishing. Published (immutable) records never change again.
type SessionRecord struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	LastAccessedAt time.Time     `json:"lastAccessedAt"`
	RemixedFrom    string        `json:"remixedFrom,omitempty"`
	RemixCount     int           `json:"remixCount"`
	Immutable      bool          `json:"immutable"`
	OwnerTokenHash string        `json:"ownerTokenHash,omitempty"`
	State          session.State `json:"state"`
}

// Clone deep-copies the record so it can cross goroutine boundaries.
func (r *SessionRecord) Clone() *SessionRecord {
	out := *r
	out.State = r.State.Clone()
	return &out
}

// SessionSummary is the listing/search projection of a record.
type SessionSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	RemixCount int       `json:"remixCount"`
	Immutable  bool      `json:"immutable"`
	TrackCount int       `json:"trackCount"`
}
