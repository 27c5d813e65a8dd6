// Package store persists session records. Three backends share one
// contract: Postgres for production, Redis where a relational database
// is not available, and an in-memory map for development and tests.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Load when no record exists for the id.
	ErrNotFound = errors.New("session not found")
	// ErrImmutable is returned by Save when the stored record has been
	// published. Records transition to immutable exactly once, through
	// SetImmutable, and never accept state writes afterwards.
	ErrImmutable = errors.New("session is published")
)

// SessionStore is the persistence contract the coordinator and HTTP
// layer rely on. Save overwrites the whole record except the immutable
// flag and the owner token hash, which only the create and publish
// paths touch.
type SessionStore interface {
	Save(ctx context.Context, rec *SessionRecord) error
	Load(ctx context.Context, id string) (*SessionRecord, error)
	List(ctx context.Context, limit int) ([]SessionSummary, error)
	Search(ctx context.Context, query string, limit int) ([]SessionSummary, error)
	Touch(ctx context.Context, id string, at time.Time) error
	IncrementRemixCount(ctx context.Context, id string) error
	SetImmutable(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}
