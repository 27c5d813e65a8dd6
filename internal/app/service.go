// Package app is the HTTP surface over the session engine: create,
// fetch, list, publish, debug, history, preview, and the websocket
// route that hands connections to the coordinator.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/adewale/keyboardia-sub010/internal/archive"
	"github.com/adewale/keyboardia-sub010/internal/config"
	"github.com/adewale/keyboardia-sub010/internal/coordinator"
	"github.com/adewale/keyboardia-sub010/internal/directory"
	"github.com/adewale/keyboardia-sub010/internal/preview"
	"github.com/adewale/keyboardia-sub010/internal/samples"
	"github.com/adewale/keyboardia-sub010/internal/session"
	"github.com/adewale/keyboardia-sub010/internal/store"
	"github.com/adewale/keyboardia-sub010/internal/util"
)

// CreateSessionInput is the body of POST /api/sessions. All fields are
// optional: no name gets a default, no state gets the default document,
// and remixOf starts the new session from another session's current
// state (remixOf wins over state when both are set).
type CreateSessionInput struct {
	Name    string         `json:"name"`
	State   *session.State `json:"state,omitempty"`
	RemixOf string         `json:"remixOf,omitempty"`
}

type Service struct {
	cfg       config.Config
	store     store.SessionStore
	live      *coordinator.Registry
	directory *directory.Service
	archive   *archive.Service
	preview   *preview.Renderer
	catalog   samples.Catalog
}

// New wires the service. archive may be nil when no archive directory
// is configured; everything else must be set.
func New(cfg config.Config, st store.SessionStore, live *coordinator.Registry, dir *directory.Service, arch *archive.Service, prev *preview.Renderer, catalog samples.Catalog) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		live:      live,
		directory: dir,
		archive:   arch,
		preview:   prev,
		catalog:   catalog,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) LiveCount() int {
	return s.live.LiveCount()
}

// CreateSession mints a new record and returns {id, url, ownerToken}.
// The raw owner token appears in this response and nowhere else; only
// its bcrypt hash is stored.
func (s *Service) CreateSession(ctx context.Context, input CreateSessionInput) (map[string]any, error) {
	name := session.TruncateName(strings.TrimSpace(input.Name), session.MaxSessionNameLen)

	var state session.State
	var remixedFrom string
	switch {
	case strings.TrimSpace(input.RemixOf) != "":
		parent, err := s.store.Load(ctx, strings.TrimSpace(input.RemixOf))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "remixOf session does not exist", nil)
			}
			return nil, err
		}
		state = parent.State.Clone()
		remixedFrom = parent.ID
		if name == "" {
			name = session.TruncateName("Remix of "+parent.Name, session.MaxSessionNameLen)
		}
	case input.State != nil:
		state = input.State.Clone()
		if report := session.CheckInvariants(&state); !report.Valid {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "initial state is invalid", report.Violations)
		}
	default:
		state = session.DefaultState()
	}
	if name == "" {
		name = "Untitled Session"
	}

	token, hash, err := newOwnerToken()
	if err != nil {
		return nil, fmt.Errorf("mint owner token: %w", err)
	}

	now := time.Now().UTC()
	rec := &store.SessionRecord{
		ID:             util.NewID("sess"),
		Name:           name,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		RemixedFrom:    remixedFrom,
		OwnerTokenHash: hash,
		State:          state,
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if remixedFrom != "" {
		if err := s.store.IncrementRemixCount(ctx, remixedFrom); err != nil {
			log.Printf("app: remix count for %s: %v", remixedFrom, err)
		}
	}
	if s.archive != nil {
		if err := s.archive.Commit(rec); err != nil {
			log.Printf("app: archive commit for %s: %v", rec.ID, err)
		}
	}
	s.directory.IndexSession(rec)

	return map[string]any{
		"id":         rec.ID,
		"url":        s.sessionURL(rec.ID),
		"ownerToken": token,
	}, nil
}

// GetSession returns the persisted record for read-only consumers and
// bumps lastAccessedAt.
func (s *Service) GetSession(ctx context.Context, id string) (map[string]any, error) {
	rec, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.Touch(ctx, id, time.Now().UTC()); err != nil {
		log.Printf("app: touch %s: %v", id, err)
	}
	return sessionPayload(rec), nil
}

func (s *Service) ListSessions(ctx context.Context, q directory.Query) directory.Response {
	return s.directory.List(ctx, q)
}

// SessionForJoin loads the record a websocket client wants to join.
// The coordinator reloads it before seeding a room; this load exists
// to reject unknown ids before the upgrade.
func (s *Service) SessionForJoin(ctx context.Context, id string) (*store.SessionRecord, error) {
	return s.store.Load(ctx, id)
}

// HandleWS runs one websocket client against the session's room and
// blocks until the connection drops.
func (s *Service) HandleWS(ctx context.Context, rec *store.SessionRecord, sock *websocket.Conn, name string) error {
	return s.live.HandleWS(ctx, rec, sock, name)
}

// Publish freezes the session forever. It needs the raw owner token
// handed out at creation; a live room flushes pending edits before the
// immutable flag is set.
func (s *Service) Publish(ctx context.Context, id, ownerToken string) (map[string]any, error) {
	if strings.TrimSpace(ownerToken) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ownerToken is required", nil)
	}
	rec, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.OwnerTokenHash), []byte(ownerToken)) != nil {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Owner token does not match", nil)
	}
	if rec.Immutable {
		return sessionPayload(rec), nil
	}
	if err := s.live.Publish(ctx, id); err != nil {
		return nil, fmt.Errorf("publish session: %w", err)
	}
	published, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.archive != nil {
		if err := s.archive.Commit(published); err != nil {
			log.Printf("app: archive publish commit for %s: %v", id, err)
		} else if err := s.archive.TagHead(id, "published"); err != nil {
			log.Printf("app: archive tag for %s: %v", id, err)
		}
	}
	s.directory.IndexSession(published)
	return sessionPayload(published), nil
}

// Debug reports the session's internals without side effects. A live
// room answers from memory; otherwise the stored record is audited.
func (s *Service) Debug(ctx context.Context, id string) (map[string]any, error) {
	if info, ok := s.live.Debug(id); ok {
		return map[string]any{
			"sessionId":        info.SessionID,
			"name":             info.Name,
			"live":             true,
			"connectedPlayers": len(info.Players),
			"players":          info.Players,
			"serverSeq":        info.ServerSeq,
			"immutable":        info.Immutable,
			"dirty":            info.Dirty,
			"saving":           info.Saving,
			"lastSaved":        info.LastSaved,
			"inboxDepth":       info.InboxDepth,
			"state": map[string]any{
				"tracks":  info.TrackCount,
				"tempo":   info.Tempo,
				"swing":   info.Swing,
				"version": info.Version,
			},
			"invariants": info.Invariants,
		}, nil
	}
	rec, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sessionId":        rec.ID,
		"name":             rec.Name,
		"live":             false,
		"connectedPlayers": 0,
		"players":          []session.PlayerInfo{},
		"immutable":        rec.Immutable,
		"state": map[string]any{
			"tracks":  len(rec.State.Tracks),
			"tempo":   rec.State.Tempo,
			"swing":   rec.State.Swing,
			"version": rec.State.Version,
		},
		"invariants": session.CheckInvariants(&rec.State),
	}, nil
}

// History lists the session's archived snapshots, newest first.
func (s *Service) History(ctx context.Context, id string, limit int) (map[string]any, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "Session archive is not configured", nil)
	}
	if _, err := s.store.Load(ctx, id); err != nil {
		return nil, err
	}
	commits, err := s.archive.History(id, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": id, "commits": commits}, nil
}

// SnapshotAt returns the archived state at a commit hash or tag name.
func (s *Service) SnapshotAt(ctx context.Context, id, rev string) (archive.Snapshot, error) {
	if s.archive == nil {
		return archive.Snapshot{}, domainError(http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "Session archive is not configured", nil)
	}
	if _, err := s.store.Load(ctx, id); err != nil {
		return archive.Snapshot{}, err
	}
	snap, err := s.archive.SnapshotAt(id, rev)
	if err != nil {
		if errors.Is(err, archive.ErrNoHistory) {
			return archive.Snapshot{}, err
		}
		return archive.Snapshot{}, domainError(http.StatusNotFound, "NOT_FOUND", "No snapshot at that revision", nil)
	}
	return snap, nil
}

// Preview renders the session's current state as a PNG card.
func (s *Service) Preview(ctx context.Context, id string) ([]byte, error) {
	rec, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.preview.Render(ctx, rec)
}

func (s *Service) Samples() []samples.Sample {
	return s.catalog.List()
}

// sessionPayload is the outward shape of a record. The owner token
// hash never leaves the service.
func sessionPayload(rec *store.SessionRecord) map[string]any {
	payload := map[string]any{
		"id":             rec.ID,
		"name":           rec.Name,
		"createdAt":      rec.CreatedAt,
		"updatedAt":      rec.UpdatedAt,
		"lastAccessedAt": rec.LastAccessedAt,
		"remixCount":     rec.RemixCount,
		"immutable":      rec.Immutable,
		"state":          rec.State,
	}
	if rec.RemixedFrom != "" {
		payload["remixedFrom"] = rec.RemixedFrom
	}
	return payload
}

func (s *Service) sessionURL(id string) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/s/" + id
}

func newOwnerToken() (token, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(buf)
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return token, string(hashed), nil
}
