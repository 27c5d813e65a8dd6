// Package archive keeps a git history of session snapshots. Each
// session gets its own repository under the base directory; every
// durable save becomes one commit of state.json on main, and publishing
// tags the head. The archive is best-effort: callers log failures and
// move on, the live session never waits on it.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/adewale/keyboardia-sub010/internal/session"
	"github.com/adewale/keyboardia-sub010/internal/store"
)

const stateFile = "state.json"

// ErrNoHistory is returned when a session has no archive repository.
var ErrNoHistory = errors.New("session has no archive")

// Snapshot is the committed projection of a record. The owner token
// hash stays in the store, and access times and remix counters change
// outside the save path, so none of them are archived.
type Snapshot struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	RemixedFrom string        `json:"remixedFrom,omitempty"`
	Immutable   bool          `json:"immutable"`
	State       session.State `json:"state"`
}

// CommitInfo is one history entry, newest first.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service owns the archive directory. Per-session locks serialize
// writes to one repository; different sessions commit independently.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records the snapshot as one commit on the session's main
// branch, initializing the repository on first use. A remix's first
// commit carries the state copied from its parent. Commits that would
// not change state.json are skipped.
func (s *Service) Commit(rec *store.SessionRecord) error {
	lock := s.sessionLock(rec.ID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(rec.ID)
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat repo path: %w", err)
		}
		return s.initRepo(path, rec)
	}

	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	_, err = commitSnapshot(repo, path, rec, commitMessage(rec, false))
	if errors.Is(err, git.ErrEmptyCommit) {
		return nil
	}
	return err
}

// TagHead tags the session's latest commit. Publishing uses it to pin
// the frozen snapshot; tagging twice with the same name is a no-op.
func (s *Service) TagHead(sessionID, name string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(sessionID)
	if err != nil {
		return err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return fmt.Errorf("resolve main: %w", err)
	}

	_, err = repo.CreateTag(name, ref.Hash(), &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "keyboardia",
			Email: "archive@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// History lists the session's commits, newest first. limit <= 0 means
// the full log.
func (s *Service) History(sessionID string, limit int) ([]CommitInfo, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(sessionID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, max(limit, 0))
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotAt reads the archived snapshot at a commit hash, short hash,
// or tag name.
func (s *Service) SnapshotAt(sessionID, rev string) (Snapshot, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	hash, err := resolveHash(repo, rev)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", rev, err)
	}
	return readSnapshot(commitObj)
}

func (s *Service) open(sessionID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(sessionID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNoHistory
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) initRepo(path string, rec *store.SessionRecord) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	hash, err := commitSnapshot(repo, path, rec, commitMessage(rec, true))
	if err != nil {
		return err
	}

	// go-git initializes HEAD at master; the archive lives on main.
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

func commitSnapshot(repo *git.Repository, path string, rec *store.SessionRecord, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(toSnapshot(rec), "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, stateFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", stateFile, err)
	}
	if _, err := worktree.Add(stateFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", stateFile, err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "keyboardia",
			Email: "archive@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return hash, nil
}

func commitMessage(rec *store.SessionRecord, initial bool) string {
	switch {
	case initial && rec.RemixedFrom != "":
		return fmt.Sprintf("Remix of %s", rec.RemixedFrom)
	case initial:
		return "Create session"
	case rec.Immutable:
		return "Publish"
	default:
		return fmt.Sprintf("Snapshot v%d", rec.State.Version)
	}
}

func toSnapshot(rec *store.SessionRecord) Snapshot {
	return Snapshot{
		ID:          rec.ID,
		Name:        rec.Name,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		RemixedFrom: rec.RemixedFrom,
		Immutable:   rec.Immutable,
		State:       rec.State.Clone(),
	}
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(stateFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", stateFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func resolveHash(repo *git.Repository, rev string) (plumbing.Hash, error) {
	if len(rev) == 40 {
		return plumbing.NewHash(rev), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", rev, err)
	}
	return *resolved, nil
}

func (s *Service) repoPath(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[sessionID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}
