package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"inkpad/api/internal/store"
)

const snapshotFile = "pad.json"

var ErrNotFound = errors.New("snapshot not found")

// Snapshot is what gets committed per pad: the full content triple plus the
// metadata the history view needs.
type Snapshot struct {
	PadID      string            `json:"pad_id"`
	Name       string            `json:"name"`
	Abstract   string            `json:"abstract"`
	Sections   []store.Section   `json:"sections"`
	Authors    []store.Author    `json:"authors"`
	References []store.Reference `json:"references"`
	Published  bool              `json:"published"`
}

// Service keeps one git repository per pad under baseDir. Commits serialize
// through a per-pad mutex; go-git worktrees are not safe for concurrent use.
type Service struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(baseDir string) (*Service, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshots dir: %w", err)
	}
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (s *Service) padLock(padID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[padID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[padID] = lock
	}
	return lock
}

func (s *Service) padPath(padID string) string {
	return filepath.Join(s.baseDir, sanitizePadID(padID))
}

var padIDPattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitizePadID(padID string) string {
	return padIDPattern.ReplaceAllString(padID, "_")
}

// EnsurePadRepo initializes the pad's repository if it does not exist yet.
func (s *Service) EnsurePadRepo(padID string) error {
	lock := s.padLock(padID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.openOrInit(padID)
	return err
}

func (s *Service) openOrInit(padID string) (*git.Repository, error) {
	path := s.padPath(padID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open pad repo: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init pad repo: %w", err)
	}
	return repo, nil
}

// CommitSnapshot writes the snapshot to the pad's repository and commits it.
// Returns the new commit hash. No-op commits are allowed so publish events
// always leave a mark in history even without content changes.
func (s *Service) CommitSnapshot(snap Snapshot, authorName, authorEmail, message string) (string, error) {
	lock := s.padLock(snap.PadID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(snap.PadID)
	if err != nil {
		return "", err
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(s.padPath(snap.PadID), snapshotFile)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	if _, err := wt.Add(snapshotFile); err != nil {
		return "", fmt.Errorf("stage snapshot: %w", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  authorName,
			Email: sanitizeEmail(authorEmail),
			When:  time.Now().UTC(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit snapshot: %w", err)
	}
	return hash.String(), nil
}

func sanitizeEmail(email string) string {
	if email == "" {
		return "noreply@inkpad.local"
	}
	return email
}

// History returns commits newest-first, up to limit (0 means all).
func (s *Service) History(padID string, limit int) ([]store.CommitInfo, error) {
	lock := s.padLock(padID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.padPath(padID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open pad repo: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var commits []store.CommitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		commits = append(commits, toCommitInfo(c))
		if limit > 0 && len(commits) >= limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return commits, nil
}

var errStopIteration = errors.New("stop")

func toCommitInfo(c *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      c.Hash.String()[:7],
		Message:   c.Message,
		Author:    c.Author.Name,
		CreatedAt: c.Author.When.UTC(),
	}
}

// GetSnapshotByHash reads the committed pad.json at the given commit. Accepts
// the abbreviated hash History hands out.
func (s *Service) GetSnapshotByHash(padID, hash string) (*Snapshot, error) {
	lock := s.padLock(padID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.padPath(padID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open pad repo: %w", err)
	}

	commit, err := resolveCommit(repo, hash)
	if err != nil {
		return nil, err
	}

	file, err := commit.File(snapshotFile)
	if err != nil {
		return nil, ErrNotFound
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read snapshot blob: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(contents), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func resolveCommit(repo *git.Repository, hash string) (*object.Commit, error) {
	if len(hash) == 40 {
		commit, err := repo.CommitObject(plumbing.NewHash(hash))
		if err != nil {
			return nil, ErrNotFound
		}
		return commit, nil
	}

	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return nil, ErrNotFound
	}
	defer iter.Close()

	var found *object.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if len(c.Hash.String()) >= len(hash) && c.Hash.String()[:len(hash)] == hash {
			found = c
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}
