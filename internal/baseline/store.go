package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrBaselinesInvalid is returned when validation rejects a baseline set
	// or a proposed change.
	ErrBaselinesInvalid = errors.New("baselines invalid")

	// ErrStoreUnavailable is returned when the underlying file cannot be
	// written after retry.
	ErrStoreUnavailable = errors.New("baseline store unavailable")

	// ErrVersionNotFound is returned when a requested historical version has
	// no file on disk.
	ErrVersionNotFound = errors.New("baseline version not found")
)

const (
	currentLinkName = "baselines.current"
	persistRetries  = 2
)

// Preview describes what an apply would do without doing it.
type Preview struct {
	// Proposed is the baseline set that would become current.
	Proposed *Baselines `json:"proposed"`

	// TargetPath, From and To summarise the single value that changes.
	TargetPath string  `json:"target_path"`
	From       float64 `json:"from"`
	To         float64 `json:"to"`

	// NewVersion is the version the change would be stamped with.
	NewVersion string `json:"new_version"`

	// BackupPath is the on-disk file holding the pre-apply baselines.
	BackupPath string `json:"backup_path"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLoadFailHook registers a callback invoked when the persisted baselines
// are unreadable and the store falls back to defaults. The telemetry layer
// uses this to emit a LOADFAIL event without the baseline package depending
// on it.
func WithLoadFailHook(hook func(error)) StoreOption {
	return func(s *Store) { s.onLoadFail = hook }
}

// WithAuthor sets the author recorded on lineage entries written by this
// store instance (e.g. "auto-update-gate", "cli").
func WithAuthor(author string) StoreOption {
	return func(s *Store) { s.author = author }
}

// Store is the exclusive owner of the persisted baselines. Reads return deep
// copies of a cached snapshot; writes take an exclusive lock, validate,
// bump the version, append lineage, and persist atomically via
// write-to-temp + rename.
type Store struct {
	mu         sync.RWMutex
	root       string
	current    *Baselines
	onLoadFail func(error)
	author     string
}

// NewStore opens (or initialises) the baseline store rooted at dir. A missing
// store is seeded with Defaults; an unreadable one falls back to defaults
// in memory, fires the load-fail hook, and leaves the corrupt file untouched
// for inspection.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root: %v", ErrStoreUnavailable, err)
	}

	s := &Store{root: dir, author: "kernel"}
	for _, opt := range opts {
		opt(s)
	}

	b, err := s.readCurrent()
	switch {
	case err == nil:
		s.current = b
	case errors.Is(err, os.ErrNotExist):
		// First run: seed with defaults.
		s.current = Defaults()
		if err := s.persistLocked(s.current); err != nil {
			return nil, err
		}
	default:
		log.Printf("[BaselineStore] load failed, falling back to defaults: %v", err)
		s.current = Defaults()
		if s.onLoadFail != nil {
			s.onLoadFail(err)
		}
	}
	return s, nil
}

// Load returns a deep copy of the current baselines. Holders of a prior copy
// keep seeing the old values until they call Load again; routing decisions
// are tagged with the version they used, so this is deliberate.
func (s *Store) Load() *Baselines {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// LoadVersion reads a historical baseline version from disk.
func (s *Store) LoadVersion(version string) (*Baselines, error) {
	data, err := os.ReadFile(s.versionPath(version))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
		}
		return nil, fmt.Errorf("%w: read version %s: %v", ErrStoreUnavailable, version, err)
	}
	b := &Baselines{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("%w: parse version %s: %v", ErrBaselinesInvalid, version, err)
	}
	return b, nil
}

// Lineage returns the ordered lineage entries of the current baselines.
func (s *Store) Lineage() []LineageEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LineageEntry(nil), s.current.Lineage...)
}

// ApplyUpdate validates and applies a proposed update. With dryRun it returns
// a Preview and leaves the store untouched. The applied baselines (or the
// preview's Proposed) carry a bumped version and a fresh lineage entry.
func (s *Store) ApplyUpdate(p ProposedUpdate, dryRun bool) (*Baselines, *Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current

	// Stale-proposal guard: the value the proposal wants to change must still
	// be what the proposal saw, within float noise.
	liveValue, err := resolveTargetPath(cur, p.TargetPath)
	if err != nil {
		return nil, nil, err
	}
	if math.Abs(liveValue-p.CurrentValue) > 1e-9 {
		return nil, nil, fmt.Errorf("%w: proposal %s is stale (current %.6f, expected %.6f)",
			ErrBaselinesInvalid, p.ID, liveValue, p.CurrentValue)
	}

	updated, err := applyTargetPath(cur, p.TargetPath, p.ProposedValue)
	if err != nil {
		return nil, nil, err
	}

	newVersion, err := bumpPatch(cur.Version)
	if err != nil {
		return nil, nil, err
	}
	updated.Version = newVersion
	updated.Lineage = append(updated.Lineage, LineageEntry{
		Version:    newVersion,
		AppliedAt:  time.Now().UTC(),
		ProposalID: p.ID,
		Rationale:  p.Rationale,
		Author:     s.author,
	})

	if err := updated.Validate(); err != nil {
		return nil, nil, err
	}

	if dryRun {
		return nil, &Preview{
			Proposed:   updated,
			TargetPath: p.TargetPath,
			From:       p.CurrentValue,
			To:         p.ProposedValue,
			NewVersion: newVersion,
			BackupPath: s.versionPath(cur.Version),
		}, nil
	}

	if err := s.persistLocked(updated); err != nil {
		return nil, nil, err
	}
	s.current = updated
	log.Printf("[BaselineStore] applied %s: %s %.4f -> %.4f (version %s)",
		p.ID, p.TargetPath, p.CurrentValue, p.ProposedValue, newVersion)
	return updated.Clone(), nil, nil
}

// Rollback restores the configuration of a historical version under a new,
// strictly higher version number, keeping the lineage append-only.
func (s *Store) Rollback(toVersion string, proposalID string) (*Baselines, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored, err := s.loadVersionLocked(toVersion)
	if err != nil {
		return nil, err
	}

	if cmp, err := compareVersions(toVersion, s.current.Version); err != nil {
		return nil, err
	} else if cmp >= 0 {
		return nil, fmt.Errorf("%w: cannot roll back to %s from %s", ErrBaselinesInvalid, toVersion, s.current.Version)
	}

	newVersion, err := bumpPatch(s.current.Version)
	if err != nil {
		return nil, err
	}
	restored.Version = newVersion
	restored.Lineage = append(append([]LineageEntry(nil), s.current.Lineage...), LineageEntry{
		Version:    newVersion,
		AppliedAt:  time.Now().UTC(),
		ProposalID: proposalID,
		Rationale:  fmt.Sprintf("rollback to %s", toVersion),
		Author:     s.author,
	})

	if err := restored.Validate(); err != nil {
		return nil, err
	}
	if err := s.persistLocked(restored); err != nil {
		return nil, err
	}
	s.current = restored
	log.Printf("[BaselineStore] rolled back to %s content (new version %s)", toVersion, newVersion)
	return restored.Clone(), nil
}

// CurrentVersion returns the version string of the live baselines.
func (s *Store) CurrentVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Version
}

// VersionPath exposes where a given version lives on disk (backup paths in
// previews and reports).
func (s *Store) VersionPath(version string) string {
	return s.versionPath(version)
}

// --- internals ---

func (s *Store) versionPath(version string) string {
	return filepath.Join(s.root, fmt.Sprintf("baselines.v%s.json", version))
}

func (s *Store) currentLinkPath() string {
	return filepath.Join(s.root, currentLinkName)
}

func (s *Store) loadVersionLocked(version string) (*Baselines, error) {
	data, err := os.ReadFile(s.versionPath(version))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
		}
		return nil, fmt.Errorf("%w: read version %s: %v", ErrStoreUnavailable, version, err)
	}
	b := &Baselines{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("%w: parse version %s: %v", ErrBaselinesInvalid, version, err)
	}
	return b, nil
}

// readCurrent resolves the current link and parses the file it points to.
func (s *Store) readCurrent() (*Baselines, error) {
	target, err := os.Readlink(s.currentLinkPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		// The link may be a plain pointer file on filesystems without
		// symlink support.
		raw, rerr := os.ReadFile(s.currentLinkPath())
		if rerr != nil {
			return nil, fmt.Errorf("resolve current baselines: %w", err)
		}
		target = string(raw)
	}

	data, err := os.ReadFile(filepath.Join(s.root, filepath.Base(target)))
	if err != nil {
		return nil, fmt.Errorf("read current baselines: %w", err)
	}
	b := &Baselines{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("parse current baselines: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// persistLocked writes the baselines atomically: marshal, write temp, fsync,
// rename to the versioned file, then swap the current link. A crash at any
// point leaves either the old state fully intact or the new state fully
// visible. Retries once before surfacing ErrStoreUnavailable.
func (s *Store) persistLocked(b *Baselines) error {
	var lastErr error
	for attempt := 0; attempt < persistRetries; attempt++ {
		if lastErr = s.persistOnce(b); lastErr == nil {
			return nil
		}
		log.Printf("[BaselineStore] persist attempt %d failed: %v", attempt+1, lastErr)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

func (s *Store) persistOnce(b *Baselines) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode baselines: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.root, "baselines.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}

	final := s.versionPath(b.Version)
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}

	return s.swapCurrentLink(filepath.Base(final))
}

// swapCurrentLink atomically repoints baselines.current. Falls back to a
// plain pointer file where symlinks are unavailable.
func (s *Store) swapCurrentLink(target string) error {
	tmpLink := s.currentLinkPath() + ".tmp"
	os.Remove(tmpLink)

	if err := os.Symlink(target, tmpLink); err != nil {
		// Pointer-file fallback.
		if werr := os.WriteFile(tmpLink, []byte(target), 0o644); werr != nil {
			return fmt.Errorf("write current pointer: %w", werr)
		}
	}
	if err := os.Rename(tmpLink, s.currentLinkPath()); err != nil {
		return fmt.Errorf("swap current pointer: %w", err)
	}
	return nil
}
