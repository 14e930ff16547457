// Package snapshot checkpoints workspace files before risky commands and
// rolls them back on request. Manifests and content live in SQLite, so a
// checkpoint survives restarts of the host process.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"execguard/internal/clock"
	"execguard/internal/domain"
)

type ConflictPolicy string

const (
	// ConflictOverwrite restores tracked files regardless of edits made since
	// the snapshot.
	ConflictOverwrite ConflictPolicy = "overwrite"
	// ConflictRefuse fails a restore when any tracked file changed since the
	// snapshot, unless the restore is forced.
	ConflictRefuse ConflictPolicy = "refuse"
)

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case "", ConflictOverwrite:
		return ConflictOverwrite, nil
	case ConflictRefuse:
		return ConflictRefuse, nil
	}
	return "", fmt.Errorf("%w: unknown snapshot conflict policy %q", domain.ErrConfig, s)
}

// Entry is one tracked file as it was when the snapshot was taken. Missing
// records a path that did not exist; restoring removes it.
type Entry struct {
	Path    string      `json:"path"`
	Hash    string      `json:"hash,omitempty"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	ModTime time.Time   `json:"mod_time"`
	Missing bool        `json:"missing,omitempty"`
}

type Snapshot struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Pinned    bool      `json:"pinned"`
	Files     int       `json:"files"`
	Entries   []Entry   `json:"entries,omitempty"`
}

type RestoreOptions struct {
	// Force restores over conflicting edits even under ConflictRefuse.
	Force bool
}

type RestoreResult struct {
	Restored  []string `json:"restored"`
	Removed   []string `json:"removed,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// ConflictError lists tracked files whose content changed since the snapshot.
type ConflictError struct {
	SnapshotID string
	Paths      []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("snapshot %s: %d tracked file(s) changed since snapshot: %s",
		e.SnapshotID, len(e.Paths), strings.Join(e.Paths, ", "))
}

func (e *ConflictError) Unwrap() error { return domain.ErrSnapshotConflict }

type Options struct {
	Store      Store
	FS         FS
	Clock      clock.Clock
	MaxCount   int
	MaxAge     time.Duration
	OnConflict ConflictPolicy
	Logger     *zerolog.Logger
}

type Manager struct {
	store Store
	fs    FS
	clk   clock.Clock
	locks *lockSet
	log   zerolog.Logger

	mu         sync.Mutex
	maxCount   int
	maxAge     time.Duration
	onConflict ConflictPolicy
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.OnConflict == "" {
		opts.OnConflict = ConflictOverwrite
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Manager{
		store:      opts.Store,
		fs:         opts.FS,
		clk:        opts.Clock,
		locks:      newLockSet(),
		log:        logger.With().Str("component", "snapshot").Logger(),
		maxCount:   opts.MaxCount,
		maxAge:     opts.MaxAge,
		onConflict: opts.OnConflict,
	}
}

// SetRetention updates retention and conflict handling, e.g. after a config
// reload.
func (m *Manager) SetRetention(maxCount int, maxAge time.Duration, policy ConflictPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxCount = maxCount
	m.maxAge = maxAge
	if policy != "" {
		m.onConflict = policy
	}
}

// Create records the current content of paths. Directories are expanded to
// the regular files beneath them.
func (m *Manager) Create(ctx context.Context, label string, paths []string) (string, error) {
	files, err := m.expand(paths)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: snapshot needs at least one path", domain.ErrValidation)
	}
	release := m.locks.acquire(files)
	defer release()

	snap := Snapshot{
		ID:        "snap_" + uuid.NewString(),
		Label:     label,
		CreatedAt: m.clk.Now(),
		Files:     len(files),
	}
	blobs := make(map[string][]byte)
	var total int64
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		e := Entry{Path: p}
		info, err := m.fs.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			e.Missing = true
			snap.Entries = append(snap.Entries, e)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
		data, err := m.fs.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", p, err)
		}
		e.Hash = hashOf(data)
		e.Size = int64(len(data))
		e.Mode = info.Mode()
		e.ModTime = info.ModTime()
		blobs[e.Hash] = data
		total += e.Size
		snap.Entries = append(snap.Entries, e)
	}
	if err := m.store.Save(ctx, snap, blobs); err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	m.log.Info().Str("snapshot_id", snap.ID).Str("label", label).Int("files", len(files)).Int64("bytes", total).Msg("snapshot created")
	return snap.ID, nil
}

func (m *Manager) expand(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		if o, ok := m.fs.(OSFS); ok {
			clean, err := o.Clean(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
			}
			p = clean
		}
		info, err := m.fs.Stat(p)
		if err == nil && info.IsDir() {
			files, err := m.fs.Files(p)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", p, err)
			}
			for _, f := range files {
				if !seen[f] {
					seen[f] = true
					out = append(out, f)
				}
			}
			continue
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Restore writes every tracked file back to its recorded content.
func (m *Manager) Restore(ctx context.Context, id string, opts RestoreOptions) (RestoreResult, error) {
	snap, err := m.store.Load(ctx, id)
	if err != nil {
		return RestoreResult{}, err
	}
	paths := make([]string, len(snap.Entries))
	for i, e := range snap.Entries {
		paths[i] = e.Path
	}
	release := m.locks.acquire(paths)
	defer release()

	var res RestoreResult
	for _, e := range snap.Entries {
		changed, err := m.changed(e)
		if err != nil {
			return RestoreResult{}, err
		}
		if changed {
			res.Conflicts = append(res.Conflicts, e.Path)
		}
	}
	m.mu.Lock()
	policy := m.onConflict
	m.mu.Unlock()
	if policy == ConflictRefuse && !opts.Force && len(res.Conflicts) > 0 {
		return res, &ConflictError{SnapshotID: id, Paths: res.Conflicts}
	}

	for _, e := range snap.Entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if e.Missing {
			if err := m.fs.Remove(e.Path); err != nil {
				return res, fmt.Errorf("remove %s: %w", e.Path, err)
			}
			res.Removed = append(res.Removed, e.Path)
			continue
		}
		data, err := m.store.Blob(ctx, e.Hash)
		if err != nil {
			return res, err
		}
		if err := m.fs.WriteFile(e.Path, data, e.Mode); err != nil {
			return res, fmt.Errorf("write %s: %w", e.Path, err)
		}
		if err := m.fs.Chtimes(e.Path, e.ModTime); err != nil {
			return res, fmt.Errorf("chtimes %s: %w", e.Path, err)
		}
		res.Restored = append(res.Restored, e.Path)
	}
	m.log.Info().Str("snapshot_id", id).Int("restored", len(res.Restored)).Int("removed", len(res.Removed)).
		Int("conflicts", len(res.Conflicts)).Bool("force", opts.Force).Msg("snapshot restored")
	return res, nil
}

func (m *Manager) changed(e Entry) (bool, error) {
	data, err := m.fs.ReadFile(e.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return !e.Missing, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", e.Path, err)
	}
	if e.Missing {
		return true, nil
	}
	return hashOf(data) != e.Hash, nil
}

func (m *Manager) Get(ctx context.Context, id string) (Snapshot, error) {
	return m.store.Load(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	return m.store.List(ctx)
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.log.Info().Str("snapshot_id", id).Msg("snapshot deleted")
	return nil
}

func (m *Manager) Pin(ctx context.Context, id string, pinned bool) error {
	return m.store.SetPinned(ctx, id, pinned)
}

// Prune deletes unpinned snapshots older than the max age, then the oldest
// unpinned ones until at most max count remain. It returns the ids removed.
func (m *Manager) Prune(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	maxCount, maxAge := m.maxCount, m.maxAge
	m.mu.Unlock()

	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	remaining := len(all)
	for _, s := range all {
		if s.Pinned {
			continue
		}
		expired := maxAge > 0 && now.Sub(s.CreatedAt) > maxAge
		over := maxCount > 0 && remaining > maxCount
		if !expired && !over {
			continue
		}
		if err := m.store.Delete(ctx, s.ID); err != nil {
			return removed, err
		}
		removed = append(removed, s.ID)
		remaining--
	}
	if len(removed) > 0 {
		m.log.Info().Int("pruned", len(removed)).Int("remaining", remaining).Msg("snapshot retention applied")
	}
	return removed, nil
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// lockSet grants exclusive access to a set of paths all at once, so
// overlapping creates and restores serialize while disjoint ones run in
// parallel.
type lockSet struct {
	mu   sync.Mutex
	cond *sync.Cond
	held map[string]bool
}

func newLockSet() *lockSet {
	l := &lockSet{held: make(map[string]bool)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *lockSet) acquire(paths []string) func() {
	keys := append([]string(nil), paths...)
	sort.Strings(keys)
	l.mu.Lock()
	for l.anyHeld(keys) {
		l.cond.Wait()
	}
	for _, k := range keys {
		l.held[k] = true
	}
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		for _, k := range keys {
			delete(l.held, k)
		}
		l.mu.Unlock()
		l.cond.Broadcast()
	}
}

func (l *lockSet) anyHeld(keys []string) bool {
	for _, k := range keys {
		if l.held[k] {
			return true
		}
	}
	return false
}
