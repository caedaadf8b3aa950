// Package checkpoint persists agent session checkpoints on the local
// filesystem.
//
// Each session owns a directory under the manager's root holding
// sequentially numbered, zstd-compressed JSON snapshots and an index file:
//
//	<root>/<session_id>/<session_id>_00000001.ckpt
//	<root>/<session_id>/index.json
//
// Every file is replaced atomically, so a crash mid-write leaves the
// previous checkpoint intact.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"

	"github.com/martinemde/trustee/agentloop"
)

// FormatVersion is written to every index file.
const FormatVersion = 1

const (
	indexFileName = "index.json"
	fileExt       = ".ckpt"
)

var (
	ErrNotFound          = errors.New("checkpoint not found")
	ErrCheckpointCorrupt = errors.New("checkpoint is corrupt")
	ErrInvalidSessionID  = errors.New("invalid session id")
)

var validSessionID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSessionID reports whether id can name a session directory.
func ValidateSessionID(id string) error {
	if !validSessionID.MatchString(id) {
		return fmt.Errorf("%w %q: use letters, digits, hyphens and underscores", ErrInvalidSessionID, id)
	}
	return nil
}

// Index summarizes a session for listing without decoding its checkpoints.
type Index struct {
	FormatVersion   int                     `json:"format_version"`
	SessionID       string                  `json:"session_id"`
	Status          agentloop.SessionStatus `json:"status"`
	LatestSequence  int                     `json:"latest_sequence"`
	Iteration       int                     `json:"iteration"`
	Step            agentloop.Step          `json:"step"`
	TaskDescription string                  `json:"task_description"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// Manager stores checkpoints under a root directory. It implements
// agentloop.CheckpointStore. Operations on one session are serialized;
// different sessions proceed independently.
type Manager struct {
	root    string
	keep    int
	logger  *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ agentloop.CheckpointStore = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithKeep retains only the newest n checkpoints per session. Zero keeps
// everything.
func WithKeep(n int) Option {
	return func(m *Manager) { m.keep = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a manager rooted at root, creating the directory if needed.
func New(root string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	m := &Manager{
		root:    root,
		logger:  slog.Default(),
		encoder: encoder,
		decoder: decoder,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Close releases the compression resources.
func (m *Manager) Close() error {
	m.decoder.Close()
	return m.encoder.Close()
}

// Root returns the directory checkpoints are stored under.
func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) lock(sessionID string) func() {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) sessionDir(sessionID string) string {
	return filepath.Join(m.root, sessionID)
}

// Path returns the file a checkpoint is stored in.
func (m *Manager) Path(sessionID string, sequence int) string {
	return filepath.Join(m.sessionDir(sessionID), fmt.Sprintf("%s_%08d%s", sessionID, sequence, fileExt))
}

// Save writes cp as the session's next checkpoint and returns its
// sequence number. cp itself is not modified.
func (m *Manager) Save(ctx context.Context, cp *agentloop.Checkpoint) (int, error) {
	if cp == nil {
		return 0, errors.New("nil checkpoint")
	}
	if err := ValidateSessionID(cp.SessionID); err != nil {
		return 0, err
	}
	unlock := m.lock(cp.SessionID)
	defer unlock()

	dir := m.sessionDir(cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create session directory: %w", err)
	}
	sequences, err := m.sequences(cp.SessionID)
	if err != nil {
		return 0, err
	}
	next := 1
	if n := len(sequences); n > 0 {
		next = sequences[n-1] + 1
	}

	stored := *cp
	stored.Sequence = next
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	compressed := m.encoder.EncodeAll(data, nil)

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("checkpoint not written: %w", err)
	}
	if err := atomic.WriteFile(m.Path(cp.SessionID, next), bytes.NewReader(compressed)); err != nil {
		return 0, fmt.Errorf("failed to write checkpoint: %w", err)
	}

	// The checkpoint is durable from here on; a missed index update is
	// repaired by the next save.
	if err := ctx.Err(); err != nil {
		return next, fmt.Errorf("checkpoint index not updated: %w", err)
	}
	if err := m.writeIndex(&stored); err != nil {
		return next, err
	}

	m.prune(cp.SessionID, append(sequences, next))
	return next, nil
}

func (m *Manager) writeIndex(cp *agentloop.Checkpoint) error {
	idx := Index{
		FormatVersion:   FormatVersion,
		SessionID:       cp.SessionID,
		Status:          cp.Status(),
		LatestSequence:  cp.Sequence,
		Iteration:       cp.Iteration,
		Step:            cp.State.Step,
		TaskDescription: cp.State.TaskDescription,
		CreatedAt:       cp.Timestamp,
		UpdatedAt:       cp.Timestamp,
	}
	if prev, err := m.readIndex(cp.SessionID); err == nil && !prev.CreatedAt.IsZero() {
		idx.CreatedAt = prev.CreatedAt
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(m.sessionDir(cp.SessionID), indexFileName), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

func (m *Manager) prune(sessionID string, sequences []int) {
	if m.keep <= 0 || len(sequences) <= m.keep {
		return
	}
	for _, seq := range sequences[:len(sequences)-m.keep] {
		if err := os.Remove(m.Path(sessionID, seq)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("Failed to remove old checkpoint", "session_id", sessionID, "sequence", seq, "error", err)
		}
	}
}

// Load returns checkpoint sequence of a session; sequence <= 0 means the
// latest.
func (m *Manager) Load(ctx context.Context, sessionID string, sequence int) (*agentloop.Checkpoint, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := m.lock(sessionID)
	defer unlock()

	if sequence <= 0 {
		sequences, err := m.sequences(sessionID)
		if err != nil {
			return nil, err
		}
		if len(sequences) == 0 {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		sequence = sequences[len(sequences)-1]
	}

	path := m.Path(sessionID, sequence)
	compressed, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: session %s sequence %d", ErrNotFound, sessionID, sequence)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointCorrupt, path, err)
	}

	data, err := m.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointCorrupt, path, err)
	}
	var cp agentloop.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointCorrupt, path, err)
	}
	if cp.SessionID != sessionID || cp.Sequence != sequence {
		return nil, fmt.Errorf("%w: %s holds session %q sequence %d", ErrCheckpointCorrupt, path, cp.SessionID, cp.Sequence)
	}
	return &cp, nil
}

// Latest returns the newest checkpoint of a session.
func (m *Manager) Latest(ctx context.Context, sessionID string) (*agentloop.Checkpoint, error) {
	return m.Load(ctx, sessionID, 0)
}

// Sequences returns the stored sequence numbers of a session, ascending.
func (m *Manager) Sequences(ctx context.Context, sessionID string) ([]int, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := m.lock(sessionID)
	defer unlock()
	return m.sequences(sessionID)
}

func (m *Manager) sequences(sessionID string) ([]int, error) {
	entries, err := os.ReadDir(m.sessionDir(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	prefix := sessionID + "_"
	var seqs []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), fileExt))
		if err != nil || seq <= 0 {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs, nil
}

// Index returns the index of a session.
func (m *Manager) Index(ctx context.Context, sessionID string) (*Index, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := m.lock(sessionID)
	defer unlock()
	return m.readIndex(sessionID)
}

func (m *Manager) readIndex(sessionID string) (*Index, error) {
	path := filepath.Join(m.sessionDir(sessionID), indexFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointCorrupt, path, err)
	}
	return &idx, nil
}

// Sessions returns the index of every stored session, most recently
// updated first. Sessions with unreadable indexes are skipped.
func (m *Manager) Sessions(ctx context.Context) ([]Index, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var out []Index
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || ValidateSessionID(e.Name()) != nil {
			continue
		}
		idx, err := m.Index(ctx, e.Name())
		if err != nil {
			m.logger.Warn("Skipping session with unreadable index", "session_id", e.Name(), "error", err)
			continue
		}
		out = append(out, *idx)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes every checkpoint of a session.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.lock(sessionID)
	defer unlock()

	dir := m.sessionDir(sessionID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
