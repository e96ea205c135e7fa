package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Messages map[string]*models.Message     `json:"messages"` // key: id
	Runs     map[string]*models.WorkflowRun `json:"runs"`     // key: id
	Seq      map[string]int64               `json:"seq"`      // key: message id → insertion order
}

// MemoryStore implements Store with in-memory maps. A non-empty snapshot
// path persists data as JSON so it survives restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*models.Message
	runs     map[string]*models.WorkflowRun
	seq      map[string]int64
	nextSeq  int64

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	debounce     time.Duration
}

// NewMemoryStore creates a new in-memory store persisted to snapshotPath
// when it is non-empty.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	m := &MemoryStore{
		messages: make(map[string]*models.Message),
		runs:     make(map[string]*models.WorkflowRun),
		seq:      make(map[string]int64),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		debounce: 500 * time.Millisecond,
	}

	if snapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(snapshotPath), 0755); err != nil {
			log.Warn().Err(err).Str("path", snapshotPath).Msg("Cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = snapshotPath
			m.loadSnapshot()
			go m.saveLoop()
		}
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop debounces save requests (max 1 write per debounce interval).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(m.debounce)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	data, err := json.MarshalIndent(snapshot{Messages: m.messages, Runs: m.runs, Seq: m.seq}, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Messages != nil {
		m.messages = snap.Messages
	}
	if snap.Runs != nil {
		m.runs = snap.Runs
	}
	if snap.Seq != nil {
		m.seq = snap.Seq
	}
	for _, s := range m.seq {
		if s >= m.nextSeq {
			m.nextSeq = s + 1
		}
	}

	log.Info().
		Int("messages", len(m.messages)).
		Int("runs", len(m.runs)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Messages ────────────────────────────────────────────────

func (m *MemoryStore) ListRecentMessages(_ context.Context, projectID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Message
	for _, msg := range m.messages {
		if msg.ProjectID != projectID {
			continue
		}
		out = append(out, *cloneMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return m.seq[out[i].ID] > m.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareMessage(msg)
	if _, exists := m.messages[msg.ID]; exists {
		return nil
	}
	m.messages[msg.ID] = cloneMessage(msg)
	m.seq[msg.ID] = m.nextSeq
	m.nextSeq++
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "message", Key: id}
	}
	return cloneMessage(msg), nil
}

// prepareMessage fills generated fields of a new message in place.
func prepareMessage(msg *models.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if f := msg.Fragment; f != nil {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.MessageID = msg.ID
		if f.CreatedAt.IsZero() {
			f.CreatedAt = msg.CreatedAt
		}
		if f.Files == nil {
			f.Files = models.FileCollection{}
		}
	}
}

func cloneMessage(msg *models.Message) *models.Message {
	c := *msg
	if msg.Fragment != nil {
		f := *msg.Fragment
		f.Files = msg.Fragment.Files.Clone()
		c.Fragment = &f
	}
	return &c
}

// ── Runs ────────────────────────────────────────────────────

func (m *MemoryStore) CreateRun(_ context.Context, run *models.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prepareRun(run)
	m.runs[run.ID] = cloneRun(run)
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run *models.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return &ErrNotFound{Entity: "run", Key: run.ID}
	}
	m.runs[run.ID] = cloneRun(run)
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*models.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "run", Key: id}
	}
	return cloneRun(run), nil
}

func (m *MemoryStore) ListRuns(_ context.Context, projectID string, limit int) ([]models.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.WorkflowRun
	for _, run := range m.runs {
		if projectID != "" && run.ProjectID != projectID {
			continue
		}
		out = append(out, *cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func prepareRun(run *models.WorkflowRun) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
}

func cloneRun(run *models.WorkflowRun) *models.WorkflowRun {
	c := *run
	if run.Files != nil {
		c.Files = run.Files.Clone()
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
