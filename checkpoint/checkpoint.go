// Package checkpoint persists opaque state snapshots to a content-addressed
// directory, chained by parent id, integrity-checked by a truncated SHA-256
// of their canonical JSON form, and subject to a retention policy
// (max count, max age, compression after an age threshold).
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/itsneelabh/col/core"
)

const version = "1.0"

// Policy governs automatic checkpoint retention and compression.
type Policy struct {
	Enabled             bool
	MaxCheckpoints      int
	MaxAge              time.Duration
	CompressAfter       time.Duration
	AutoInterval        time.Duration
	CheckpointOnError   bool
	CheckpointOnHighRisk bool
	KeepMinimum         int
}

// DefaultPolicy mirrors the reference defaults: 100 checkpoints, 30 days
// max age, compress after 7 days, keep at least 10.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:              true,
		MaxCheckpoints:       100,
		MaxAge:               30 * 24 * time.Hour,
		CompressAfter:        7 * 24 * time.Hour,
		AutoInterval:         60 * time.Minute,
		CheckpointOnError:    true,
		CheckpointOnHighRisk: true,
		KeepMinimum:          10,
	}
}

// Checkpoint is one immutable, integrity-verified state snapshot.
type Checkpoint struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Reason     string                 `json:"reason"`
	State      map[string]interface{} `json:"state"`
	ParentID   string                 `json:"parent_id,omitempty"`
	Checksum   string                 `json:"checksum"`
	Compressed bool                   `json:"compressed"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func computeChecksum(state map[string]interface{}) (string, error) {
	canon, err := canonicalJSON(state)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:16], nil
}

// Verify reports whether the stored checksum matches the recomputed one.
func (c *Checkpoint) Verify() (bool, error) {
	if c.Checksum == "" {
		return true, nil
	}
	sum, err := computeChecksum(c.State)
	if err != nil {
		return false, err
	}
	return sum == c.Checksum, nil
}

// Stats tallies manager activity.
type Stats struct {
	Created    int64
	Restored   int64
	Deleted    int64
	Verified   int64
	Corrupted  int64
	DirSizeMB  float64
}

// Manager persists and retrieves checkpoints under one directory, serializing
// all filesystem mutations under a single lock.
type Manager struct {
	mu       sync.Mutex
	dir      string
	policy   Policy
	logger   core.Logger

	cache      map[string]*Checkpoint
	cacheOrder []string
	cacheSize  int

	index        map[string]indexEntry
	currentChain string

	stats Stats
}

type indexEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason"`
	ParentID   string    `json:"parent_id,omitempty"`
	Checksum   string    `json:"checksum"`
	Compressed bool      `json:"compressed"`
}

// New creates a Manager rooted at dir, creating it if necessary, loading any
// existing index, and running a retention sweep.
func New(dir string, policy Policy, logger core.Logger) (*Manager, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("col/checkpoint")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	m := &Manager{
		dir:       dir,
		policy:    policy,
		logger:    logger,
		cache:     make(map[string]*Checkpoint),
		cacheSize: 10,
		index:     make(map[string]indexEntry),
	}
	m.loadIndex()
	m.retentionSweep()
	return m, nil
}

func (m *Manager) indexPath() string {
	return filepath.Join(m.dir, "checkpoint_index.json")
}

func (m *Manager) checkpointPath(id string) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", id))
}

func (m *Manager) compressedPath(id string) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json.gz", id))
}

func (m *Manager) loadIndex() {
	raw, err := os.ReadFile(m.indexPath())
	if err != nil {
		return
	}
	var idx map[string]indexEntry
	if err := json.Unmarshal(raw, &idx); err != nil {
		return
	}
	m.index = idx
}

func (m *Manager) saveIndexLocked() error {
	raw, err := json.MarshalIndent(m.index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.indexPath(), raw, 0o644)
}

func randomSuffix() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// Create writes a new checkpoint, chaining it from the current head unless
// an explicit parentID is given, and enforces capacity after writing.
func (m *Manager) Create(state map[string]interface{}, reason string, parentID string, metadata map[string]interface{}) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.policy.Enabled {
		return nil, fmt.Errorf("checkpointing disabled")
	}

	id := fmt.Sprintf("cp_%d_%s", time.Now().UnixNano()/int64(time.Millisecond), randomSuffix())
	if parentID == "" {
		parentID = m.currentChain
	}

	checksum, err := computeChecksum(state)
	if err != nil {
		return nil, fmt.Errorf("checksum: %w", err)
	}

	cp := &Checkpoint{
		ID:        id,
		Timestamp: time.Now(),
		Version:   version,
		Reason:    reason,
		State:     state,
		ParentID:  parentID,
		Checksum:  checksum,
		Metadata:  metadata,
	}

	if err := m.writeCheckpointLocked(cp); err != nil {
		return nil, err
	}

	m.index[id] = indexEntry{Timestamp: cp.Timestamp, Reason: reason, ParentID: parentID, Checksum: checksum}
	if err := m.saveIndexLocked(); err != nil {
		m.logger.Warn("failed to persist checkpoint index", map[string]interface{}{"error": err.Error()})
	}

	m.cacheLocked(cp)
	m.currentChain = id
	m.stats.Created++

	m.enforceCapacityLocked()

	return cp, nil
}

func (m *Manager) writeCheckpointLocked(cp *Checkpoint) error {
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return os.WriteFile(m.checkpointPath(cp.ID), raw, 0o644)
}

// CreateEmergency writes a checkpoint with reason "emergency" and critical
// metadata, used by the resource-pressure governance loop.
func (m *Manager) CreateEmergency(state map[string]interface{}) (*Checkpoint, error) {
	if state == nil {
		state = map[string]interface{}{}
	}
	return m.Create(state, "emergency", "", map[string]interface{}{"emergency": true, "priority": "critical"})
}

func (m *Manager) cacheLocked(cp *Checkpoint) {
	if _, exists := m.cache[cp.ID]; !exists {
		m.cacheOrder = append(m.cacheOrder, cp.ID)
	}
	m.cache[cp.ID] = cp
	for len(m.cacheOrder) > m.cacheSize {
		oldest := m.cacheOrder[0]
		m.cacheOrder = m.cacheOrder[1:]
		delete(m.cache, oldest)
	}
}

// Get loads a checkpoint by id, from cache or disk (transparently handling
// gzip-compressed files).
func (m *Manager) Get(id string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *Manager) getLocked(id string) (*Checkpoint, error) {
	if cp, ok := m.cache[id]; ok {
		return cp, nil
	}

	path := m.checkpointPath(id)
	compressedPath := m.compressedPath(id)

	var raw []byte
	var compressed bool
	var err error

	if _, statErr := os.Stat(path); statErr == nil {
		raw, err = os.ReadFile(path)
	} else if _, statErr := os.Stat(compressedPath); statErr == nil {
		raw, err = readGzip(compressedPath)
		compressed = true
	} else {
		return nil, fmt.Errorf("%w: %s", core.ErrCheckpointNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", id, err)
	}
	cp.Compressed = compressed

	m.cacheLocked(&cp)
	return &cp, nil
}

func readGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// Restore loads and verifies a checkpoint, returning its state. A checksum
// mismatch is the only case that raises ErrCheckpointCorrupt.
func (m *Manager) Restore(id string) (map[string]interface{}, error) {
	m.mu.Lock()
	cp, err := m.getLocked(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	ok, verr := cp.Verify()
	if verr != nil {
		m.mu.Unlock()
		return nil, verr
	}
	if !ok {
		m.stats.Corrupted++
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrCheckpointCorrupt, id)
	}
	m.stats.Restored++
	m.stats.Verified++
	m.mu.Unlock()

	return cp.State, nil
}

// VerifyOne reports whether a single checkpoint's checksum still matches.
func (m *Manager) VerifyOne(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.getLocked(id)
	if err != nil {
		return false, err
	}
	ok, verr := cp.Verify()
	if verr != nil {
		return false, verr
	}
	if ok {
		m.stats.Verified++
	} else {
		m.stats.Corrupted++
	}
	return ok, nil
}

// Chain returns the path from root to id by following ParentID links.
func (m *Manager) Chain(id string) ([]*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var chain []*Checkpoint
	current := id
	seen := make(map[string]struct{})
	for current != "" {
		if _, visited := seen[current]; visited {
			break // defensive: a cycle should never occur, but never loop forever
		}
		seen[current] = struct{}{}

		cp, err := m.getLocked(current)
		if err != nil {
			break
		}
		chain = append([]*Checkpoint{cp}, chain...)
		current = cp.ParentID
	}
	return chain, nil
}

// DiffResult reports the shallow key-level differences between two states.
type DiffResult struct {
	Added    map[string]interface{}
	Removed  map[string]interface{}
	Modified map[string]interface{}
}

// Diff computes a shallow, key-level comparison between two checkpoints'
// states.
func (m *Manager) Diff(idA, idB string) (*DiffResult, error) {
	cpA, err := m.Get(idA)
	if err != nil {
		return nil, err
	}
	cpB, err := m.Get(idB)
	if err != nil {
		return nil, err
	}

	result := &DiffResult{
		Added:    map[string]interface{}{},
		Removed:  map[string]interface{}{},
		Modified: map[string]interface{}{},
	}

	for k, v := range cpB.State {
		old, existed := cpA.State[k]
		if !existed {
			result.Added[k] = v
			continue
		}
		oldJSON, _ := json.Marshal(old)
		newJSON, _ := json.Marshal(v)
		if !bytes.Equal(oldJSON, newJSON) {
			result.Modified[k] = v
		}
	}
	for k, v := range cpA.State {
		if _, existed := cpB.State[k]; !existed {
			result.Removed[k] = v
		}
	}
	return result, nil
}

// Delete removes a checkpoint's files, cache entry, and index entry.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Manager) deleteLocked(id string) error {
	delete(m.cache, id)
	for i, cid := range m.cacheOrder {
		if cid == id {
			m.cacheOrder = append(m.cacheOrder[:i], m.cacheOrder[i+1:]...)
			break
		}
	}
	_ = os.Remove(m.checkpointPath(id))
	_ = os.Remove(m.compressedPath(id))
	delete(m.index, id)
	m.stats.Deleted++
	return m.saveIndexLocked()
}

// Compress gzips an on-disk checkpoint and removes the uncompressed form.
func (m *Manager) Compress(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compressLocked(id)
}

func (m *Manager) compressLocked(id string) error {
	path := m.checkpointPath(id)
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	if err := os.WriteFile(m.compressedPath(id), buf.Bytes(), 0o644); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}

	if entry, ok := m.index[id]; ok {
		entry.Compressed = true
		m.index[id] = entry
		_ = m.saveIndexLocked()
	}
	delete(m.cache, id) // force a reload with Compressed=true next Get
	return nil
}

// enforceCapacityLocked deletes the oldest checkpoints when over
// MaxCheckpoints, but never below KeepMinimum.
func (m *Manager) enforceCapacityLocked() {
	if m.policy.MaxCheckpoints <= 0 || len(m.index) <= m.policy.MaxCheckpoints {
		return
	}

	ids := m.sortedIDsByAgeLocked()
	for len(m.index) > m.policy.MaxCheckpoints && len(m.index) > m.policy.KeepMinimum {
		oldest := ids[0]
		ids = ids[1:]
		_ = m.deleteLocked(oldest)
	}
}

func (m *Manager) sortedIDsByAgeLocked() []string {
	ids := make([]string, 0, len(m.index))
	for id := range m.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.index[ids[i]].Timestamp.Before(m.index[ids[j]].Timestamp)
	})
	return ids
}

// retentionSweep deletes checkpoints older than MaxAge (unless that would
// go below KeepMinimum) and compresses ones older than CompressAfter.
func (m *Manager) retentionSweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	ids := m.sortedIDsByAgeLocked()

	remaining := len(ids)
	for _, id := range ids {
		entry := m.index[id]
		age := now.Sub(entry.Timestamp)

		if m.policy.MaxAge > 0 && age > m.policy.MaxAge && remaining > m.policy.KeepMinimum {
			_ = m.deleteLocked(id)
			remaining--
			continue
		}
		if m.policy.CompressAfter > 0 && age > m.policy.CompressAfter && !entry.Compressed {
			_ = m.compressLocked(id)
		}
	}
}

// LatestByReason returns the most recent index entry with the given reason,
// or nil if none exists. Used by the orchestrator to recover process-wide
// stats from the last "auto_operations" checkpoint on startup.
func (m *Manager) LatestByReason(reason string) *Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latestID string
	var latestTime time.Time
	for id, entry := range m.index {
		if entry.Reason != reason {
			continue
		}
		if latestID == "" || entry.Timestamp.After(latestTime) {
			latestID = id
			latestTime = entry.Timestamp
		}
	}
	if latestID == "" {
		return nil
	}
	cp, err := m.getLocked(latestID)
	if err != nil {
		return nil
	}
	return cp
}

// Stats returns accumulated manager activity plus the current directory
// size in megabytes.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.DirSizeMB = m.dirSizeMBLocked()
	return stats
}

func (m *Manager) dirSizeMBLocked() float64 {
	var total int64
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return float64(total) / (1024 * 1024)
}
