package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"launchpad/internal/ledger"
)

const (
	// HistoryKey is the storage key holding the encoded history.
	HistoryKey = "launch_payment_history"
	// MaxHistoryRecords caps the retained history; oldest records are evicted first.
	MaxHistoryRecords = 50
)

// HistoryStatus is the terminal outcome recorded for a saga pass.
type HistoryStatus string

const (
	HistorySuccess   HistoryStatus = "success"
	HistoryFailed    HistoryStatus = "failed"
	HistoryCancelled HistoryStatus = "cancelled"
)

// HistoryRecord is an immutable entry in the payment history.
type HistoryRecord struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	EntityID  string        `json:"entity_id,omitempty"`
	Status    HistoryStatus `json:"status"`
	Cost      ledger.Amount `json:"cost"`
	Error     string        `json:"error,omitempty"`
}

// Storage is a durable key-value store for small local documents.
// Load returns nil data and no error when the key is absent.
type Storage interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// HistoryLog keeps the capped, newest-first payment history in a Storage.
type HistoryLog struct {
	mu      sync.Mutex
	storage Storage
	limit   int
	logf    func(format string, args ...any)
}

// NewHistoryLog constructs a history log over storage.
func NewHistoryLog(storage Storage, logf func(format string, args ...any)) *HistoryLog {
	if logf == nil {
		logf = log.Printf
	}
	return &HistoryLog{
		storage: storage,
		limit:   MaxHistoryRecords,
		logf:    logf,
	}
}

// Append stores rec, evicting the oldest records beyond the cap.
func (h *HistoryLog) Append(ctx context.Context, rec HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	records, err := h.load(ctx)
	if err != nil {
		return err
	}
	records = append([]HistoryRecord{rec}, records...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if len(records) > h.limit {
		records = records[:h.limit]
	}

	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return h.storage.Save(ctx, HistoryKey, data)
}

// List returns the stored records, newest first.
func (h *HistoryLog) List(ctx context.Context) ([]HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := h.storage.Load(ctx, HistoryKey)
	if err != nil {
		return nil, err
	}
	return h.decode(data), nil
}

// Clear removes every record.
func (h *HistoryLog) Clear(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.storage.Delete(ctx, HistoryKey)
}

// load fails on read errors so Append never overwrites records it could not
// see. Undecodable data is replaced.
func (h *HistoryLog) load(ctx context.Context) ([]HistoryRecord, error) {
	data, err := h.storage.Load(ctx, HistoryKey)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return h.decode(data), nil
}

func (h *HistoryLog) decode(data []byte) []HistoryRecord {
	if len(data) == 0 {
		return []HistoryRecord{}
	}
	var records []HistoryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		h.logf("history is corrupt, ignoring stored records: %v", err)
		return []HistoryRecord{}
	}
	return records
}
