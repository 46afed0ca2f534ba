package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Backend, grounded on the teacher's
// store.AuditStore slice-plus-index structure, generalized to key
// every lookup by (namespace, tenant) rather than a single global
// sequence.
type Memory struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemory constructs an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *Memory) Tail(_ context.Context, namespace, tenant string) (uint64, string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Record
	for i := range m.records {
		r := &m.records[i]
		if r.Namespace != namespace || r.Tenant != tenant {
			continue
		}
		if best == nil || r.SequenceNumber > best.SequenceNumber {
			best = r
		}
	}
	if best == nil {
		return 0, "", false, nil
	}
	return best.SequenceNumber, best.RecordHash, true, nil
}

func (m *Memory) Query(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.records {
		if q.Namespace != "" && r.Namespace != q.Namespace {
			continue
		}
		if q.Tenant != "" && r.Tenant != q.Tenant {
			continue
		}
		if q.StartTime != nil && r.CompletedAt.Before(*q.StartTime) {
			continue
		}
		if q.EndTime != nil && r.CompletedAt.After(*q.EndTime) {
			continue
		}
		if q.HasPayload {
			if _, ok := r.Details["action_payload"]; !ok {
				continue
			}
		}
		out = append(out, r)
		if q.MaxResults > 0 && len(out) >= q.MaxResults {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	return out, nil
}

func (m *Memory) CleanupExpired(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	removed := 0
	for _, r := range m.records {
		if r.ExpiresAt != nil && r.ExpiresAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return removed, nil
}
