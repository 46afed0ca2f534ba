// Package replay implements bulk replay of audited actions (spec.md
// §4.7's "Bulk replay" and §8 scenario 6). Grounded on the teacher's
// replay.Engine (core/pkg/replay/engine.go): kept is the
// session/step bookkeeping shape (a named session tracking per-row
// progress and a terminal status), adapted from step-by-step
// re-execution of a recorded run (compare output hashes, detect
// divergence) to reconstructing actions from stored audit payloads
// and redispatching each through the normal gateway pipeline, since a
// dispatch verdict pipeline has no deterministic output hash to
// diverge against — only a per-row success/fail.
package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/actiongate/gateway/pkg/action"
	"github.com/actiongate/gateway/pkg/audit"
	"github.com/actiongate/gateway/pkg/gateway"
)

// RowStatus tags one replayed audit row's outcome.
type RowStatus string

const (
	RowReplayed RowStatus = "replayed"
	RowFailed   RowStatus = "failed"
	RowSkipped  RowStatus = "skipped" // no stored action_payload
)

// RowResult is one input row's replay outcome.
type RowResult struct {
	SourceRecordID string    `json:"source_record_id"`
	NewActionID    string    `json:"new_action_id,omitempty"`
	Status         RowStatus `json:"status"`
	Error          string    `json:"error,omitempty"`
}

// Session tracks one bulk-replay run's progress and final tally.
type Session struct {
	SessionID   string      `json:"session_id"`
	Query       audit.Query `json:"query"`
	Replayed    int         `json:"replayed"`
	Failed      int         `json:"failed"`
	Skipped     int         `json:"skipped"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	Results     []RowResult `json:"results"`
}

// Engine runs bulk replays against an audit.Backend's stored rows.
type Engine struct {
	mu         sync.Mutex
	auditLog   audit.Backend
	dispatcher *gateway.Dispatcher
	sessions   map[string]*Session
	clock      func() time.Time
}

// NewEngine constructs an Engine that re-dispatches reconstructed
// actions through dispatcher's normal pipeline.
func NewEngine(auditLog audit.Backend, dispatcher *gateway.Dispatcher) *Engine {
	return &Engine{
		auditLog:   auditLog,
		dispatcher: dispatcher,
		sessions:   make(map[string]*Session),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Replay fetches every audit row matching query, reconstructs an
// Action from each row's stored action_payload, assigns it a new ID,
// and re-dispatches it through the normal pipeline. Rows without a
// stored payload are skipped rather than attempted (spec.md §4.7).
func (e *Engine) Replay(ctx context.Context, query audit.Query) (*Session, error) {
	rows, err := e.auditLog.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("replay: query audit rows: %w", err)
	}

	session := &Session{
		SessionID: fmt.Sprintf("replay-%d", e.clock().UnixNano()),
		Query:     query,
		StartedAt: e.clock(),
		Results:   make([]RowResult, 0, len(rows)),
	}

	e.mu.Lock()
	e.sessions[session.SessionID] = session
	e.mu.Unlock()

	for _, row := range rows {
		result := e.replayRow(ctx, row)
		session.Results = append(session.Results, result)
		switch result.Status {
		case RowReplayed:
			session.Replayed++
		case RowFailed:
			session.Failed++
		case RowSkipped:
			session.Skipped++
		}
	}

	session.CompletedAt = e.clock()
	return session, nil
}

func (e *Engine) replayRow(ctx context.Context, row audit.Record) RowResult {
	payload, ok := row.Details["action_payload"].(map[string]interface{})
	if !ok || payload == nil {
		return RowResult{SourceRecordID: row.ID, Status: RowSkipped}
	}

	act := action.New(row.Namespace, row.Tenant, row.Provider, row.ActionType)
	act.Payload = payload
	act.Metadata.Labels = map[string]string{"replayed_from": row.ID}

	if _, err := e.dispatcher.Dispatch(ctx, act); err != nil {
		return RowResult{SourceRecordID: row.ID, NewActionID: act.ID, Status: RowFailed, Error: err.Error()}
	}
	return RowResult{SourceRecordID: row.ID, NewActionID: act.ID, Status: RowReplayed}
}

// GetSession retrieves a previously run replay session by ID.
func (e *Engine) GetSession(sessionID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	return s, ok
}
