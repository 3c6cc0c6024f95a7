package fsm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/omninode-ai/omniintelligence/pkg/database"
	"github.com/omninode-ai/omniintelligence/pkg/models"
)

// Store persists FSM current-state rows and append-only history, owned
// exclusively by the FSM Reducer per spec.md §3's ownership table.
type Store interface {
	CurrentState(ctx context.Context, tx database.Tx, kind models.FSMKind, entityID string) (models.FSMStateRecord, bool, error)
	Apply(ctx context.Context, tx database.Tx, kind models.FSMKind, entityID, trigger, eventID string) (models.FSMStateRecord, bool, error)
}

// PGStore is the Postgres-backed Store implementation.
type PGStore struct{}

// New constructs a PGStore.
func New() *PGStore {
	return &PGStore{}
}

// CurrentState returns the current state row for (kind, entityID), or
// found=false if the entity has not yet entered this machine.
func (s *PGStore) CurrentState(ctx context.Context, tx database.Tx, kind models.FSMKind, entityID string) (models.FSMStateRecord, bool, error) {
	var rec models.FSMStateRecord
	var current, lastEventID string
	err := tx.QueryRowContext(ctx,
		`SELECT current_state, entered_at, last_event_id FROM fsm_state WHERE fsm_kind = $1 AND entity_id = $2`,
		string(kind), entityID).Scan(&current, &rec.EnteredAt, &lastEventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.FSMStateRecord{}, false, nil
		}
		return models.FSMStateRecord{}, false, fmt.Errorf("query fsm state: %w", err)
	}
	rec.FSMKind = kind
	rec.EntityID = entityID
	rec.Current = models.FSMState(current)
	rec.LastEventID = lastEventID
	return rec, true, nil
}

// Apply looks up the current state, reduces it against trigger, and (if
// defined) atomically upserts the new state and appends a history row in
// the same transaction. ok=false with no error means the trigger was a
// no-op in the current state (spec.md §4.5: "NoTransition, not an error").
func (s *PGStore) Apply(ctx context.Context, tx database.Tx, kind models.FSMKind, entityID, trigger, eventID string) (models.FSMStateRecord, bool, error) {
	rec, found, err := s.CurrentState(ctx, tx, kind, entityID)
	if err != nil {
		return models.FSMStateRecord{}, false, err
	}
	current := InitialState(kind)
	if found {
		current = rec.Current
	}

	next, ok := Reduce(kind, current, trigger)
	if !ok {
		return models.FSMStateRecord{FSMKind: kind, EntityID: entityID, Current: current}, false, nil
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO fsm_state (fsm_kind, entity_id, current_state, entered_at, last_event_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (fsm_kind, entity_id) DO UPDATE SET current_state = $3, entered_at = $4, last_event_id = $5`,
		string(kind), entityID, string(next), now, eventID)
	if err != nil {
		return models.FSMStateRecord{}, false, fmt.Errorf("upsert fsm state: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO fsm_history (fsm_kind, entity_id, from_state, to_state, trigger, event_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(kind), entityID, string(current), string(next), trigger, eventID)
	if err != nil {
		return models.FSMStateRecord{}, false, fmt.Errorf("insert fsm history: %w", err)
	}

	return models.FSMStateRecord{
		FSMKind:     kind,
		EntityID:    entityID,
		Current:     next,
		EnteredAt:   now,
		LastEventID: eventID,
	}, true, nil
}
