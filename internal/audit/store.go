package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bootfleet/gateway/internal/platform/database"
	"github.com/google/uuid"
)

const insertColumns = 6

// Store handles audit event persistence.
type Store struct{}

// NewStore creates an audit Store.
func NewStore() *Store {
	return &Store{}
}

// Record is a persisted audit event.
type Record struct {
	ID        uuid.UUID       `json:"id"`
	ActorID   *string         `json:"actor_id"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	Metadata  json.RawMessage `json:"metadata"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
}

// InsertBatch writes a batch of events to the database.
func (s *Store) InsertBatch(ctx context.Context, db database.Querier, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	sql, args, err := buildBatchInsert(events)
	if err != nil {
		return fmt.Errorf("building batch insert: %w", err)
	}
	_, err = db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("inserting audit events: %w", err)
	}
	return nil
}

// List returns events matching p, newest first.
func (s *Store) List(ctx context.Context, db database.Querier, p ListEventsParams) ([]Record, error) {
	sql, args := buildListQuery(p)
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.ActorID, &r.Action, &r.Resource, &r.Metadata, &r.Source, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading audit events: %w", err)
	}
	return records, nil
}

// buildBatchInsert constructs a multi-row INSERT statement.
func buildBatchInsert(events []Event) (string, []any, error) {
	const cols = "(id, actor_id, action, resource, metadata, source)"
	placeholders := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*insertColumns)

	for i, e := range events {
		base := i * insertColumns
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))

		var metaJSON []byte
		if e.Metadata != nil {
			var err error
			metaJSON, err = json.Marshal(e.Metadata)
			if err != nil {
				return "", nil, fmt.Errorf("marshaling metadata: %w", err)
			}
		}

		var actor *string
		if e.ActorID != "" {
			actor = &e.ActorID
		}

		args = append(args, uuid.New(), actor, e.Action, e.Resource, metaJSON, e.Source)
	}

	sql := fmt.Sprintf("INSERT INTO audit_events %s VALUES %s", cols, strings.Join(placeholders, ", "))
	return sql, args, nil
}

// ListEventsParams defines filters for querying audit events.
type ListEventsParams struct {
	Action  *string
	ActorID *string
	Source  *string
	After   *time.Time
	Before  *time.Time
	Limit   int
}

// buildListQuery constructs a parameterized SELECT for audit events.
func buildListQuery(p ListEventsParams) (string, []any) {
	var conditions []string
	var args []any
	argN := 1

	add := func(column, op string, value any) {
		conditions = append(conditions, fmt.Sprintf("%s %s $%d", column, op, argN))
		args = append(args, value)
		argN++
	}

	if p.Action != nil {
		add("action", "=", *p.Action)
	}
	if p.ActorID != nil {
		add("actor_id", "=", *p.ActorID)
	}
	if p.Source != nil {
		add("source", "=", *p.Source)
	}
	if p.After != nil {
		add("created_at", ">", *p.After)
	}
	if p.Before != nil {
		add("created_at", "<", *p.Before)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	sql := fmt.Sprintf(
		`SELECT id, actor_id, action, resource, metadata, source, created_at
		FROM audit_events
		%s
		ORDER BY created_at DESC
		LIMIT $%d`,
		where, argN,
	)
	args = append(args, p.Limit)

	return sql, args
}
