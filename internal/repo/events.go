package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"smartop/internal/domain"
)

// AppendEvent writes evt to the outbox and returns its id.
func (r Repo) AppendEvent(ctx context.Context, tx *sql.Tx, evt domain.Event) (int64, error) {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO events(ts,type,company_id,control_list_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		formatTime(evt.Timestamp), evt.Type, evt.CompanyID, evt.ControlListID, evt.ActorID, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const eventColumns = `id,ts,type,company_id,control_list_id,actor_id,payload_json`

// EventsAfter returns events with an id above cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, companyID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if companyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, companyID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, append(args, limit)...)
}

// LatestEvents returns the newest events of a company, optionally narrowed to
// one type or one control list.
func (r Repo) LatestEvents(ctx context.Context, limit int, companyID, evtType, listID string) ([]domain.Event, error) {
	return r.LatestEventsBefore(ctx, limit, 0, companyID, evtType, listID)
}

// LatestEventsBefore pages LatestEvents backwards: only ids strictly below
// before are returned unless before is zero.
func (r Repo) LatestEventsBefore(ctx context.Context, limit int, before int64, companyID, evtType, listID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"company_id=?"}
	args := []any{companyID}
	if before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, before)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if listID != "" {
		clauses = append(clauses, "control_list_id=?")
		args = append(args, listID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, append(args, limit)...)
}

// LatestEventID returns the most recent event id, across companies when
// companyID is empty.
func (r Repo) LatestEventID(ctx context.Context, companyID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if companyID != "" {
		query += ` WHERE company_id=?`
		args = append(args, companyID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// HasEvent reports whether an event of evtType exists for listID at or after
// since.
func (r Repo) HasEvent(ctx context.Context, listID, evtType string, since time.Time) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE control_list_id=? AND type=? AND ts>=?`, listID, evtType, formatTime(since)).Scan(&n)
	return n > 0, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts, payload string
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.CompanyID, &e.ControlListID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if payload != "" {
			dec := json.NewDecoder(strings.NewReader(payload))
			dec.UseNumber()
			if err := dec.Decode(&e.Payload); err != nil {
				return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
