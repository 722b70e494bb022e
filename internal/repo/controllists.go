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

const controlListColumns = `id,company_id,machine_id,template_id,assigned_user_id,created_by,title,COALESCE(description,''),items_json,
status,priority,scheduled_at,completed_at,approver_id,approved_at,rejection_reason,COALESCE(notes,''),version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanControlList(row rowScanner) (domain.ControlList, error) {
	var (
		cl                                domain.ControlList
		templateID, completedAt, approver sql.NullString
		approvedAt, rejection             sql.NullString
		itemsJSON, status, priority       string
		scheduledAt, createdAt, updatedAt string
	)
	err := row.Scan(&cl.ID, &cl.CompanyID, &cl.MachineID, &templateID, &cl.AssignedUserID, &cl.CreatedBy, &cl.Title, &cl.Description,
		&itemsJSON, &status, &priority, &scheduledAt, &completedAt, &approver, &approvedAt, &rejection, &cl.Notes, &cl.Version,
		&createdAt, &updatedAt)
	if err != nil {
		return cl, err
	}
	cl.TemplateID = stringPtr(templateID)
	cl.ApproverID = stringPtr(approver)
	cl.RejectionReason = stringPtr(rejection)
	cl.Status = domain.Status(status)
	cl.Priority = domain.Priority(priority)
	if cl.Items, err = decodeItems(itemsJSON); err != nil {
		return cl, fmt.Errorf("control list %s: %w", cl.ID, err)
	}
	if cl.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return cl, err
	}
	if cl.CreatedAt, err = parseTime(createdAt); err != nil {
		return cl, err
	}
	if cl.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return cl, err
	}
	if cl.CompletedAt, err = timePtr(completedAt); err != nil {
		return cl, err
	}
	if cl.ApprovedAt, err = timePtr(approvedAt); err != nil {
		return cl, err
	}
	return cl, nil
}

// decodeItems validates stored items on the way out; a document that no
// longer satisfies the item rules is reported instead of trusted.
func decodeItems(data string) ([]domain.ChecklistItem, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var items []domain.ChecklistItem
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return nil, fmt.Errorf("stored item %d: %w", items[i].Order, err)
		}
	}
	return items, nil
}

func encodeItems(items []domain.ChecklistItem) (string, error) {
	if items == nil {
		items = []domain.ChecklistItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode items: %w", err)
	}
	return string(b), nil
}

// Insert stores a new list at version 1.
func (r Repo) Insert(ctx context.Context, cl *domain.ControlList) error {
	items, err := encodeItems(cl.Items)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO control_lists(id,company_id,machine_id,template_id,assigned_user_id,created_by,title,description,items_json,
status,priority,scheduled_at,completed_at,approver_id,approved_at,rejection_reason,notes,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		cl.ID, cl.CompanyID, cl.MachineID, nullableStringPtr(cl.TemplateID), cl.AssignedUserID, cl.CreatedBy, cl.Title, nullable(cl.Description), items,
		string(cl.Status), string(cl.Priority), formatTime(cl.ScheduledAt), nullableTime(cl.CompletedAt), nullableStringPtr(cl.ApproverID),
		nullableTime(cl.ApprovedAt), nullableStringPtr(cl.RejectionReason), nullable(cl.Notes), 1, formatTime(cl.CreatedAt), formatTime(cl.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert control list: %w", err)
	}
	if err := r.insertReviewsTx(ctx, tx, cl.ID, cl.Reviews); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	cl.Version = 1
	return nil
}

// Load returns the list only when it belongs to companyID.
func (r Repo) Load(ctx context.Context, id, companyID string) (domain.ControlList, error) {
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.ControlList{}, err
	}
	defer tx.Rollback()
	cl, err := scanControlList(tx.QueryRowContext(ctx, `SELECT `+controlListColumns+` FROM control_lists WHERE id=? AND company_id=?`, id, companyID))
	if err == sql.ErrNoRows {
		return domain.ControlList{}, domain.NotFoundError{Kind: "control_list", ID: id}
	}
	if err != nil {
		return domain.ControlList{}, err
	}
	if cl.Reviews, err = r.listReviewsTx(ctx, tx, cl.ID); err != nil {
		return domain.ControlList{}, err
	}
	return cl, nil
}

// Save persists cl if the stored version still equals cl.Version and returns
// the new version. company_id is part of the filter and never updated.
func (r Repo) Save(ctx context.Context, cl *domain.ControlList) (int, error) {
	items, err := encodeItems(cl.Items)
	if err != nil {
		return 0, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE control_lists SET machine_id=?, template_id=?, assigned_user_id=?, title=?, description=?, items_json=?,
status=?, priority=?, scheduled_at=?, completed_at=?, approver_id=?, approved_at=?, rejection_reason=?, notes=?, updated_at=?, version=version+1
WHERE id=? AND company_id=? AND version=?`,
		cl.MachineID, nullableStringPtr(cl.TemplateID), cl.AssignedUserID, cl.Title, nullable(cl.Description), items,
		string(cl.Status), string(cl.Priority), formatTime(cl.ScheduledAt), nullableTime(cl.CompletedAt), nullableStringPtr(cl.ApproverID),
		nullableTime(cl.ApprovedAt), nullableStringPtr(cl.RejectionReason), nullable(cl.Notes), formatTime(cl.UpdatedAt),
		cl.ID, cl.CompanyID, cl.Version)
	if err != nil {
		return 0, fmt.Errorf("update control list: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, r.missOrConflict(ctx, tx, cl.ID, cl.CompanyID, cl.Version)
	}
	if err := r.insertReviewsTx(ctx, tx, cl.ID, cl.Reviews); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	cl.Version++
	return cl.Version, nil
}

// Delete removes the list if it still has the given version.
func (r Repo) Delete(ctx context.Context, id, companyID string, version int) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM control_lists WHERE id=? AND company_id=? AND version=?`, id, companyID, version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missOrConflict(ctx, tx, id, companyID, version)
	}
	return tx.Commit()
}

func (r Repo) missOrConflict(ctx context.Context, tx *sql.Tx, id, companyID string, version int) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM control_lists WHERE id=? AND company_id=?`, id, companyID).Scan(&one)
	if err == sql.ErrNoRows {
		return domain.NotFoundError{Kind: "control_list", ID: id}
	}
	if err != nil {
		return err
	}
	return domain.ConcurrencyConflict{ID: id, Version: version}
}

// ListFilter narrows List. CompanyID is mandatory.
type ListFilter struct {
	CompanyID      string
	Status         string
	Priority       string
	MachineID      string
	AssignedUserID string
	Overdue        bool
	Today          bool
	Search         string
	Now            time.Time
	Limit          int
	Offset         int
}

// List returns lists ordered by priority, most urgent first, then by
// scheduled date.
func (r Repo) List(ctx context.Context, f ListFilter) ([]domain.ControlList, error) {
	if f.CompanyID == "" {
		return nil, domain.ValidationError{Field: "company_id", Reason: "company scope is required"}
	}
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	where := []string{"company_id=?"}
	args := []any{f.CompanyID}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		where = append(where, "priority=?")
		args = append(args, f.Priority)
	}
	if f.MachineID != "" {
		where = append(where, "machine_id=?")
		args = append(args, f.MachineID)
	}
	if f.AssignedUserID != "" {
		where = append(where, "assigned_user_id=?")
		args = append(args, f.AssignedUserID)
	}
	if f.Overdue {
		where = append(where, "scheduled_at < ? AND status NOT IN ('completed','approved')")
		args = append(args, formatTime(now))
	}
	if f.Today {
		day := startOfDay(now)
		where = append(where, "scheduled_at >= ? AND scheduled_at < ?")
		args = append(args, formatTime(day), formatTime(day.Add(24*time.Hour)))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + s + "%"
		where = append(where, "(title LIKE ? OR description LIKE ? OR notes LIKE ?)")
		args = append(args, like, like, like)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + controlListColumns + ` FROM control_lists WHERE ` + strings.Join(where, " AND ") + `
ORDER BY CASE priority WHEN 'critical' THEN 1 WHEN 'high' THEN 2 WHEN 'medium' THEN 3 WHEN 'low' THEN 4 ELSE 5 END, scheduled_at ASC, id ASC
LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)
	return r.queryLists(ctx, query, args...)
}

// ListOverdue scans every company for lists past their schedule that are
// neither completed nor approved.
func (r Repo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.ControlList, error) {
	if limit <= 0 {
		limit = 500
	}
	return r.queryLists(ctx, `SELECT `+controlListColumns+` FROM control_lists
WHERE scheduled_at < ? AND status NOT IN ('completed','approved')
ORDER BY scheduled_at ASC LIMIT ?`, formatTime(now), limit)
}

func (r Repo) queryLists(ctx context.Context, query string, args ...any) ([]domain.ControlList, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ControlList
	for rows.Next() {
		cl, err := scanControlList(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cl)
	}
	return res, rows.Err()
}

// CountByStatus feeds dashboards.
func (r Repo) CountByStatus(ctx context.Context, companyID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM control_lists WHERE company_id=? GROUP BY status`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
