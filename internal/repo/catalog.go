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

func (r Repo) InsertMachine(ctx context.Context, m domain.Machine) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO machines(id,company_id,name,code,type,location,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.CompanyID, m.Name, nullable(m.Code), nullable(m.Type), nullable(m.Location), formatTime(m.CreatedAt))
	return err
}

func scanMachine(row rowScanner) (domain.Machine, error) {
	var m domain.Machine
	var created string
	if err := row.Scan(&m.ID, &m.CompanyID, &m.Name, &m.Code, &m.Type, &m.Location, &created); err != nil {
		return m, err
	}
	var err error
	m.CreatedAt, err = parseTime(created)
	return m, err
}

const machineColumns = `id,company_id,name,COALESCE(code,''),COALESCE(type,''),COALESCE(location,''),created_at`

func (r Repo) GetMachine(ctx context.Context, id, companyID string) (domain.Machine, error) {
	m, err := scanMachine(r.DB.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id=? AND company_id=?`, id, companyID))
	if err == sql.ErrNoRows {
		return m, domain.NotFoundError{Kind: "machine", ID: id}
	}
	return m, err
}

func (r Repo) ListMachines(ctx context.Context, companyID string) ([]domain.Machine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE company_id=? ORDER BY name`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// InsertTemplate validates the template items before storing them.
func (r Repo) InsertTemplate(ctx context.Context, t domain.Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return domain.ValidationError{Field: "name", Reason: "template name is required"}
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return domain.ValidationError{Field: "priority", Reason: "unknown priority " + string(t.Priority)}
	}
	if err := t.NormalizeItems(); err != nil {
		return err
	}
	items, err := encodeItems(t.Items)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO templates(id,company_id,name,description,machine_type,items_json,priority,is_active,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CompanyID, t.Name, nullable(t.Description), nullable(t.MachineType), items, nullable(string(t.Priority)), t.IsActive,
		nullable(t.CreatedBy), formatTime(t.CreatedAt))
	return err
}

const templateColumns = `id,company_id,name,COALESCE(description,''),COALESCE(machine_type,''),items_json,COALESCE(priority,''),is_active,COALESCE(created_by,''),created_at`

func scanTemplate(row rowScanner) (domain.Template, error) {
	var t domain.Template
	var items, priority, created string
	if err := row.Scan(&t.ID, &t.CompanyID, &t.Name, &t.Description, &t.MachineType, &items, &priority, &t.IsActive, &t.CreatedBy, &created); err != nil {
		return t, err
	}
	t.Priority = domain.Priority(priority)
	var err error
	if t.Items, err = decodeItems(items); err != nil {
		return t, fmt.Errorf("template %s: %w", t.ID, err)
	}
	t.CreatedAt, err = parseTime(created)
	return t, err
}

func (r Repo) GetTemplate(ctx context.Context, id, companyID string) (domain.Template, error) {
	t, err := scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=? AND company_id=?`, id, companyID))
	if err == sql.ErrNoRows {
		return t, domain.NotFoundError{Kind: "template", ID: id}
	}
	return t, err
}

func (r Repo) ListTemplates(ctx context.Context, companyID string, activeOnly bool) ([]domain.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE company_id=?`
	if activeOnly {
		query += ` AND is_active=1`
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY name`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SetTemplateActive(ctx context.Context, id, companyID string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE templates SET is_active=? WHERE id=? AND company_id=?`, active, id, companyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError{Kind: "template", ID: id}
	}
	return nil
}

// DuplicateTemplate copies a template under a new id. An empty name becomes
// "<name> (copy)".
func (r Repo) DuplicateTemplate(ctx context.Context, id, companyID, newID, newName string) (domain.Template, error) {
	t, err := r.GetTemplate(ctx, id, companyID)
	if err != nil {
		return domain.Template{}, err
	}
	if newName == "" {
		newName = t.Name + " (copy)"
	}
	t.ID = newID
	t.Name = newName
	t.CreatedAt = time.Now()
	items := make([]domain.ChecklistItem, len(t.Items))
	for i, it := range t.Items {
		items[i] = it.Clone()
	}
	t.Items = items
	if err := r.InsertTemplate(ctx, t); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// ParseItems decodes a JSON or YAML-converted item document.
func ParseItems(data []byte) ([]domain.ChecklistItem, error) {
	var items []domain.ChecklistItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, domain.ValidationError{Field: "items", Reason: err.Error()}
	}
	return items, nil
}
