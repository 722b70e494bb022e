package repo

import (
	"context"
	"database/sql"
	"time"

	"smartop/internal/domain"
)

func (r Repo) EnsureCompany(ctx context.Context, tx *sql.Tx, id, name string, now time.Time) error {
	if name == "" {
		name = id
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO companies(id, name, created_at) VALUES (?,?,?)`, id, name, formatTime(now))
	return err
}

func (r Repo) GetCompany(ctx context.Context, id string) (domain.Company, error) {
	var c domain.Company
	var created string
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, created_at FROM companies WHERE id=?`, id).Scan(&c.ID, &c.Name, &created)
	if err == sql.ErrNoRows {
		return c, domain.NotFoundError{Kind: "company", ID: id}
	}
	if err != nil {
		return c, err
	}
	c.CreatedAt, err = parseTime(created)
	return c, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	if u.Name == "" {
		u.Name = u.ID
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id, company_id, name, created_at) VALUES (?,?,?,?)`,
		u.ID, u.CompanyID, u.Name, formatTime(u.CreatedAt))
	return err
}

// GetUser returns a user of companyID with its roles. A user of another
// company is reported as not found.
func (r Repo) GetUser(ctx context.Context, id, companyID string) (domain.User, error) {
	u, err := r.GetUserByID(ctx, id)
	if err != nil {
		return u, err
	}
	if u.CompanyID != companyID {
		return domain.User{}, domain.NotFoundError{Kind: "user", ID: id}
	}
	return u, nil
}

// GetUserByID looks a user up without a tenant filter. It backs credential
// resolution, where the company is not known yet.
func (r Repo) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var created string
	err := r.DB.QueryRowContext(ctx, `SELECT id, company_id, name, created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.CompanyID, &u.Name, &created)
	if err == sql.ErrNoRows {
		return u, domain.NotFoundError{Kind: "user", ID: id}
	}
	if err != nil {
		return u, err
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return u, err
	}
	u.Roles, err = r.UserRoles(ctx, nil, id)
	return u, err
}

func (r Repo) ListUsers(ctx context.Context, companyID string) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, company_id, name, created_at FROM users WHERE company_id=? ORDER BY id`, companyID)
	if err != nil {
		return nil, err
	}
	var users []domain.User
	for rows.Next() {
		var u domain.User
		var created string
		if err := rows.Scan(&u.ID, &u.CompanyID, &u.Name, &created); err != nil {
			rows.Close()
			return nil, err
		}
		if u.CreatedAt, err = parseTime(created); err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].Roles, err = r.UserRoles(ctx, nil, users[i].ID); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// InsertRole adds a role to the catalog of companyID. Role ids are only
// unique inside a company.
func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, companyID, id, desc string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO roles(company_id, id, description) VALUES (?,?,?)`, companyID, id, nullable(desc))
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, nullable(desc))
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, companyID, roleID, permID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(company_id, role_id, permission_id) VALUES (?,?,?)`, companyID, roleID, permID)
	return err
}

// AssignRole grants roleID from the catalog of the user's own company. A role
// that company does not define fails the foreign key.
func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, userID, roleID string) error {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO user_roles(company_id, user_id, role_id)
SELECT company_id, id, ? FROM users WHERE id=?`, roleID, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := r.GetUserByID(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, userID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=? AND role_id=?`, userID, roleID)
	return err
}

func (r Repo) UserRoles(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	return r.strings(ctx, tx, `SELECT role_id FROM user_roles WHERE user_id=? ORDER BY role_id`, userID)
}

func (r Repo) RolePermissions(ctx context.Context, tx *sql.Tx, companyID, roleID string) ([]string, error) {
	return r.strings(ctx, tx, `SELECT permission_id FROM role_permissions WHERE company_id=? AND role_id=? ORDER BY permission_id`, companyID, roleID)
}

// UserPermissions returns the capabilities granted to userID inside
// companyID. Users of other companies get none.
func (r Repo) UserPermissions(ctx context.Context, tx *sql.Tx, userID, companyID string) ([]string, error) {
	return r.strings(ctx, tx, `SELECT DISTINCT rp.permission_id
FROM users u
JOIN user_roles ur ON ur.user_id = u.id AND ur.company_id = u.company_id
JOIN role_permissions rp ON rp.company_id = u.company_id AND rp.role_id = ur.role_id
WHERE u.id=? AND u.company_id=?
ORDER BY rp.permission_id`, userID, companyID)
}

func (r Repo) strings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
