package auth

import (
	"context"
	"database/sql"
	"errors"
)

// Capability names a permission row granted through roles.
type Capability string

const (
	CapCreate  Capability = "control-lists.create"
	CapUpdate  Capability = "control-lists.update"
	CapApprove Capability = "control-lists.approve"
	CapReject  Capability = "control-lists.reject"
	CapRevert  Capability = "control-lists.revert"
	CapDelete  Capability = "control-lists.delete"
	CapView    Capability = "control-lists.view"
)

// All lists every capability in a stable order.
func All() []Capability {
	return []Capability{CapCreate, CapUpdate, CapApprove, CapReject, CapRevert, CapDelete, CapView}
}

// Service provides RBAC checks backed by SQL.
type Service struct {
	DB *sql.DB
}

// HasCapability reports whether userID holds capability inside companyID.
// Users are bound to a single company and roles are defined per company, so
// neither a user nor a role catalog of another company grants anything here.
func (s Service) HasCapability(ctx context.Context, userID string, capability Capability, companyID string) (bool, error) {
	if userID == "" || companyID == "" {
		return false, nil
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM users u
JOIN user_roles ur ON ur.user_id=u.id AND ur.company_id=u.company_id
JOIN role_permissions rp ON rp.company_id=u.company_id AND rp.role_id=ur.role_id
WHERE u.id=? AND u.company_id=? AND rp.permission_id=? LIMIT 1`,
		userID, companyID, string(capability))
	var n int
	err := row.Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s Service) UserRoles(ctx context.Context, userID string) ([]string, error) {
	return s.strings(ctx, `SELECT role_id FROM user_roles WHERE user_id=? ORDER BY role_id`, userID)
}

func (s Service) UserCapabilities(ctx context.Context, userID, companyID string) ([]string, error) {
	return s.strings(ctx, `
SELECT DISTINCT rp.permission_id
FROM users u
JOIN user_roles ur ON ur.user_id=u.id AND ur.company_id=u.company_id
JOIN role_permissions rp ON rp.company_id=u.company_id AND rp.role_id=ur.role_id
WHERE u.id=? AND u.company_id=?
ORDER BY rp.permission_id`, userID, companyID)
}

func (s Service) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
