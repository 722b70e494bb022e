package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"smartop/internal/config"
	"smartop/internal/domain"
	"smartop/internal/engine/auth"
	"smartop/internal/repo"
)

// ResolveCompanyAndConfig loads smartop.yml from the workspace, falling back to
// defaults, and makes sure the company and its RBAC catalog exist in the DB.
// An override replaces the configured company id.
func ResolveCompanyAndConfig(ctx context.Context, workspace, companyOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if cfg == nil {
		id := companyOverride
		if id == "" {
			return "", nil, fmt.Errorf("company not specified; use --company or run smartop init")
		}
		cfg = config.Default(id)
	}
	if companyOverride != "" {
		cfg.Company.ID = companyOverride
	}
	if _, err := r.GetCompany(ctx, cfg.Company.ID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := Bootstrap(ctx, r, cfg, time.Now()); err != nil {
			return "", nil, err
		}
	}
	return cfg.Company.ID, cfg, nil
}

// Bootstrap inserts the company and its role catalog from cfg. Roles belong to
// the company, so bootstrapping another company never changes these grants.
// Running it again only adds what is missing.
func Bootstrap(ctx context.Context, r repo.Repo, cfg *config.Config, now time.Time) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureCompany(ctx, tx, cfg.Company.ID, cfg.Company.Name, now); err != nil {
		return fmt.Errorf("ensure company: %w", err)
	}
	for _, c := range auth.All() {
		if err := r.InsertPermission(ctx, tx, string(c), ""); err != nil {
			return fmt.Errorf("insert permission %s: %w", c, err)
		}
	}
	roleIDs := make([]string, 0, len(cfg.RBAC.Roles))
	for id := range cfg.RBAC.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)
	for _, id := range roleIDs {
		role := cfg.RBAC.Roles[id]
		if err := r.InsertRole(ctx, tx, cfg.Company.ID, id, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", id, err)
		}
		for _, perm := range role.Permissions {
			if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
				return fmt.Errorf("insert permission %s: %w", perm, err)
			}
			if err := r.AddRolePermission(ctx, tx, cfg.Company.ID, id, perm); err != nil {
				return fmt.Errorf("grant %s to %s: %w", perm, id, err)
			}
		}
	}
	return tx.Commit()
}

// AddUser creates a user inside companyID with the given roles.
func AddUser(ctx context.Context, r repo.Repo, companyID, userID, name string, roles []string, now time.Time) (domain.User, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	u := domain.User{ID: userID, CompanyID: companyID, Name: name, CreatedAt: now}
	if err := r.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	for _, role := range roles {
		if err := r.AssignRole(ctx, tx, userID, role); err != nil {
			return domain.User{}, fmt.Errorf("assign role %s: %w", role, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	u.Roles = roles
	return u, nil
}
