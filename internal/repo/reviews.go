package repo

import (
	"context"
	"database/sql"
	"fmt"

	"smartop/internal/domain"
)

// insertReviewsTx writes the approval history of a list. Existing entries are
// skipped, so the whole history can be passed on every save.
func (r Repo) insertReviewsTx(ctx context.Context, tx *sql.Tx, listID string, reviews []domain.Review) error {
	for _, rv := range reviews {
		if rv.ID == "" {
			return fmt.Errorf("review without id on control list %s", listID)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO control_list_reviews(id, control_list_id, action, actor_id, notes, created_at)
VALUES (?,?,?,?,?,?)`, rv.ID, listID, string(rv.Action), rv.ActorID, nullable(rv.Notes), formatTime(rv.At)); err != nil {
			return fmt.Errorf("insert review: %w", err)
		}
	}
	return nil
}

func (r Repo) listReviewsTx(ctx context.Context, tx *sql.Tx, listID string) ([]domain.Review, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id, action, actor_id, COALESCE(notes,''), created_at
FROM control_list_reviews WHERE control_list_id=? ORDER BY created_at ASC, rowid ASC`, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rv domain.Review
		var action, at string
		if err := rows.Scan(&rv.ID, &action, &rv.ActorID, &rv.Notes, &at); err != nil {
			return nil, err
		}
		rv.Action = domain.ReviewAction(action)
		if rv.At, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

// ListReviews returns the approval history of a list inside companyID.
func (r Repo) ListReviews(ctx context.Context, listID, companyID string) ([]domain.Review, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM control_lists WHERE id=? AND company_id=?`, listID, companyID).Scan(&one)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError{Kind: "control_list", ID: listID}
	}
	if err != nil {
		return nil, err
	}
	return r.listReviewsTx(ctx, nil, listID)
}
