package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
	"github.com/unclebandit/mailqueue-backend/internal/model"
)

const attemptColumns = `id, campaign_id, email, status, attempts, result, error_code, created_at, last_attempt, message_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (model.EmailAttempt, error) {
	var a model.EmailAttempt
	err := row.Scan(
		&a.ID, &a.CampaignID, &a.Email, &a.Status, &a.Attempts,
		&a.Result, &a.ErrorCode, &a.CreatedAt, &a.LastAttempt, &a.MessageID,
	)
	return a, err
}

func (s *PostgresStore) queryAttempts(ctx context.Context, query string, args ...any) ([]model.EmailAttempt, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []model.EmailAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *PostgresStore) ListAttempts(ctx context.Context, campaignID int) ([]model.EmailAttempt, error) {
	return s.queryAttempts(ctx,
		`SELECT `+attemptColumns+` FROM email_attempts WHERE campaign_id = $1 ORDER BY id`, campaignID)
}

func (s *PostgresStore) ListAllAttempts(ctx context.Context) ([]model.EmailAttempt, error) {
	return s.queryAttempts(ctx, `SELECT `+attemptColumns+` FROM email_attempts ORDER BY campaign_id, id`)
}

// EligibleAttempts returns Unsent attempts and Failed attempts still under
// the retry bound, clustered by campaign so attempts sharing a sender are adjacent.
func (s *PostgresStore) EligibleAttempts(ctx context.Context, maxAttempts int) ([]model.EmailAttempt, error) {
	query := `
        SELECT ` + attemptColumns + `
        FROM email_attempts
        WHERE status = $1 OR (status = $2 AND attempts < $3)
        ORDER BY campaign_id, id
    `
	return s.queryAttempts(ctx, query, model.StatusUnsent, model.StatusFailed, maxAttempts)
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id int) (*model.EmailAttempt, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM email_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewAttemptNotFound(id)
		}
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) FindAttemptByMessageID(ctx context.Context, messageID string) (*model.EmailAttempt, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM email_attempts WHERE message_id = $1`, messageID)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewAttemptNotFound(messageID)
		}
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) InsertAttempt(ctx context.Context, a *model.EmailAttempt) error {
	query := `
        INSERT INTO email_attempts (campaign_id, email, status, attempts, error_code, created_at)
        VALUES ($1, $2, $3, 0, $4, NOW())
        RETURNING id, created_at
    `
	err := s.DB.QueryRowContext(ctx, query, a.CampaignID, a.Email, model.StatusUnsent, appErrors.CodeNone).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return appErrors.NewCampaignNotFound(a.CampaignID)
		}
		return err
	}
	a.Status = model.StatusUnsent
	a.Attempts = 0
	a.ErrorCode = appErrors.CodeNone
	return nil
}

// UpdateAttempt overwrites only the non-nil patch fields. GREATEST keeps the
// counter from moving backwards.
func (s *PostgresStore) UpdateAttempt(ctx context.Context, id int, p model.AttemptPatch) error {
	query := `
        UPDATE email_attempts
        SET status = COALESCE($1::smallint, status),
            attempts = GREATEST(attempts, COALESCE($2::integer, attempts)),
            result = COALESCE($3, result),
            error_code = COALESCE($4::integer, error_code),
            last_attempt = COALESCE($5, last_attempt),
            message_id = COALESCE($6, message_id)
        WHERE id = $7
    `
	res, err := s.DB.ExecContext(ctx, query, p.Status, p.Attempts, p.Result, p.ErrorCode, p.LastAttempt, p.MessageID, id)
	if err != nil {
		return err
	}
	return requireRows(res, appErrors.NewAttemptNotFound(id))
}

func (s *PostgresStore) DeleteAttempt(ctx context.Context, id int) (string, error) {
	var email string
	err := s.DB.QueryRowContext(ctx, `DELETE FROM email_attempts WHERE id = $1 RETURNING email`, id).Scan(&email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.NewAttemptNotFound(id)
		}
		return "", err
	}
	return email, nil
}

func (s *PostgresStore) PauseAttempts(ctx context.Context, campaignID int) (int, error) {
	query := `
        UPDATE email_attempts SET status = $1
        WHERE campaign_id = $2 AND status IN ($3, $4, $5)
    `
	res, err := s.DB.ExecContext(ctx, query, model.StatusPaused, campaignID,
		model.StatusUnsent, model.StatusInProgress, model.StatusFailed)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResetPausedAttempts is the one write allowed to lower the counter.
func (s *PostgresStore) ResetPausedAttempts(ctx context.Context, campaignID int) (int, error) {
	query := `
        UPDATE email_attempts
        SET status = $1, attempts = 0, result = NULL, error_code = $2, message_id = NULL
        WHERE campaign_id = $3 AND status = $4
    `
	res, err := s.DB.ExecContext(ctx, query, model.StatusUnsent, appErrors.CodeNone, campaignID, model.StatusPaused)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
