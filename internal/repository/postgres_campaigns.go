package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
	"github.com/unclebandit/mailqueue-backend/internal/model"
)

// PostgresStore keeps campaigns and attempts in Postgres via lib/pq.
type PostgresStore struct {
	DB *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const campaignColumns = `id, name, subject, sender, body, text_body, state, created_at, updated_at`

// ====================== Campaign CRUD ======================

func (s *PostgresStore) InsertCampaign(ctx context.Context, c *model.Campaign) error {
	query := `
        INSERT INTO campaigns (name, subject, sender, body, text_body, state, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
        RETURNING id, created_at, updated_at
    `
	return s.DB.QueryRowContext(ctx, query, c.Name, c.Subject, c.Sender, c.Body, c.TextBody, c.State).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (s *PostgresStore) UpdateCampaign(ctx context.Context, id int, p model.CampaignPatch) error {
	query := `
        UPDATE campaigns
        SET name = COALESCE($1, name),
            subject = COALESCE($2, subject),
            sender = COALESCE($3, sender),
            body = COALESCE($4, body),
            text_body = COALESCE($5, text_body),
            state = COALESCE($6::smallint, state),
            updated_at = NOW()
        WHERE id = $7
    `
	res, err := s.DB.ExecContext(ctx, query, p.Name, p.Subject, p.Sender, p.Body, p.TextBody, p.State, id)
	if err != nil {
		return err
	}
	return requireRows(res, appErrors.NewCampaignNotFound(id))
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id int, withAttempts bool) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	var c model.Campaign
	err := s.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.Subject, &c.Sender, &c.Body, &c.TextBody, &c.State, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	if withAttempts {
		attempts, err := s.ListAttempts(ctx, id)
		if err != nil {
			return nil, err
		}
		c.EmailAttempts = attempts
		c.EmailCount = len(attempts)
	}
	return &c, nil
}

func (s *PostgresStore) ListCampaigns(ctx context.Context) ([]model.Campaign, error) {
	query := `
        SELECT c.id, c.name, c.subject, c.sender, c.body, c.text_body, c.state, c.created_at, c.updated_at,
               COUNT(a.id)
        FROM campaigns c
        LEFT JOIN email_attempts a ON a.campaign_id = c.id
        GROUP BY c.id
        ORDER BY c.id
    `
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []model.Campaign{}
	for rows.Next() {
		var c model.Campaign
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Subject, &c.Sender, &c.Body, &c.TextBody, &c.State, &c.CreatedAt, &c.UpdatedAt,
			&c.EmailCount,
		); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (s *PostgresStore) CampaignExists(ctx context.Context, id int) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

// DeleteCampaign relies on ON DELETE CASCADE to drop the campaign's attempts.
func (s *PostgresStore) DeleteCampaign(ctx context.Context, id int) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRows(res, appErrors.NewCampaignNotFound(id))
}

func requireRows(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// isForeignKeyViolation reports a pq error for a missing referenced row.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
