package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const contentColumns = `id, title, body, topic, language, status, created_at, updated_at`

func scanContent(row pgx.Row) (Content, error) {
	var c Content
	err := row.Scan(&c.ID, &c.Title, &c.Body, &c.Topic, &c.Language, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// GetContent returns a single content item by ID.
func (s *Store) GetContent(ctx context.Context, id uuid.UUID) (Content, error) {
	query := `SELECT ` + contentColumns + ` FROM content WHERE id = $1`
	return scanContent(s.pool.QueryRow(ctx, query, id))
}

// CreateContentParams holds parameters for creating a content item (used by seed mode).
type CreateContentParams struct {
	Title    string
	Body     string
	Topic    *string
	Language *string
	Status   string
}

// CreateContent inserts a new content item and returns the created row.
func (s *Store) CreateContent(ctx context.Context, p CreateContentParams) (Content, error) {
	query := `INSERT INTO content (title, body, topic, language, status)
		VALUES ($1,$2,$3,$4,$5) RETURNING ` + contentColumns

	row := s.pool.QueryRow(ctx, query, p.Title, p.Body, p.Topic, p.Language, p.Status)
	return scanContent(row)
}

const variantColumns = `id, content_id, account_id, body, similarity_key, created_at`

func scanVariant(row pgx.Row) (ContentVariant, error) {
	var v ContentVariant
	err := row.Scan(&v.ID, &v.ContentID, &v.AccountID, &v.Body, &v.SimilarityKey, &v.CreatedAt)
	return v, err
}

// GetVariantTx returns the existing variant for a (content, account) pair
// within tx, if any.
func (s *Store) GetVariantTx(ctx context.Context, tx pgx.Tx, contentID uuid.UUID, accountID uuid.UUID) (ContentVariant, bool, error) {
	query := `SELECT ` + variantColumns + ` FROM content_variants WHERE content_id = $1 AND account_id = $2`
	v, err := scanVariant(tx.QueryRow(ctx, query, contentID, accountID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return ContentVariant{}, false, nil
		}
		return ContentVariant{}, false, fmt.Errorf("getting content variant: %w", err)
	}
	return v, true, nil
}

// CreateVariantTx inserts a new materialized variant for a (content,
// account) pair within tx.
func (s *Store) CreateVariantTx(ctx context.Context, tx pgx.Tx, contentID uuid.UUID, accountID uuid.UUID, body, similarityKey string) (ContentVariant, error) {
	query := `INSERT INTO content_variants (content_id, account_id, body, similarity_key)
		VALUES ($1,$2,$3,$4) RETURNING ` + variantColumns

	row := tx.QueryRow(ctx, query, contentID, accountID, body, similarityKey)
	return scanVariant(row)
}

// GetVariantByID returns a variant by its ID.
func (s *Store) GetVariantByID(ctx context.Context, id uuid.UUID) (ContentVariant, error) {
	query := `SELECT ` + variantColumns + ` FROM content_variants WHERE id = $1`
	return scanVariant(s.pool.QueryRow(ctx, query, id))
}

// RecentPostedBodies returns up to limit variant bodies for schedules POSTED
// since the given instant, most recent first. This seeds the publisher
// cycle's similarity corpus.
func (s *Store) RecentPostedBodies(ctx context.Context, since time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cv.body
		FROM schedules s
		JOIN content_variants cv ON cv.id = s.content_variant_id
		WHERE s.status = $1 AND s.posted_at >= $2
		ORDER BY s.posted_at DESC
		LIMIT $3
	`, SchedulePosted, since, limit)
	if err != nil {
		return nil, fmt.Errorf("loading recent posted bodies: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning recent posted body: %w", err)
		}
		out = append(out, body)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recent posted bodies: %w", err)
	}
	return out, nil
}
