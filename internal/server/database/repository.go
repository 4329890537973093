package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrUploadNotFound  = errors.New("upload not found")
	ErrShareNotFound   = errors.New("share not found")
	ErrContentNotFound = errors.New("share content not found")
	ErrTokenNotFound   = errors.New("download token not found")

	// ErrCodeTaken is returned when an insert loses the race between the
	// existence check and persist. The store's primary key is the final
	// arbiter; callers retry with a fresh code.
	ErrCodeTaken = errors.New("code already taken")
)

const uniqueViolation = "23505"

// Repository provides CRUD operations for uploads, shares, tokens and
// upload sessions.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Ping verifies the metadata store is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- Uploads ---

// CreateUpload inserts a new upload record. Returns ErrCodeTaken when
// the code collided at persist time.
func (r *Repository) CreateUpload(ctx context.Context, u *Upload) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO uploads (
			code, storage_key, original_name, size, mime_type,
			expires_at, max_downloads, download_count, password_hash,
			downloaded, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		u.Code, u.StorageKey, u.OriginalName, u.Size, u.MimeType,
		u.ExpiresAt, u.MaxDownloads, u.DownloadCount, u.PasswordHash,
		u.Downloaded, u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCodeTaken
		}
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

// GetUpload retrieves an upload by its code.
func (r *Repository) GetUpload(ctx context.Context, code string) (*Upload, error) {
	u := &Upload{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT code, storage_key, original_name, size, mime_type,
		       expires_at, max_downloads, download_count, password_hash,
		       downloaded, created_at
		FROM uploads WHERE code = $1
	`, code).Scan(
		&u.Code, &u.StorageKey, &u.OriginalName, &u.Size, &u.MimeType,
		&u.ExpiresAt, &u.MaxDownloads, &u.DownloadCount, &u.PasswordHash,
		&u.Downloaded, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return u, nil
}

// UploadCodeExists reports whether an upload code is already in use.
func (r *Repository) UploadCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM uploads WHERE code = $1)", code,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check upload code: %w", err)
	}
	return exists, nil
}

// RecordDownload atomically increments the download counter and marks
// the upload as downloaded.
func (r *Repository) RecordDownload(ctx context.Context, code string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE uploads
		SET download_count = download_count + 1, downloaded = TRUE
		WHERE code = $1
	`, code)
	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// UpdateUploadPassword replaces the stored credential, used to upgrade
// legacy hashes after a successful verification.
func (r *Repository) UpdateUploadPassword(ctx context.Context, code, hash string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE uploads SET password_hash = $2 WHERE code = $1", code, hash)
	if err != nil {
		return fmt.Errorf("failed to update upload password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// GetExpiredUploads returns up to limit uploads whose expiry has passed.
func (r *Repository) GetExpiredUploads(ctx context.Context, now time.Time, limit int) ([]*Upload, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT code, storage_key, original_name, size, mime_type,
		       expires_at, max_downloads, download_count, password_hash,
		       downloaded, created_at
		FROM uploads WHERE expires_at < $1
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*Upload
	for rows.Next() {
		u := &Upload{}
		if err := rows.Scan(
			&u.Code, &u.StorageKey, &u.OriginalName, &u.Size, &u.MimeType,
			&u.ExpiresAt, &u.MaxDownloads, &u.DownloadCount, &u.PasswordHash,
			&u.Downloaded, &u.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan expired upload: %w", err)
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// DeleteUploads removes upload records by code. Missing codes are not
// an error; deletes are idempotent.
func (r *Repository) DeleteUploads(ctx context.Context, codes []string) error {
	if len(codes) == 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx, "DELETE FROM uploads WHERE code = ANY($1)", codes)
	if err != nil {
		return fmt.Errorf("failed to delete uploads: %w", err)
	}
	return nil
}

// --- Shares ---

// CreateShare inserts the content row and the share row referencing it
// in one transaction. Returns ErrCodeTaken on a code collision.
func (r *Repository) CreateShare(ctx context.Context, s *Share, content *ShareContent) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		"INSERT INTO share_contents (id, body, created_at) VALUES ($1, $2, $3)",
		content.ID, content.Body, content.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create share content: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO shares (
			code, type, content_id, password_hash, burn_after_reading,
			view_count, burned, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		s.Code, s.Type, s.ContentID, s.PasswordHash, s.BurnAfterReading,
		s.ViewCount, s.Burned, s.ExpiresAt, s.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCodeTaken
		}
		return fmt.Errorf("failed to create share: %w", err)
	}

	return tx.Commit(ctx)
}

// GetShare retrieves a share by its code.
func (r *Repository) GetShare(ctx context.Context, code string) (*Share, error) {
	s := &Share{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT code, type, content_id, password_hash, burn_after_reading,
		       view_count, burned, expires_at, created_at
		FROM shares WHERE code = $1
	`, code).Scan(
		&s.Code, &s.Type, &s.ContentID, &s.PasswordHash, &s.BurnAfterReading,
		&s.ViewCount, &s.Burned, &s.ExpiresAt, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to get share: %w", err)
	}
	return s, nil
}

// GetShareContent retrieves a share's payload row.
func (r *Repository) GetShareContent(ctx context.Context, id string) (*ShareContent, error) {
	c := &ShareContent{}
	err := r.db.Pool.QueryRow(ctx,
		"SELECT id, body, created_at FROM share_contents WHERE id = $1", id,
	).Scan(&c.ID, &c.Body, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to get share content: %w", err)
	}
	return c, nil
}

// ShareCodeExists reports whether a share code is already in use.
func (r *Repository) ShareCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM shares WHERE code = $1)", code,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check share code: %w", err)
	}
	return exists, nil
}

// RecordView increments the view counter and marks the share burned
// when burn is set.
func (r *Repository) RecordView(ctx context.Context, code string, burn bool) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE shares
		SET view_count = view_count + 1, burned = burned OR $2
		WHERE code = $1
	`, code, burn)
	if err != nil {
		return fmt.Errorf("failed to record view: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrShareNotFound
	}
	return nil
}

// UpdateSharePassword replaces the stored credential, used to upgrade
// legacy hashes after a successful verification.
func (r *Repository) UpdateSharePassword(ctx context.Context, code, hash string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE shares SET password_hash = $2 WHERE code = $1", code, hash)
	if err != nil {
		return fmt.Errorf("failed to update share password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrShareNotFound
	}
	return nil
}

// DeleteShareCascade removes a single share and its content row.
// The content is deleted first: the content row is the parent in
// deletion order and must never be left orphaned by a share delete.
func (r *Repository) DeleteShareCascade(ctx context.Context, code, contentID string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM share_contents WHERE id = $1", contentID); err != nil {
		return fmt.Errorf("failed to delete share content: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM shares WHERE code = $1", code); err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}

	return tx.Commit(ctx)
}

// GetExpiredShares returns all shares whose expiry has passed.
func (r *Repository) GetExpiredShares(ctx context.Context, now time.Time) ([]*Share, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT code, type, content_id, password_hash, burn_after_reading,
		       view_count, burned, expires_at, created_at
		FROM shares WHERE expires_at < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired shares: %w", err)
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		s := &Share{}
		if err := rows.Scan(
			&s.Code, &s.Type, &s.ContentID, &s.PasswordHash, &s.BurnAfterReading,
			&s.ViewCount, &s.Burned, &s.ExpiresAt, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan expired share: %w", err)
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

// DeleteShareContents removes content rows by id.
func (r *Repository) DeleteShareContents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx, "DELETE FROM share_contents WHERE id = ANY($1)", ids)
	if err != nil {
		return fmt.Errorf("failed to delete share contents: %w", err)
	}
	return nil
}

// DeleteShares removes share rows by code.
func (r *Repository) DeleteShares(ctx context.Context, codes []string) error {
	if len(codes) == 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx, "DELETE FROM shares WHERE code = ANY($1)", codes)
	if err != nil {
		return fmt.Errorf("failed to delete shares: %w", err)
	}
	return nil
}

// --- Download tokens ---

// CreateDownloadToken inserts a single-use retrieval authorization.
func (r *Repository) CreateDownloadToken(ctx context.Context, t *DownloadToken) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO download_tokens (token, upload_code, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, t.Token, t.UploadCode, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create download token: %w", err)
	}
	return nil
}

// ConsumeDownloadToken deletes the token if it matches the upload code
// and has not expired. Returns ErrTokenNotFound when no live token
// matched, making consumption single-use under concurrency.
func (r *Repository) ConsumeDownloadToken(ctx context.Context, token, uploadCode string, now time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM download_tokens
		WHERE token = $1 AND upload_code = $2 AND expires_at > $3
	`, token, uploadCode, now)
	if err != nil {
		return fmt.Errorf("failed to consume download token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// DeleteExpiredDownloadTokens removes all tokens past their expiry and
// returns how many were removed.
func (r *Repository) DeleteExpiredDownloadTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		"DELETE FROM download_tokens WHERE expires_at < $1", now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired download tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Upload sessions ---

// CreateUploadSession records a pre-commit upload reservation.
func (r *Repository) CreateUploadSession(ctx context.Context, s *UploadSession) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO upload_sessions (id, storage_key, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, s.ID, s.StorageKey, s.ExpiresAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	return nil
}

// DeleteUploadSession removes a session once its upload committed.
func (r *Repository) DeleteUploadSession(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx, "DELETE FROM upload_sessions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}
	return nil
}

// GetExpiredUploadSessions returns sessions past their expiry, so the
// sweeper can reclaim the blobs they reserved before dropping the rows.
func (r *Repository) GetExpiredUploadSessions(ctx context.Context, now time.Time) ([]*UploadSession, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, storage_key, expires_at, created_at
		FROM upload_sessions WHERE expires_at < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired upload sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*UploadSession
	for rows.Next() {
		s := &UploadSession{}
		if err := rows.Scan(&s.ID, &s.StorageKey, &s.ExpiresAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan expired upload session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteUploadSessions removes session rows by id.
func (r *Repository) DeleteUploadSessions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Pool.Exec(ctx, "DELETE FROM upload_sessions WHERE id = ANY($1)", ids)
	if err != nil {
		return fmt.Errorf("failed to delete upload sessions: %w", err)
	}
	return nil
}

// --- Stats ---

// GetStats returns aggregate server statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE expires_at > NOW()),
			COALESCE(SUM(download_count), 0),
			COALESCE(SUM(size) FILTER (WHERE expires_at > NOW()), 0)
		FROM uploads
	`).Scan(
		&stats.TotalUploads,
		&stats.ActiveUploads,
		&stats.TotalDownloads,
		&stats.StorageUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get upload stats: %w", err)
	}

	err = r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE expires_at > NOW())
		FROM shares
	`).Scan(&stats.TotalShares, &stats.ActiveShares)
	if err != nil {
		return nil, fmt.Errorf("failed to get share stats: %w", err)
	}

	return stats, nil
}
