package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"codedrop/internal/server/code"
	"codedrop/internal/server/config"
	"codedrop/internal/server/database"
	"codedrop/internal/server/password"
	"codedrop/internal/server/storage"

	"github.com/google/uuid"
)

// createRetries bounds how often a creation retries after losing the
// existence-check/persist race. The store's unique constraint is the
// final arbiter; a conflict just means generate again.
const createRetries = 3

// UploadStore is the slice of the repository the upload service consumes.
type UploadStore interface {
	CreateUpload(ctx context.Context, u *database.Upload) error
	GetUpload(ctx context.Context, code string) (*database.Upload, error)
	UploadCodeExists(ctx context.Context, code string) (bool, error)
	RecordDownload(ctx context.Context, code string) error
	UpdateUploadPassword(ctx context.Context, code, hash string) error
	CreateDownloadToken(ctx context.Context, t *database.DownloadToken) error
	ConsumeDownloadToken(ctx context.Context, token, uploadCode string, now time.Time) error
	CreateUploadSession(ctx context.Context, s *database.UploadSession) error
	DeleteUploadSession(ctx context.Context, id string) error
	GetStats(ctx context.Context) (*database.Stats, error)
}

// UploadResult is returned after a successful upload.
type UploadResult struct {
	Code         string    `json:"code"`
	DownloadURL  string    `json:"download_url"`
	ExpiresAt    time.Time `json:"expires_at"`
	OriginalName string    `json:"original_name"`
	Size         int64     `json:"size"`
	MaxDownloads int       `json:"max_downloads"`
}

// UploadInfo is returned for metadata queries.
type UploadInfo struct {
	Code          string    `json:"code"`
	OriginalName  string    `json:"original_name"`
	Size          int64     `json:"size"`
	MimeType      string    `json:"mime_type"`
	ExpiresAt     time.Time `json:"expires_at"`
	DownloadCount int       `json:"download_count"`
	MaxDownloads  int       `json:"max_downloads"`
	HasPassword   bool      `json:"has_password"`
}

// RedeemResult carries the single-use token issued after a successful
// redemption check, so the retrieval request need not repeat the
// password.
type RedeemResult struct {
	Token        string    `json:"token"`
	TokenExpires time.Time `json:"token_expires"`
	OriginalName string    `json:"original_name"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mime_type"`
}

// UploadService contains the business logic for file uploads.
type UploadService struct {
	store UploadStore
	blobs storage.Store
	cfg   *config.Config

	now func() time.Time
}

// NewUploadService creates a new upload service.
func NewUploadService(store UploadStore, blobs storage.Store, cfg *config.Config) *UploadService {
	return &UploadService{
		store: store,
		blobs: blobs,
		cfg:   cfg,
		now:   time.Now,
	}
}

// ProcessUpload stores the blob under a fresh storage key, reserves a
// numeric code, hashes the optional password and persists the record.
// The pre-commit session row marks the blob for sweeping if the request
// dies between blob write and metadata insert.
func (s *UploadService) ProcessUpload(ctx context.Context, name string, data io.Reader, size int64, mimeType, plaintext string, maxDownloads int, expiresIn time.Duration) (*UploadResult, error) {
	if size > s.cfg.MaxUploadSize {
		return nil, ErrFileTooLarge
	}
	if maxDownloads < 0 {
		return nil, &ValidationError{Field: "max_downloads", Message: "must be at least 1, or 0 for unlimited"}
	}
	if expiresIn <= 0 {
		expiresIn = s.cfg.DefaultExpiry
	}
	if expiresIn > s.cfg.MaxExpiry {
		return nil, &ValidationError{Field: "expires_in", Message: "exceeds maximum retention"}
	}

	now := s.now().UTC()
	storageKey := storage.NewKey()

	// Session first: if we die after the blob write, the sweeper finds
	// the session and reclaims the orphaned blob.
	session := &database.UploadSession{
		ID:         uuid.NewString(),
		StorageKey: storageKey,
		ExpiresAt:  now.Add(time.Hour),
		CreatedAt:  now,
	}
	if err := s.store.CreateUploadSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to open upload session: %w", err)
	}

	written, err := s.blobs.Save(storageKey, data)
	if err != nil {
		return nil, fmt.Errorf("failed to store blob: %w", err)
	}

	var passwordHash *string
	if plaintext != "" {
		hash, err := password.Hash(plaintext)
		if err != nil {
			s.discardBlob(storageKey)
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		passwordHash = &hash
	}

	upload, err := s.insertUpload(ctx, &database.Upload{
		StorageKey:    storageKey,
		OriginalName:  sanitizeFilename(name),
		Size:          written,
		MimeType:      mimeType,
		ExpiresAt:     now.Add(expiresIn),
		MaxDownloads:  maxDownloads,
		DownloadCount: 0,
		PasswordHash:  passwordHash,
		CreatedAt:     now,
	})
	if err != nil {
		s.discardBlob(storageKey)
		return nil, err
	}

	// Commit: the record owns the blob now.
	if err := s.store.DeleteUploadSession(ctx, session.ID); err != nil {
		slog.Error("failed to close upload session", "session", session.ID, "error", err)
	}

	slog.Info("upload created",
		"code", upload.Code,
		"name", upload.OriginalName,
		"size", written,
		"expires_at", upload.ExpiresAt,
	)

	return &UploadResult{
		Code:         upload.Code,
		DownloadURL:  fmt.Sprintf("%s/d/%s", s.cfg.BaseURL, upload.Code),
		ExpiresAt:    upload.ExpiresAt,
		OriginalName: upload.OriginalName,
		Size:         written,
		MaxDownloads: upload.MaxDownloads,
	}, nil
}

// insertUpload reserves a code and persists, regenerating the code when
// the insert loses the race to a concurrent creation.
func (s *UploadService) insertUpload(ctx context.Context, u *database.Upload) (*database.Upload, error) {
	for attempt := 0; attempt < createRetries; attempt++ {
		c, err := code.Reserve(ctx, code.AlphabetNumeric, s.cfg.UploadCodeLength, s.store.UploadCodeExists)
		if err != nil {
			if errors.Is(err, code.ErrCodeSpaceExhausted) {
				slog.Error("upload code space exhausted", "length", s.cfg.UploadCodeLength)
			}
			return nil, err
		}

		u.Code = c
		err = s.store.CreateUpload(ctx, u)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, database.ErrCodeTaken) {
			return nil, err
		}
		slog.Warn("upload code collided at persist, retrying", "code", c)
	}
	return nil, code.ErrCodeSpaceExhausted
}

func (s *UploadService) discardBlob(key string) {
	if _, err := s.blobs.Delete(key); err != nil {
		slog.Error("failed to discard blob", "storage_key", key, "error", err)
	}
}

// GetInfo returns metadata about an upload without serving the blob.
func (s *UploadService) GetInfo(ctx context.Context, uploadCode string) (*UploadInfo, error) {
	upload, err := s.getLive(ctx, uploadCode)
	if err != nil {
		return nil, err
	}

	return &UploadInfo{
		Code:          upload.Code,
		OriginalName:  upload.OriginalName,
		Size:          upload.Size,
		MimeType:      upload.MimeType,
		ExpiresAt:     upload.ExpiresAt,
		DownloadCount: upload.DownloadCount,
		MaxDownloads:  upload.MaxDownloads,
		HasPassword:   upload.PasswordHash != nil,
	}, nil
}

// Redeem checks logical death and the password, then issues a
// single-use download token. A legacy credential that verifies is
// upgraded in place.
func (s *UploadService) Redeem(ctx context.Context, uploadCode, plaintext string) (*RedeemResult, error) {
	upload, err := s.getLive(ctx, uploadCode)
	if err != nil {
		return nil, err
	}

	if upload.PasswordHash != nil {
		if plaintext == "" {
			return nil, ErrPasswordRequired
		}
		res := password.Verify(plaintext, *upload.PasswordHash)
		if !res.Verified {
			return nil, ErrInvalidPassword
		}
		if res.NeedsRehash {
			// Best effort: the old credential still verifies if this fails.
			if err := s.store.UpdateUploadPassword(ctx, upload.Code, res.NewHash); err != nil {
				slog.Error("failed to upgrade legacy credential", "code", upload.Code, "error", err)
			} else {
				slog.Info("upgraded legacy credential", "code", upload.Code)
			}
		}
	}

	now := s.now().UTC()
	token := &database.DownloadToken{
		Token:      uuid.NewString(),
		UploadCode: upload.Code,
		ExpiresAt:  now.Add(s.cfg.DownloadTokenTTL),
		CreatedAt:  now,
	}
	if err := s.store.CreateDownloadToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to issue download token: %w", err)
	}

	return &RedeemResult{
		Token:        token.Token,
		TokenExpires: token.ExpiresAt,
		OriginalName: upload.OriginalName,
		Size:         upload.Size,
		MimeType:     upload.MimeType,
	}, nil
}

// Retrieve consumes the download token and streams the blob. The
// download is counted before the stream is handed out.
func (s *UploadService) Retrieve(ctx context.Context, uploadCode, token string) (io.ReadCloser, *UploadInfo, error) {
	upload, err := s.getLive(ctx, uploadCode)
	if err != nil {
		return nil, nil, err
	}

	if err := s.store.ConsumeDownloadToken(ctx, token, upload.Code, s.now().UTC()); err != nil {
		if errors.Is(err, database.ErrTokenNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, err
	}

	rc, err := s.blobs.Open(upload.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open blob: %w", err)
	}

	if err := s.store.RecordDownload(ctx, upload.Code); err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("failed to record download: %w", err)
	}

	info := &UploadInfo{
		Code:          upload.Code,
		OriginalName:  upload.OriginalName,
		Size:          upload.Size,
		MimeType:      upload.MimeType,
		ExpiresAt:     upload.ExpiresAt,
		DownloadCount: upload.DownloadCount + 1,
		MaxDownloads:  upload.MaxDownloads,
		HasPassword:   upload.PasswordHash != nil,
	}
	return rc, info, nil
}

// getLive fetches an upload and enforces logical death synchronously:
// past expiry or a consumed download cap makes the record unreachable
// here, even while the physical row waits for the sweeper.
func (s *UploadService) getLive(ctx context.Context, uploadCode string) (*database.Upload, error) {
	upload, err := s.store.GetUpload(ctx, uploadCode)
	if err != nil {
		if errors.Is(err, database.ErrUploadNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if s.now().After(upload.ExpiresAt) {
		return nil, ErrExpired
	}
	if upload.Exhausted() {
		return nil, ErrConsumed
	}
	return upload, nil
}

// Stats returns aggregate server statistics.
func (s *UploadService) Stats(ctx context.Context) (*database.Stats, error) {
	return s.store.GetStats(ctx)
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}

	if name == "" || name == "." || name == "/" {
		name = "upload.bin"
	}

	return name
}
