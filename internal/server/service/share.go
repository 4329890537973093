package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"codedrop/internal/server/code"
	"codedrop/internal/server/config"
	"codedrop/internal/server/database"
	"codedrop/internal/server/password"

	"github.com/google/uuid"
)

// ShareStore is the slice of the repository the share service consumes.
type ShareStore interface {
	CreateShare(ctx context.Context, s *database.Share, content *database.ShareContent) error
	GetShare(ctx context.Context, code string) (*database.Share, error)
	GetShareContent(ctx context.Context, id string) (*database.ShareContent, error)
	ShareCodeExists(ctx context.Context, code string) (bool, error)
	RecordView(ctx context.Context, code string, burn bool) error
	UpdateSharePassword(ctx context.Context, code, hash string) error
	DeleteShareCascade(ctx context.Context, code, contentID string) error
}

// CreateShareRequest is the parsed creation body. Validate runs before
// any business logic touches it.
type CreateShareRequest struct {
	Type             string  `json:"type"`
	Content          string  `json:"content"`
	Password         string  `json:"password,omitempty"`
	BurnAfterReading bool    `json:"burn_after_reading"`
	ExpiresInHours   float64 `json:"expires_in_hours"`
}

// Validate checks the request shape. Returns nil when the request is
// usable.
func (r *CreateShareRequest) Validate(maxExpiry time.Duration, maxContent int64) *ValidationError {
	if !database.ValidShareType(database.ShareType(r.Type)) {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unsupported share type %q", r.Type)}
	}
	if r.Content == "" {
		return &ValidationError{Field: "content", Message: "must not be empty"}
	}
	if int64(len(r.Content)) > maxContent {
		return &ValidationError{Field: "content", Message: "exceeds maximum size"}
	}
	if r.ExpiresInHours < 0 {
		return &ValidationError{Field: "expires_in_hours", Message: "must not be negative"}
	}
	if time.Duration(r.ExpiresInHours*float64(time.Hour)) > maxExpiry {
		return &ValidationError{Field: "expires_in_hours", Message: "exceeds maximum retention"}
	}
	return nil
}

func (r *CreateShareRequest) expiry(fallback time.Duration) time.Duration {
	if r.ExpiresInHours <= 0 {
		return fallback
	}
	return time.Duration(r.ExpiresInHours * float64(time.Hour))
}

// ShareResult is returned after a successful share creation.
type ShareResult struct {
	Code      string    `json:"code"`
	ShareURL  string    `json:"share_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ShareView is a redeemed share payload.
type ShareView struct {
	Code      string             `json:"code"`
	Type      database.ShareType `json:"type"`
	Content   string             `json:"content"`
	ViewCount int                `json:"view_count"`
	Burned    bool               `json:"burned"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// ShareService contains the business logic for text/paste shares.
type ShareService struct {
	store ShareStore
	cfg   *config.Config

	now func() time.Time
}

// NewShareService creates a new share service.
func NewShareService(store ShareStore, cfg *config.Config) *ShareService {
	return &ShareService{store: store, cfg: cfg, now: time.Now}
}

// CreateShare validates the request, reserves a code and persists the
// content row together with the share row referencing it.
func (s *ShareService) CreateShare(ctx context.Context, req *CreateShareRequest) (*ShareResult, error) {
	if verr := req.Validate(s.cfg.MaxExpiry, s.cfg.MaxShareSize); verr != nil {
		return nil, verr
	}

	now := s.now().UTC()

	var passwordHash *string
	if req.Password != "" {
		hash, err := password.Hash(req.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		passwordHash = &hash
	}

	content := &database.ShareContent{
		ID:        uuid.NewString(),
		Body:      []byte(req.Content),
		CreatedAt: now,
	}
	share := &database.Share{
		Type:             database.ShareType(req.Type),
		ContentID:        content.ID,
		PasswordHash:     passwordHash,
		BurnAfterReading: req.BurnAfterReading,
		ExpiresAt:        now.Add(req.expiry(s.cfg.DefaultExpiry)),
		CreatedAt:        now,
	}

	for attempt := 0; attempt < createRetries; attempt++ {
		c, err := code.Reserve(ctx, code.AlphabetLowerAlnum, s.cfg.ShareCodeLength, s.store.ShareCodeExists)
		if err != nil {
			if errors.Is(err, code.ErrCodeSpaceExhausted) {
				slog.Error("share code space exhausted", "length", s.cfg.ShareCodeLength)
			}
			return nil, err
		}

		share.Code = c
		err = s.store.CreateShare(ctx, share, content)
		if err == nil {
			slog.Info("share created",
				"code", share.Code,
				"type", share.Type,
				"burn_after_reading", share.BurnAfterReading,
				"expires_at", share.ExpiresAt,
			)
			return &ShareResult{
				Code:      share.Code,
				ShareURL:  fmt.Sprintf("%s/s/%s", s.cfg.BaseURL, share.Code),
				ExpiresAt: share.ExpiresAt,
			}, nil
		}
		if !errors.Is(err, database.ErrCodeTaken) {
			return nil, err
		}
		slog.Warn("share code collided at persist, retrying", "code", c)
	}
	return nil, code.ErrCodeSpaceExhausted
}

// ViewShare redeems a share: logical-death check, password check with
// opportunistic credential upgrade, view count, and the burn cascade
// for burn-after-reading shares.
func (s *ShareService) ViewShare(ctx context.Context, shareCode, plaintext string) (*ShareView, error) {
	share, err := s.store.GetShare(ctx, shareCode)
	if err != nil {
		if errors.Is(err, database.ErrShareNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if s.now().After(share.ExpiresAt) {
		return nil, ErrExpired
	}
	if share.Burned {
		return nil, ErrConsumed
	}

	if share.PasswordHash != nil {
		if plaintext == "" {
			return nil, ErrPasswordRequired
		}
		res := password.Verify(plaintext, *share.PasswordHash)
		if !res.Verified {
			return nil, ErrInvalidPassword
		}
		if res.NeedsRehash && !share.BurnAfterReading {
			if err := s.store.UpdateSharePassword(ctx, share.Code, res.NewHash); err != nil {
				slog.Error("failed to upgrade legacy credential", "code", share.Code, "error", err)
			} else {
				slog.Info("upgraded legacy credential", "code", share.Code)
			}
		}
	}

	content, err := s.store.GetShareContent(ctx, share.ContentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load share content: %w", err)
	}

	if err := s.store.RecordView(ctx, share.Code, share.BurnAfterReading); err != nil {
		return nil, fmt.Errorf("failed to record view: %w", err)
	}

	if share.BurnAfterReading {
		// The payload is already in hand; remove content first, then
		// the share row, so an interruption never orphans the content.
		if err := s.store.DeleteShareCascade(ctx, share.Code, share.ContentID); err != nil {
			slog.Error("failed to burn share", "code", share.Code, "error", err)
		} else {
			slog.Info("share burned", "code", share.Code)
		}
	}

	return &ShareView{
		Code:      share.Code,
		Type:      share.Type,
		Content:   string(content.Body),
		ViewCount: share.ViewCount + 1,
		Burned:    share.BurnAfterReading,
		ExpiresAt: share.ExpiresAt,
	}, nil
}
