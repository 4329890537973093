// Package cleanup reclaims expired records and their storage blobs.
//
// A run executes a fixed sequence: expired download tokens, then stale
// upload sessions with the orphaned blobs they reserved, then expired
// uploads with their blobs, then expired
// shares with their content rows. The order inside the share step is
// the load-bearing invariant: content rows are the parent in deletion
// order and are removed before the share rows that reference them, so
// an interrupted run can never strand a content row that no later run
// would revisit. Every step is idempotent, which makes overlapping or
// repeated runs safe.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"codedrop/internal/server/database"
)

// DefaultBatchSize caps how many expired uploads one run processes.
const DefaultBatchSize = 100

// MetadataStore is the slice of the repository the job consumes.
type MetadataStore interface {
	Ping(ctx context.Context) error
	DeleteExpiredDownloadTokens(ctx context.Context, now time.Time) (int64, error)
	GetExpiredUploadSessions(ctx context.Context, now time.Time) ([]*database.UploadSession, error)
	DeleteUploadSessions(ctx context.Context, ids []string) error
	GetExpiredUploads(ctx context.Context, now time.Time, limit int) ([]*database.Upload, error)
	DeleteUploads(ctx context.Context, codes []string) error
	GetExpiredShares(ctx context.Context, now time.Time) ([]*database.Share, error)
	DeleteShareContents(ctx context.Context, ids []string) error
	DeleteShares(ctx context.Context, codes []string) error
}

// BlobStore deletes storage objects. A missing key reports success.
type BlobStore interface {
	Delete(key string) (bool, error)
}

// Stats aggregates what one run removed.
type Stats struct {
	DownloadTokens int64 `json:"download_tokens"`
	UploadSessions int64 `json:"upload_sessions"`
	Uploads        int   `json:"uploads"`
	Shares         int   `json:"shares"`
	StorageDeleted int   `json:"storage_deleted"`
	StorageFailed  int   `json:"storage_failed"`
}

// Service runs the cleanup protocol. It is stateless across runs.
type Service struct {
	store     MetadataStore
	blobs     BlobStore
	batchSize int
}

// New creates a cleanup service. batchSize <= 0 uses DefaultBatchSize.
func New(store MetadataStore, blobs BlobStore, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Service{store: store, blobs: blobs, batchSize: batchSize}
}

// RunCleanup removes everything expired as of now. Sub-step failures
// are logged and zero-filled into the stats; only an unreachable
// metadata store fails the run as a whole.
func (s *Service) RunCleanup(ctx context.Context, now time.Time) (Stats, error) {
	if err := s.store.Ping(ctx); err != nil {
		return Stats{}, fmt.Errorf("metadata store unreachable: %w", err)
	}

	var stats Stats

	tokens, err := s.store.DeleteExpiredDownloadTokens(ctx, now)
	if err != nil {
		slog.Error("cleanup: failed to delete expired download tokens", "error", err)
	} else {
		stats.DownloadTokens = tokens
	}

	s.cleanSessions(ctx, now, &stats)
	s.cleanUploads(ctx, now, &stats)
	s.cleanShares(ctx, now, &stats)

	slog.Info("cleanup run complete",
		"download_tokens", stats.DownloadTokens,
		"upload_sessions", stats.UploadSessions,
		"uploads", stats.Uploads,
		"shares", stats.Shares,
		"storage_deleted", stats.StorageDeleted,
		"storage_failed", stats.StorageFailed,
	)

	return stats, nil
}

// cleanSessions removes expired pre-commit upload sessions. A session
// that outlived its expiry means the upload never committed, so its
// blob belongs to nobody; reclaim it before dropping the row. A failed
// blob delete is counted and logged like in the upload step and does
// not keep the row alive.
func (s *Service) cleanSessions(ctx context.Context, now time.Time, stats *Stats) {
	expired, err := s.store.GetExpiredUploadSessions(ctx, now)
	if err != nil {
		slog.Error("cleanup: failed to query expired upload sessions", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	ids := make([]string, 0, len(expired))
	for _, sess := range expired {
		ids = append(ids, sess.ID)

		ok, err := s.blobs.Delete(sess.StorageKey)
		if err != nil || !ok {
			slog.Error("cleanup: failed to delete session blob",
				"session", sess.ID,
				"storage_key", sess.StorageKey,
				"error", err,
			)
			stats.StorageFailed++
			continue
		}
		stats.StorageDeleted++
	}

	if err := s.store.DeleteUploadSessions(ctx, ids); err != nil {
		slog.Error("cleanup: failed to delete upload session rows", "error", err)
		return
	}
	stats.UploadSessions = int64(len(ids))
}

// cleanUploads removes one batch of expired uploads. Blob deletion is
// attempted per item; a failed blob delete is counted and logged but
// never blocks removal of the metadata row. The orphaned blob has no
// independent index and costs storage, not correctness.
func (s *Service) cleanUploads(ctx context.Context, now time.Time, stats *Stats) {
	expired, err := s.store.GetExpiredUploads(ctx, now, s.batchSize)
	if err != nil {
		slog.Error("cleanup: failed to query expired uploads", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	codes := make([]string, 0, len(expired))
	for _, u := range expired {
		codes = append(codes, u.Code)

		ok, err := s.blobs.Delete(u.StorageKey)
		if err != nil || !ok {
			slog.Error("cleanup: failed to delete blob",
				"code", u.Code,
				"storage_key", u.StorageKey,
				"error", err,
			)
			stats.StorageFailed++
			continue
		}
		stats.StorageDeleted++
	}

	if err := s.store.DeleteUploads(ctx, codes); err != nil {
		slog.Error("cleanup: failed to delete upload records", "error", err)
		return
	}
	stats.Uploads = len(codes)
}

// cleanShares removes all expired shares through the two-phase cascade.
func (s *Service) cleanShares(ctx context.Context, now time.Time, stats *Stats) {
	expired, err := s.store.GetExpiredShares(ctx, now)
	if err != nil {
		slog.Error("cleanup: failed to query expired shares", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	if err := s.deleteSharesCascade(ctx, expired); err != nil {
		slog.Error("cleanup: failed to delete expired shares", "error", err)
		return
	}
	stats.Shares = len(expired)
}

// deleteSharesCascade deletes share content rows first and share rows
// second. If the content delete fails, the share rows stay in place so
// a later run finds them again; deleting shares first would strand
// their contents forever.
func (s *Service) deleteSharesCascade(ctx context.Context, shares []*database.Share) error {
	contentIDs := make([]string, 0, len(shares))
	codes := make([]string, 0, len(shares))
	for _, sh := range shares {
		contentIDs = append(contentIDs, sh.ContentID)
		codes = append(codes, sh.Code)
	}

	if err := s.store.DeleteShareContents(ctx, contentIDs); err != nil {
		return fmt.Errorf("failed to delete share contents: %w", err)
	}
	if err := s.store.DeleteShares(ctx, codes); err != nil {
		return fmt.Errorf("failed to delete shares: %w", err)
	}
	return nil
}
