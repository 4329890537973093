package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"codedrop/internal/server/cleanup"
	"codedrop/internal/server/code"
	"codedrop/internal/server/config"
	"codedrop/internal/server/database"
	"codedrop/internal/server/service"

	"github.com/labstack/echo/v4"
)

// Handler contains the HTTP handlers for the codedrop API.
type Handler struct {
	uploads *service.UploadService
	shares  *service.ShareService
	cleaner *cleanup.Service
	db      *database.DB
	cfg     *config.Config
}

// NewHandler creates a new handler with its service dependencies.
func NewHandler(uploads *service.UploadService, shares *service.ShareService, cleaner *cleanup.Service, db *database.DB, cfg *config.Config) *Handler {
	return &Handler{uploads: uploads, shares: shares, cleaner: cleaner, db: db, cfg: cfg}
}

// HandleUpload handles POST /api/upload.
// Accepts a multipart form with a "file" field and optional "password",
// "max_downloads" and "expires_in_hours" fields.
func (h *Handler) HandleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	maxDownloads := 0
	if v := c.FormValue("max_downloads"); v != "" {
		maxDownloads, err = strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error": "max_downloads must be an integer",
			})
		}
	}

	var expiresIn time.Duration
	if v := c.FormValue("expires_in_hours"); v != "" {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error": "expires_in_hours must be a number",
			})
		}
		expiresIn = time.Duration(hours * float64(time.Hour))
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	result, err := h.uploads.ProcessUpload(
		c.Request().Context(),
		fileHeader.Filename,
		src,
		fileHeader.Size,
		mimeType,
		c.FormValue("password"),
		maxDownloads,
		expiresIn,
	)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleInfo handles GET /api/info/:code.
// Returns upload metadata without serving the blob.
func (h *Handler) HandleInfo(c echo.Context) error {
	info, err := h.uploads.GetInfo(c.Request().Context(), c.Param("code"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleRedeem handles POST /api/redeem/:code.
// Checks the password (form field or JSON) and issues a single-use
// download token.
func (h *Handler) HandleRedeem(c echo.Context) error {
	var body struct {
		Password string `json:"password"`
	}
	// Body is optional for unprotected uploads.
	_ = c.Bind(&body)

	result, err := h.uploads.Redeem(c.Request().Context(), c.Param("code"), body.Password)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// HandleDownload handles GET /d/:code?token=...
// Streams the blob for a previously redeemed download token.
func (h *Handler) HandleDownload(c echo.Context) error {
	rc, info, err := h.uploads.Retrieve(c.Request().Context(), c.Param("code"), c.QueryParam("token"))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename=%q`, info.OriginalName))
	return c.Stream(http.StatusOK, info.MimeType, rc)
}

// HandleCreateShare handles POST /api/share.
func (h *Handler) HandleCreateShare(c echo.Context) error {
	req := new(service.CreateShareRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "request body must be valid JSON",
		})
	}

	result, err := h.shares.CreateShare(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// HandleViewShare handles POST /s/:code.
// POST rather than GET so the optional password travels in the body and
// a burn-after-reading share is not consumed by link previews.
func (h *Handler) HandleViewShare(c echo.Context) error {
	var body struct {
		Password string `json:"password"`
	}
	_ = c.Bind(&body)

	view, err := h.shares.ViewShare(c.Request().Context(), c.Param("code"), body.Password)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// HandleCleanup handles POST /api/admin/cleanup.
// External scheduler entry point, gated by the operator enable flag and
// shared secret.
func (h *Handler) HandleCleanup(c echo.Context) error {
	if !h.cfg.CleanupEnabled {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "cleanup is disabled"})
	}
	secret := c.Request().Header.Get("X-Cleanup-Secret")
	if h.cfg.CleanupSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(h.cfg.CleanupSecret)) != 1 {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid cleanup secret"})
	}

	stats, err := h.cleaner.RunCleanup(c.Request().Context(), time.Now().UTC())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "cleanup failed"})
	}
	return c.JSON(http.StatusOK, stats)
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.uploads.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_uploads":      stats.TotalUploads,
		"active_uploads":     stats.ActiveUploads,
		"total_downloads":    stats.TotalDownloads,
		"total_shares":       stats.TotalShares,
		"active_shares":      stats.ActiveShares,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanizeBytes(stats.StorageUsed),
	})
}

// mapServiceError translates service-layer errors into HTTP responses.
// Internal details never leak to the requester.
func mapServiceError(c echo.Context, err error) error {
	if verr, ok := service.AsValidationError(err); ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": verr.Error()})
	}

	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "resource not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "resource has expired"})
	case errors.Is(err, service.ErrConsumed):
		return c.JSON(http.StatusGone, echo.Map{"error": "resource is no longer available"})
	case errors.Is(err, service.ErrPasswordRequired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "password_required"})
	case errors.Is(err, service.ErrInvalidPassword):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid password"})
	case errors.Is(err, service.ErrInvalidToken):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid or expired download token"})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, code.ErrCodeSpaceExhausted):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{
			"error": "could not allocate a code, try again later",
		})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
