package database

import "time"

// UnlimitedDownloads is the MaxDownloads sentinel for uploads with no
// download cap.
const UnlimitedDownloads = 0

// Upload is a stored file upload, keyed by its public code.
type Upload struct {
	Code          string
	StorageKey    string
	OriginalName  string
	Size          int64
	MimeType      string
	ExpiresAt     time.Time
	MaxDownloads  int // 0 = unlimited
	DownloadCount int
	PasswordHash  *string // nil when no password set
	Downloaded    bool
	CreatedAt     time.Time
}

// Exhausted reports whether the upload has consumed its download cap.
func (u *Upload) Exhausted() bool {
	return u.MaxDownloads != UnlimitedDownloads && u.DownloadCount >= u.MaxDownloads
}

// ShareType is the closed set of supported share payloads.
type ShareType string

const (
	ShareLink  ShareType = "link"
	SharePaste ShareType = "paste"
	ShareImage ShareType = "image"
	ShareNote  ShareType = "note"
	ShareCode  ShareType = "code"
	ShareJSON  ShareType = "json"
	ShareCSV   ShareType = "csv"
)

// ValidShareType reports whether t is one of the supported types.
func ValidShareType(t ShareType) bool {
	switch t {
	case ShareLink, SharePaste, ShareImage, ShareNote, ShareCode, ShareJSON, ShareCSV:
		return true
	}
	return false
}

// Share is a stored text/paste share, keyed by its public code. The
// payload lives in a separate ShareContent row referenced by ContentID;
// that row must outlive the share, so deletion always removes the
// content before the share.
type Share struct {
	Code             string
	Type             ShareType
	ContentID        string
	PasswordHash     *string
	BurnAfterReading bool
	ViewCount        int
	Burned           bool
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// ShareContent holds a share's payload bytes.
type ShareContent struct {
	ID        string
	Body      []byte
	CreatedAt time.Time
}

// DownloadToken authorizes a single blob retrieval after a successful
// password check, so the retrieval request does not carry the password.
type DownloadToken struct {
	Token      string
	UploadCode string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// UploadSession is a pre-commit upload reservation. Sessions that never
// complete are swept once their expiry passes.
type UploadSession struct {
	ID         string
	StorageKey string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalUploads   int64
	ActiveUploads  int64
	TotalDownloads int64
	TotalShares    int64
	ActiveShares   int64
	StorageUsed    int64
}
