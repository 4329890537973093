// Package password hashes and verifies optional access passwords.
//
// Two credential formats coexist. The modern format is scrypt with a
// random salt, encoded as "scrypt$<salt>$<key>" (base64 segments). The
// legacy format is a bare unsalted SHA-256 hex digest, retained only so
// previously stored passwords keep verifying; a successful legacy
// verification reports NeedsRehash with a fresh modern credential so
// the caller can upgrade storage on the spot.
package password

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt cost parameters. Frozen: changing any of them invalidates
// every stored credential, so a bump means a new scheme string and a
// phased rehash on next successful verification, never a hot swap.
const (
	scryptN = 16384
	scryptR = 8
	scryptP = 1

	saltLen = 16
	keyLen  = 32

	modernScheme = "scrypt"
	legacyHexLen = 64
)

// VerifyResult is the outcome of a credential check. NewHash is set
// only when NeedsRehash is true.
type VerifyResult struct {
	Verified    bool
	NeedsRehash bool
	NewHash     string
}

// credential is the parsed form of a stored credential string.
type credential struct {
	legacy bool
	salt   []byte // modern only
	key    []byte // modern derived key, or legacy digest bytes
}

// Hash derives a modern credential from plaintext.
func Hash(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := scrypt.Key([]byte(plaintext), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return "", fmt.Errorf("failed to derive key: %w", err)
	}

	return strings.Join([]string{
		modernScheme,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	}, "$"), nil
}

// Verify checks plaintext against a stored credential of either format.
// Malformed or empty credentials verify as false; Verify never panics
// on bad input.
func Verify(plaintext, stored string) VerifyResult {
	cred, ok := parse(stored)
	if !ok {
		return VerifyResult{}
	}

	if cred.legacy {
		digest := sha256.Sum256([]byte(plaintext))
		if !constantTimeEqual(digest[:], cred.key) {
			return VerifyResult{}
		}
		// Legacy match: hand back a modern credential for storage.
		newHash, err := Hash(plaintext)
		if err != nil {
			// Verified either way; the upgrade just doesn't happen now.
			return VerifyResult{Verified: true}
		}
		return VerifyResult{Verified: true, NeedsRehash: true, NewHash: newHash}
	}

	derived, err := scrypt.Key([]byte(plaintext), cred.salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return VerifyResult{}
	}
	return VerifyResult{Verified: constantTimeEqual(derived, cred.key)}
}

// parse classifies a stored credential into the modern or legacy form.
// Returns ok=false for anything malformed.
func parse(stored string) (credential, bool) {
	if stored == "" {
		return credential{}, false
	}

	if isLegacy(stored) {
		digest, err := hex.DecodeString(stored)
		if err != nil {
			return credential{}, false
		}
		return credential{legacy: true, key: digest}, true
	}

	fields := strings.Split(stored, "$")
	if len(fields) != 3 || fields[0] != modernScheme {
		return credential{}, false
	}

	salt, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return credential{}, false
	}
	key, err := base64.StdEncoding.DecodeString(fields[2])
	if err != nil {
		return credential{}, false
	}
	if len(key) != keyLen {
		return credential{}, false
	}

	return credential{salt: salt, key: key}, true
}

// isLegacy reports whether stored looks like a bare SHA-256 hex digest:
// exactly 64 hex characters, no separators.
func isLegacy(stored string) bool {
	if len(stored) != legacyHexLen {
		return false
	}
	for _, r := range stored {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// constantTimeEqual compares two byte slices without short-circuiting.
// A length mismatch fails immediately, before the constant-time pass.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
