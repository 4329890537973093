// Package code generates the short public identifiers handed to users.
// Codes are drawn uniformly from a fixed alphabet with crypto/rand so
// they cannot be predicted and enumerated beyond brute force over the
// codespace itself.
package code

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// Alphabets for the two code namespaces.
const (
	AlphabetNumeric    = "0123456789"
	AlphabetLowerAlnum = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// MaxReserveAttempts bounds the generate-and-check loop. Hitting it is
// a capacity signal: the codespace is too small for the live record
// count.
const MaxReserveAttempts = 10

// ErrCodeSpaceExhausted is returned when no unused code was found
// within MaxReserveAttempts.
var ErrCodeSpaceExhausted = errors.New("code space exhausted")

// ExistsFunc reports whether a code is already in use in a namespace.
// The store owns uniqueness; this is only the pre-insert check.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

// Generate produces a code of the given length drawn uniformly at
// random from alphabet.
func Generate(alphabet string, length int) (string, error) {
	if alphabet == "" || length <= 0 {
		return "", fmt.Errorf("invalid code parameters: alphabet %q, length %d", alphabet, length)
	}

	result := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = alphabet[n.Int64()]
	}
	return string(result), nil
}

// Reserve generates codes until exists reports one unused, or
// MaxReserveAttempts is exhausted, in which case it fails with
// ErrCodeSpaceExhausted and the caller must abort the creation.
func Reserve(ctx context.Context, alphabet string, length int, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < MaxReserveAttempts; attempt++ {
		candidate, err := Generate(alphabet, length)
		if err != nil {
			return "", err
		}

		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("code existence check failed: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}
