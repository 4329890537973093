package code

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	t.Run("numeric codes stay in alphabet", func(t *testing.T) {
		for i := 0; i < 1000; i++ {
			c, err := Generate(AlphabetNumeric, 6)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(c) != 6 {
				t.Fatalf("expected length 6, got %d (%q)", len(c), c)
			}
			for _, r := range c {
				if !strings.ContainsRune(AlphabetNumeric, r) {
					t.Fatalf("code %q contains character outside alphabet: %c", c, r)
				}
			}
		}
	})

	t.Run("lower alnum codes stay in alphabet", func(t *testing.T) {
		for i := 0; i < 1000; i++ {
			c, err := Generate(AlphabetLowerAlnum, 8)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(c) != 8 {
				t.Fatalf("expected length 8, got %d (%q)", len(c), c)
			}
			for _, r := range c {
				if !strings.ContainsRune(AlphabetLowerAlnum, r) {
					t.Fatalf("code %q contains character outside alphabet: %c", c, r)
				}
			}
		}
	})

	t.Run("invalid parameters", func(t *testing.T) {
		if _, err := Generate("", 6); err == nil {
			t.Error("expected error for empty alphabet")
		}
		if _, err := Generate(AlphabetNumeric, 0); err == nil {
			t.Error("expected error for zero length")
		}
	})
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("returns first unused code", func(t *testing.T) {
		calls := 0
		exists := func(ctx context.Context, c string) (bool, error) {
			calls++
			return false, nil
		}

		c, err := Reserve(ctx, AlphabetNumeric, 6, exists)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(c) != 6 {
			t.Errorf("expected length 6, got %d", len(c))
		}
		if calls != 1 {
			t.Errorf("expected 1 existence check, got %d", calls)
		}
	})

	t.Run("exhausts at exactly ten attempts", func(t *testing.T) {
		calls := 0
		exists := func(ctx context.Context, c string) (bool, error) {
			calls++
			return true, nil
		}

		_, err := Reserve(ctx, AlphabetNumeric, 6, exists)
		if !errors.Is(err, ErrCodeSpaceExhausted) {
			t.Fatalf("expected ErrCodeSpaceExhausted, got %v", err)
		}
		if calls != 10 {
			t.Errorf("expected exactly 10 attempts, got %d", calls)
		}
	})

	t.Run("retries past taken codes", func(t *testing.T) {
		calls := 0
		exists := func(ctx context.Context, c string) (bool, error) {
			calls++
			return calls < 3, nil
		}

		if _, err := Reserve(ctx, AlphabetLowerAlnum, 8, exists); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 attempts, got %d", calls)
		}
	})

	t.Run("propagates existence check failure", func(t *testing.T) {
		wantErr := errors.New("store down")
		exists := func(ctx context.Context, c string) (bool, error) {
			return false, wantErr
		}

		_, err := Reserve(ctx, AlphabetNumeric, 6, exists)
		if !errors.Is(err, wantErr) {
			t.Fatalf("expected wrapped store error, got %v", err)
		}
	})
}
