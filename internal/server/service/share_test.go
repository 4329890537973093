package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"
)

func newShareFixture(t *testing.T) (*ShareService, *memStore) {
	t.Helper()
	store := newMemStore()
	svc := NewShareService(store, testConfig())
	return svc, store
}

func mustShare(t *testing.T, svc *ShareService, req *CreateShareRequest) *ShareResult {
	t.Helper()
	res, err := svc.CreateShare(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected share error: %v", err)
	}
	return res
}

func TestCreateShareValidation(t *testing.T) {
	svc, _ := newShareFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   CreateShareRequest
		field string
	}{
		{"unknown type", CreateShareRequest{Type: "torrent", Content: "x"}, "type"},
		{"empty type", CreateShareRequest{Content: "x"}, "type"},
		{"empty content", CreateShareRequest{Type: "paste"}, "content"},
		{"oversized content", CreateShareRequest{Type: "paste", Content: strings.Repeat("x", 300)}, "content"},
		{"negative expiry", CreateShareRequest{Type: "note", Content: "x", ExpiresInHours: -1}, "expires_in_hours"},
		{"excessive expiry", CreateShareRequest{Type: "note", Content: "x", ExpiresInHours: 1000}, "expires_in_hours"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateShare(ctx, &tt.req)
			verr, ok := AsValidationError(err)
			if !ok {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}

	t.Run("all supported types accepted", func(t *testing.T) {
		for _, typ := range []string{"link", "paste", "image", "note", "code", "json", "csv"} {
			if _, err := svc.CreateShare(ctx, &CreateShareRequest{Type: typ, Content: "x"}); err != nil {
				t.Errorf("type %q rejected: %v", typ, err)
			}
		}
	})
}

func TestCreateShare(t *testing.T) {
	svc, store := newShareFixture(t)

	res := mustShare(t, svc, &CreateShareRequest{Type: "paste", Content: "hello"})
	if len(res.Code) != 8 {
		t.Errorf("expected 8 char code, got %q", res.Code)
	}
	for _, r := range res.Code {
		if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyz0123456789", r) {
			t.Errorf("share code %q outside lowercase alnum alphabet", res.Code)
		}
	}

	s, err := store.GetShare(context.Background(), res.Code)
	if err != nil {
		t.Fatalf("share not persisted: %v", err)
	}
	c, err := store.GetShareContent(context.Background(), s.ContentID)
	if err != nil {
		t.Fatalf("content not persisted: %v", err)
	}
	if string(c.Body) != "hello" {
		t.Errorf("wrong content: %q", c.Body)
	}
}

func TestViewShare(t *testing.T) {
	ctx := context.Background()

	t.Run("plain view counts", func(t *testing.T) {
		svc, store := newShareFixture(t)
		res := mustShare(t, svc, &CreateShareRequest{Type: "note", Content: "remember"})

		view, err := svc.ViewShare(ctx, res.Code, "")
		if err != nil {
			t.Fatalf("unexpected view error: %v", err)
		}
		if view.Content != "remember" || view.ViewCount != 1 || view.Burned {
			t.Errorf("unexpected view: %+v", view)
		}

		// Non-burn shares survive viewing.
		s, err := store.GetShare(ctx, res.Code)
		if err != nil {
			t.Fatalf("share gone after plain view: %v", err)
		}
		if s.ViewCount != 1 {
			t.Errorf("expected view_count 1, got %d", s.ViewCount)
		}
	})

	t.Run("burn after reading", func(t *testing.T) {
		svc, store := newShareFixture(t)
		res := mustShare(t, svc, &CreateShareRequest{Type: "paste", Content: "once", BurnAfterReading: true})

		view, err := svc.ViewShare(ctx, res.Code, "")
		if err != nil {
			t.Fatalf("unexpected view error: %v", err)
		}
		if view.Content != "once" || !view.Burned {
			t.Errorf("unexpected view: %+v", view)
		}

		// Content row removed before the share row.
		contentIdx, shareIdx := -1, -1
		for i, call := range store.calls {
			switch call {
			case "delete-content":
				contentIdx = i
			case "delete-share":
				shareIdx = i
			}
		}
		if contentIdx == -1 || shareIdx == -1 || contentIdx > shareIdx {
			t.Errorf("burn cascade order wrong: %v", store.calls)
		}

		if _, err := svc.ViewShare(ctx, res.Code, ""); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after burn, got %v", err)
		}
		if len(store.contents) != 0 {
			t.Error("content row orphaned after burn")
		}
	})

	t.Run("expired share is unreachable", func(t *testing.T) {
		svc, _ := newShareFixture(t)
		res := mustShare(t, svc, &CreateShareRequest{Type: "note", Content: "late"})

		svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
		if _, err := svc.ViewShare(ctx, res.Code, ""); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired, got %v", err)
		}
	})

	t.Run("burned flag blocks redemption", func(t *testing.T) {
		svc, store := newShareFixture(t)
		res := mustShare(t, svc, &CreateShareRequest{Type: "note", Content: "x"})
		store.shares[res.Code].Burned = true

		if _, err := svc.ViewShare(ctx, res.Code, ""); !errors.Is(err, ErrConsumed) {
			t.Fatalf("expected ErrConsumed, got %v", err)
		}
	})
}

func TestViewSharePassword(t *testing.T) {
	ctx := context.Background()

	t.Run("password checks", func(t *testing.T) {
		svc, _ := newShareFixture(t)
		res := mustShare(t, svc, &CreateShareRequest{Type: "paste", Content: "x", Password: "open sesame"})

		if _, err := svc.ViewShare(ctx, res.Code, ""); !errors.Is(err, ErrPasswordRequired) {
			t.Fatalf("expected ErrPasswordRequired, got %v", err)
		}
		if _, err := svc.ViewShare(ctx, res.Code, "nope"); !errors.Is(err, ErrInvalidPassword) {
			t.Fatalf("expected ErrInvalidPassword, got %v", err)
		}
		if _, err := svc.ViewShare(ctx, res.Code, "open sesame"); err != nil {
			t.Fatalf("correct password rejected: %v", err)
		}
	})

	t.Run("legacy credential upgraded", func(t *testing.T) {
		svc, store := newShareFixture(t)
		res := mustShare(t, svc, &CreateShareRequest{Type: "paste", Content: "x"})

		digest := sha256.Sum256([]byte("secret"))
		legacy := hex.EncodeToString(digest[:])
		store.shares[res.Code].PasswordHash = &legacy

		if _, err := svc.ViewShare(ctx, res.Code, "secret"); err != nil {
			t.Fatalf("legacy password rejected: %v", err)
		}

		s, _ := store.GetShare(ctx, res.Code)
		if s.PasswordHash == nil || !strings.HasPrefix(*s.PasswordHash, "scrypt$") {
			t.Error("stored credential was not upgraded")
		}
	})
}
