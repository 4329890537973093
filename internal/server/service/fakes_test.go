package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"codedrop/internal/server/database"
)

// memStore is an in-memory stand-in for the repository, shared by the
// upload and share service tests.
type memStore struct {
	mu       sync.Mutex
	uploads  map[string]*database.Upload
	shares   map[string]*database.Share
	contents map[string]*database.ShareContent
	tokens   map[string]*database.DownloadToken
	sessions map[string]*database.UploadSession

	calls         []string
	createErr     error
	createErrLeft int // number of CreateUpload/CreateShare calls that fail
}

func newMemStore() *memStore {
	return &memStore{
		uploads:  make(map[string]*database.Upload),
		shares:   make(map[string]*database.Share),
		contents: make(map[string]*database.ShareContent),
		tokens:   make(map[string]*database.DownloadToken),
		sessions: make(map[string]*database.UploadSession),
	}
}

func (m *memStore) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *memStore) CreateUpload(ctx context.Context, u *database.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create-upload")
	if m.createErrLeft > 0 {
		m.createErrLeft--
		return m.createErr
	}
	if _, ok := m.uploads[u.Code]; ok {
		return database.ErrCodeTaken
	}
	cp := *u
	m.uploads[u.Code] = &cp
	return nil
}

func (m *memStore) GetUpload(ctx context.Context, code string) (*database.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[code]
	if !ok {
		return nil, database.ErrUploadNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) UploadCodeExists(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.uploads[code]
	return ok, nil
}

func (m *memStore) RecordDownload(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[code]
	if !ok {
		return database.ErrUploadNotFound
	}
	u.DownloadCount++
	u.Downloaded = true
	return nil
}

func (m *memStore) UpdateUploadPassword(ctx context.Context, code, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[code]
	if !ok {
		return database.ErrUploadNotFound
	}
	u.PasswordHash = &hash
	return nil
}

func (m *memStore) CreateDownloadToken(ctx context.Context, t *database.DownloadToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.Token] = &cp
	return nil
}

func (m *memStore) ConsumeDownloadToken(ctx context.Context, token, uploadCode string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.UploadCode != uploadCode || now.After(t.ExpiresAt) {
		return database.ErrTokenNotFound
	}
	delete(m.tokens, token)
	return nil
}

func (m *memStore) CreateUploadSession(ctx context.Context, s *database.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memStore) DeleteUploadSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memStore) GetStats(ctx context.Context) (*database.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &database.Stats{
		TotalUploads: int64(len(m.uploads)),
		TotalShares:  int64(len(m.shares)),
	}, nil
}

func (m *memStore) CreateShare(ctx context.Context, s *database.Share, content *database.ShareContent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create-share")
	if m.createErrLeft > 0 {
		m.createErrLeft--
		return m.createErr
	}
	if _, ok := m.shares[s.Code]; ok {
		return database.ErrCodeTaken
	}
	sc := *s
	cc := *content
	m.shares[s.Code] = &sc
	m.contents[content.ID] = &cc
	return nil
}

func (m *memStore) GetShare(ctx context.Context, code string) (*database.Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[code]
	if !ok {
		return nil, database.ErrShareNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetShareContent(ctx context.Context, id string) (*database.ShareContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[id]
	if !ok {
		return nil, database.ErrContentNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ShareCodeExists(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.shares[code]
	return ok, nil
}

func (m *memStore) RecordView(ctx context.Context, code string, burn bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[code]
	if !ok {
		return database.ErrShareNotFound
	}
	s.ViewCount++
	s.Burned = s.Burned || burn
	return nil
}

func (m *memStore) UpdateSharePassword(ctx context.Context, code, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[code]
	if !ok {
		return database.ErrShareNotFound
	}
	s.PasswordHash = &hash
	return nil
}

func (m *memStore) DeleteShareCascade(ctx context.Context, code, contentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete-content")
	delete(m.contents, contentID)
	m.record("delete-share")
	delete(m.shares, code)
	return nil
}

// memBlobs is an in-memory blob store satisfying storage.Store.
type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string][]byte)}
}

func (m *memBlobs) EnsureDir() error { return nil }

func (m *memBlobs) Save(key string, data io.Reader) (int64, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = b
	return int64(len(b)), nil
}

func (m *memBlobs) Open(key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob not found for key %s", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Delete(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return true, nil
}

func (m *memBlobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
