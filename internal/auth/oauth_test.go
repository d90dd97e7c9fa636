package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/vidrelay/vidrelay/internal/config"
	"github.com/vidrelay/vidrelay/internal/credstore"
	"github.com/vidrelay/vidrelay/internal/logging"
	"github.com/vidrelay/vidrelay/pkg/models"
)

type fakeCredStore struct {
	records  map[string]*models.CredentialRecord
	upserted []*models.CredentialRecord
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{records: make(map[string]*models.CredentialRecord)}
}

func (f *fakeCredStore) Upsert(ctx context.Context, rec *models.CredentialRecord) error {
	f.upserted = append(f.upserted, rec)
	f.records[rec.UserID] = rec
	return nil
}

func (f *fakeCredStore) FindByUserID(ctx context.Context, userID string) (*models.CredentialRecord, error) {
	rec, ok := f.records[userID]
	if !ok {
		return nil, credstore.ErrNotFound
	}
	return rec, nil
}

type memoryStateStore struct {
	states map[string]bool
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{states: make(map[string]bool)}
}

func (m *memoryStateStore) Save(ctx context.Context, state string) error {
	m.states[state] = true
	return nil
}

func (m *memoryStateStore) Consume(ctx context.Context, state string) (bool, error) {
	if !m.states[state] {
		return false, nil
	}
	delete(m.states, state)
	return true, nil
}

func newTestService(t *testing.T, creds CredentialStore, states StateStore) *Service {
	t.Helper()

	log, err := logging.NewDefaultLogger()
	require.NoError(t, err)

	return New(config.OAuthConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost:8080/auth/callback",
	}, creds, states, log)
}

func TestRedisStateStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := NewRedisStateStore(mr.Host(), mr.Server().Addr().Port, "", 0)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "state-1"))

	ok, err := store.Consume(ctx, "state-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Reuse must fail
	ok, err = store.Consume(ctx, "state-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Expiry must fail
	require.NoError(t, store.Save(ctx, "state-2"))
	mr.FastForward(stateTTL + time.Second)
	ok, err = store.Consume(ctx, "state-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoginURLBindsState(t *testing.T) {
	states := newMemoryStateStore()
	svc := newTestService(t, newFakeCredStore(), states)

	url, err := svc.LoginURL(context.Background())
	require.NoError(t, err)
	assert.Contains(t, url, "state=")
	assert.Contains(t, url, "access_type=offline")
	assert.Len(t, states.states, 1)
}

func TestCompleteLogin(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	userinfoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"google-uid-1","email":"user@example.com"}`))
	}))
	defer userinfoServer.Close()

	creds := newFakeCredStore()
	states := newMemoryStateStore()
	svc := newTestService(t, creds, states)
	svc.oauth.Endpoint = oauth2.Endpoint{TokenURL: tokenServer.URL + "/token"}
	svc.userinfoURL = userinfoServer.URL

	ctx := context.Background()
	require.NoError(t, states.Save(ctx, "state-ok"))

	rec, err := svc.CompleteLogin(ctx, "auth-code", "state-ok")
	require.NoError(t, err)
	assert.Equal(t, "google-uid-1", rec.UserID)
	assert.Equal(t, "user@example.com", rec.Email)
	assert.Equal(t, "at-1", rec.AccessToken)
	assert.Equal(t, "rt-1", rec.RefreshToken)
	require.Len(t, creds.upserted, 1)
}

func TestCompleteLoginRejectsUnknownState(t *testing.T) {
	tokenHit := false
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenHit = true
	}))
	defer tokenServer.Close()

	svc := newTestService(t, newFakeCredStore(), newMemoryStateStore())
	svc.oauth.Endpoint = oauth2.Endpoint{TokenURL: tokenServer.URL + "/token"}

	_, err := svc.CompleteLogin(context.Background(), "auth-code", "never-issued")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, tokenHit, "code must not be exchanged for an unbound state")
}

func TestResolveUnknownIdentity(t *testing.T) {
	svc := newTestService(t, newFakeCredStore(), newMemoryStateStore())

	_, err := svc.Resolve(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolveKnownIdentity(t *testing.T) {
	creds := newFakeCredStore()
	creds.records["google-uid-1"] = &models.CredentialRecord{
		UserID:       "google-uid-1",
		Email:        "user@example.com",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenExpiry:  time.Now().Add(time.Hour),
	}

	svc := newTestService(t, creds, newMemoryStateStore())

	client, err := svc.Resolve(context.Background(), "google-uid-1")
	require.NoError(t, err)
	assert.NotNil(t, client)
}
