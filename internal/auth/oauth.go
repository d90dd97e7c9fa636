// Package auth wraps the Google OAuth2 flow for the relay: it issues consent
// URLs, completes the code exchange, persists per-user credentials, and
// resolves a stored identity into an authorized HTTP client. Token refresh is
// delegated to the oauth2 token source.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/vidrelay/vidrelay/internal/config"
	"github.com/vidrelay/vidrelay/internal/credstore"
	"github.com/vidrelay/vidrelay/internal/logging"
	"github.com/vidrelay/vidrelay/pkg/models"
)

const defaultUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// scopes is the fixed scope set every authorized client is bound to
var scopes = []string{
	"https://www.googleapis.com/auth/youtube.upload",
	"https://www.googleapis.com/auth/youtube.readonly",
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// ErrUnauthenticated is returned when no credential record exists for the
// requested identity.
var ErrUnauthenticated = errors.New("user not authenticated")

// ErrInvalidState is returned when the callback state token is unknown,
// expired, or already used.
var ErrInvalidState = errors.New("unknown or expired oauth state")

// CredentialStore is the slice of the credential store the resolver needs
type CredentialStore interface {
	Upsert(ctx context.Context, rec *models.CredentialRecord) error
	FindByUserID(ctx context.Context, userID string) (*models.CredentialRecord, error)
}

// Service implements the authorization flows
type Service struct {
	oauth  *oauth2.Config
	creds  CredentialStore
	states StateStore
	log    *logging.Logger

	userinfoURL string
}

// New creates the resolver bound to a fixed OAuth app configuration
func New(cfg config.OAuthConfig, creds CredentialStore, states StateStore, log *logging.Logger) *Service {
	return &Service{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		creds:       creds,
		states:      states,
		log:         log,
		userinfoURL: defaultUserinfoURL,
	}
}

// LoginURL generates an unguessable state token, binds it server-side, and
// returns the consent screen URL to redirect the user to.
func (s *Service) LoginURL(ctx context.Context) (string, error) {
	state := uuid.New().String()
	if err := s.states.Save(ctx, state); err != nil {
		return "", fmt.Errorf("failed to save oauth state: %w", err)
	}

	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// CompleteLogin exchanges an authorization code for a token set, retrieves
// the authenticated user's stable identity and email, and upserts the
// credential record. This is the only path that creates new records.
func (s *Service) CompleteLogin(ctx context.Context, code, state string) (*models.CredentialRecord, error) {
	ok, err := s.states.Consume(ctx, state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidState
	}

	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	info, err := s.fetchUserinfo(ctx, tok)
	if err != nil {
		return nil, err
	}

	rec := &models.CredentialRecord{
		UserID:       info.ID,
		Email:        info.Email,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenExpiry:  tok.Expiry,
	}

	if err := s.creds.Upsert(ctx, rec); err != nil {
		return nil, err
	}

	s.log.WithEmail(info.Email).Info("credential record upserted")
	return rec, nil
}

// Resolve builds a ready-to-use authorized client for the stored identity.
// The underlying token source refreshes the access token as needed.
func (s *Service) Resolve(ctx context.Context, userID string) (*http.Client, error) {
	rec, err := s.creds.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}

	tok := &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		Expiry:       rec.TokenExpiry,
	}

	return s.oauth.Client(ctx, tok), nil
}

type userinfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (s *Service) fetchUserinfo(ctx context.Context, tok *oauth2.Token) (*userinfo, error) {
	client := s.oauth.Client(ctx, tok)
	client.Timeout = 15 * time.Second

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userinfoURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch user info: status %d", resp.StatusCode)
	}

	var info userinfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	if info.ID == "" || info.Email == "" {
		return nil, errors.New("identity provider returned no usable identity")
	}

	return &info, nil
}
