package bitbucket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const defaultTokenURL = "https://bitbucket.org/site/oauth2/access_token"

// OAuthConfig carries the consumer credentials for the Bitbucket OAuth app.
// Missing credentials are a deployment error and fail fast at construction.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // optional override, used by tests
}

// OAuthClient talks to the Bitbucket token endpoint for the
// authorization-code and refresh-token grants.
type OAuthClient struct {
	clientID     string
	clientSecret string
	tokenURL     string
	http         *http.Client
}

// NewOAuthClient validates the consumer credentials and builds the client.
func NewOAuthClient(cfg OAuthConfig) (*OAuthClient, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("bitbucket oauth: client id and secret are required")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &OAuthClient{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     tokenURL,
		http:         &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// ExchangeCode trades an authorization code for a token pair.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	return c.requestToken(ctx, form)
}

// RefreshToken trades a refresh token for a new token pair. Bitbucket may
// rotate the refresh token; callers must persist the returned value.
func (c *OAuthClient) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.requestToken(ctx, form)
}

func (c *OAuthClient) requestToken(ctx context.Context, form url.Values) (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newRemoteError("token grant", resp.StatusCode, body)
	}

	var v struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if v.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}

	tok := &oauth2.Token{
		AccessToken:  v.AccessToken,
		RefreshToken: v.RefreshToken,
		TokenType:    v.TokenType,
	}
	if v.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(v.ExpiresIn) * time.Second)
	}
	return tok, nil
}
