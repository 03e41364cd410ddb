package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SAP/leanix-custom-report-tools/pkg/credentials"
	"github.com/SAP/leanix-custom-report-tools/pkg/transport"
)

const tokenPath = "/services/mtm/v1/oauth2/token"

var (
	// ErrUnauthorized is returned when the service rejects the API token.
	ErrUnauthorized = errors.New("invalid api token")
	// ErrRequest covers every other token exchange failure.
	ErrRequest = errors.New("access token request failed")
)

// RequestError describes a failed token exchange that was not an authorization rejection.
type RequestError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", ErrRequest, e.URL, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s: %s: status %d: %s", ErrRequest, e.URL, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s: %s: status %d", ErrRequest, e.URL, e.StatusCode)
	}
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRequest}
	}
	return []error{ErrRequest, e.Err}
}

// AccessToken is a short-lived bearer token issued by the workspace service.
type AccessToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	Scope       string    `json:"scope,omitempty"`
	ExpiresIn   int64     `json:"expires_in,omitempty"`
	ExpiresAt   time.Time `json:"-"`
}

// Client exchanges API tokens for access tokens. The zero value is usable.
type Client struct {
	// HTTPClient is used as-is when set; otherwise a client honouring the credentials'
	// proxy is built with Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration
	Now        func() time.Time
}

// AccessToken performs a single token exchange against the workspace host.
func (c *Client) AccessToken(ctx context.Context, creds credentials.Credentials) (AccessToken, error) {
	return c.exchange(ctx, creds.Host, creds.APIToken, creds.ProxyURL)
}

// StoreToken exchanges the store's own API token against the store host.
func (c *Client) StoreToken(ctx context.Context, store credentials.Store, proxyURL string) (AccessToken, error) {
	if store.APIToken == "" {
		return AccessToken{}, errors.New("store entry has no apitoken")
	}
	return c.exchange(ctx, StoreHost(store), store.APIToken, proxyURL)
}

// DefaultStoreHost is used when the store entry does not name a host.
const DefaultStoreHost = "store.leanix.net"

// StoreHost returns the store host, falling back to DefaultStoreHost.
func StoreHost(store credentials.Store) string {
	if store.Host != "" {
		return store.Host
	}
	return DefaultStoreHost
}

func (c *Client) exchange(ctx context.Context, host, apiToken, proxyURL string) (AccessToken, error) {
	if host == "" {
		return AccessToken{}, errors.New("host is required")
	}
	client, err := c.client(proxyURL)
	if err != nil {
		return AccessToken{}, err
	}

	endpoint := "https://" + host + tokenPath
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, &RequestError{URL: endpoint, Err: err}
	}
	req.SetBasicAuth("apitoken", apiToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return AccessToken{}, &RequestError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return AccessToken{}, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return AccessToken{}, &RequestError{URL: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var token AccessToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return AccessToken{}, &RequestError{URL: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if token.AccessToken == "" {
		return AccessToken{}, &RequestError{URL: endpoint, StatusCode: resp.StatusCode, Err: errors.New("response missing access_token")}
	}
	if token.ExpiresIn > 0 {
		now := time.Now
		if c.Now != nil {
			now = c.Now
		}
		token.ExpiresAt = now().Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	return token, nil
}

func (c *Client) client(proxyURL string) (*http.Client, error) {
	if c.HTTPClient != nil {
		return c.HTTPClient, nil
	}
	return transport.NewClient(transport.Options{ProxyURL: proxyURL, Timeout: c.Timeout})
}
