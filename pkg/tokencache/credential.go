// Package tokencache provides a constructed-once, concurrency safe OAuth2 token cache
// usable as an Azure SDK credential.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Gobusters/ectologger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultSkew refreshes tokens this long before they expire.
	DefaultSkew = 5 * time.Minute
	// DefaultLifetime is assumed for tokens that carry no expiry.
	DefaultLifetime = time.Hour
)

// ErrNoScopes is returned when a token is requested without scopes.
var ErrNoScopes = errors.New("at least one scope is required")

// Fetcher obtains a new token for a set of scopes.
type Fetcher func(ctx context.Context, scopes []string) (*oauth2.Token, error)

// ClientCredentials returns a Fetcher using the OAuth2 client credentials grant.
func ClientCredentials(clientID, clientSecret, tokenURL string) Fetcher {
	return func(ctx context.Context, scopes []string) (*oauth2.Token, error) {
		cfg := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		return cfg.Token(ctx)
	}
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

func (t cachedToken) isExpired(now time.Time, skew time.Duration) bool {
	return !now.Before(t.expiresAt.Add(-skew))
}

// Credential caches one token per scope set and refreshes it before expiry.
type Credential struct {
	fetch  Fetcher
	skew   time.Duration
	now    func() time.Time
	logger ectologger.Logger

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type Option func(*Credential)

func WithSkew(skew time.Duration) Option {
	return func(c *Credential) { c.skew = skew }
}

func WithClock(now func() time.Time) Option {
	return func(c *Credential) { c.now = now }
}

func New(fetch Fetcher, logger ectologger.Logger, opts ...Option) *Credential {
	c := &Credential{
		fetch:  fetch,
		skew:   DefaultSkew,
		now:    time.Now,
		logger: logger,
		tokens: map[string]cachedToken{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ azcore.TokenCredential = (*Credential)(nil)

// GetToken returns a cached token for the requested scopes, fetching a new one when the
// cached token is missing or within the refresh skew of its expiry. Concurrent callers
// for the same scopes share one fetch.
func (c *Credential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	if len(options.Scopes) == 0 {
		return azcore.AccessToken{}, ErrNoScopes
	}
	key := scopeKey(options.Scopes)

	c.mu.Lock()
	defer c.mu.Unlock()

	if tok, ok := c.tokens[key]; ok && !tok.isExpired(c.now(), c.skew) {
		return azcore.AccessToken{Token: tok.token, ExpiresOn: tok.expiresAt}, nil
	}

	fetched, err := c.fetch(ctx, options.Scopes)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("scopes", key).Error("failed to fetch access token")
		return azcore.AccessToken{}, fmt.Errorf("failed to fetch access token: %w", err)
	}

	expiresAt := fetched.Expiry
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(DefaultLifetime)
	}
	tok := cachedToken{token: fetched.AccessToken, expiresAt: expiresAt}
	c.tokens[key] = tok

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"scopes":     key,
		"expires_at": expiresAt,
	}).Debug("access token refreshed")
	return azcore.AccessToken{Token: tok.token, ExpiresOn: tok.expiresAt}, nil
}

// Invalidate drops every cached token.
func (c *Credential) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = map[string]cachedToken{}
}

func scopeKey(scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}
