package tokencache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCredential(fetch Fetcher, clk *clock) *Credential {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return New(fetch, logger, WithClock(clk.Now), WithSkew(time.Minute))
}

func TestGetToken_CachesUntilSkew(t *testing.T) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var calls int32
	cred := newTestCredential(func(_ context.Context, _ []string) (*oauth2.Token, error) {
		n := atomic.AddInt32(&calls, 1)
		return &oauth2.Token{AccessToken: "token-" + string(rune('0'+n)), Expiry: clk.Now().Add(10 * time.Minute)}, nil
	}, clk)
	opts := policy.TokenRequestOptions{Scopes: []string{"https://storage.azure.com/.default"}}

	first, err := cred.GetToken(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "token-1", first.Token)

	clk.Advance(8 * time.Minute)
	second, err := cred.GetToken(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "token-1", second.Token)

	clk.Advance(90 * time.Second)
	third, err := cred.GetToken(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "token-2", third.Token)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetToken_ScopesAreIndependent(t *testing.T) {
	clk := &clock{now: time.Now()}
	var calls int32
	cred := newTestCredential(func(_ context.Context, scopes []string) (*oauth2.Token, error) {
		atomic.AddInt32(&calls, 1)
		return &oauth2.Token{AccessToken: scopes[0], Expiry: clk.Now().Add(time.Hour)}, nil
	}, clk)

	a, err := cred.GetToken(context.Background(), policy.TokenRequestOptions{Scopes: []string{"a", "b"}})
	require.NoError(t, err)
	_, err = cred.GetToken(context.Background(), policy.TokenRequestOptions{Scopes: []string{"b", "a"}})
	require.NoError(t, err)
	c, err := cred.GetToken(context.Background(), policy.TokenRequestOptions{Scopes: []string{"c"}})
	require.NoError(t, err)

	assert.Equal(t, "a", a.Token)
	assert.Equal(t, "c", c.Token)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetToken_ConcurrentCallersShareFetch(t *testing.T) {
	clk := &clock{now: time.Now()}
	var calls int32
	cred := newTestCredential(func(context.Context, []string) (*oauth2.Token, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		return &oauth2.Token{AccessToken: "shared", Expiry: clk.Now().Add(time.Hour)}, nil
	}, clk)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := cred.GetToken(context.Background(), policy.TokenRequestOptions{Scopes: []string{"s"}})
			assert.NoError(t, err)
			assert.Equal(t, "shared", tok.Token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetToken_Errors(t *testing.T) {
	clk := &clock{now: time.Now()}
	cred := newTestCredential(func(context.Context, []string) (*oauth2.Token, error) {
		return nil, errors.New("invalid_client")
	}, clk)

	_, err := cred.GetToken(context.Background(), policy.TokenRequestOptions{})
	assert.ErrorIs(t, err, ErrNoScopes)

	_, err = cred.GetToken(context.Background(), policy.TokenRequestOptions{Scopes: []string{"s"}})
	assert.ErrorContains(t, err, "invalid_client")
}
