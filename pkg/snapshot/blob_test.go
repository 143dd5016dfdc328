package snapshot

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Ramsey-B/fern/pkg/tokencache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeTokens struct{ invalidated int }

func (f *fakeTokens) Invalidate() { f.invalidated++ }

func TestBlobSource_InvalidateOnUnauthorized(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		noTokens    bool
		retry       bool
		invalidated int
	}{
		{name: "unauthorized", err: &azcore.ResponseError{StatusCode: http.StatusUnauthorized}, retry: true, invalidated: 1},
		{name: "forbidden", err: &azcore.ResponseError{StatusCode: http.StatusForbidden}},
		{name: "not a response error", err: errors.New("dial tcp: refused")},
		{name: "connection string source", err: &azcore.ResponseError{StatusCode: http.StatusUnauthorized}, noTokens: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &fakeTokens{}
			src := &BlobSource{container: "snapshots", tokens: tokens}
			if tt.noTokens {
				src.tokens = nil
			}

			assert.Equal(t, tt.retry, src.invalidateOnUnauthorized(tt.err))
			assert.Equal(t, tt.invalidated, tokens.invalidated)
		})
	}
}

func TestNewBlobSource_UsesCachingCredential(t *testing.T) {
	cred := tokencache.New(func(context.Context, []string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "t"}, nil
	}, noopLogger())

	src, err := NewBlobSource("https://acct.blob.core.windows.net", "snapshots", cred)

	require.NoError(t, err)
	assert.Same(t, cred, src.tokens)
}
