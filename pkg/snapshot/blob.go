package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// invalidator is implemented by credentials that cache tokens.
type invalidator interface {
	Invalidate()
}

// BlobSource reads snapshots from one Azure Blob Storage container.
type BlobSource struct {
	client    *azblob.Client
	container string
	tokens    invalidator
}

// NewBlobSourceFromConnectionString builds a source from a storage connection string.
func NewBlobSourceFromConnectionString(connectionString, container string) (*BlobSource, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure blob client: %w", err)
	}
	return &BlobSource{client: client, container: container}, nil
}

// NewBlobSource builds a source for a service URL authenticated by a token credential.
func NewBlobSource(serviceURL, container string, credential azcore.TokenCredential) (*BlobSource, error) {
	client, err := azblob.NewClient(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure blob client: %w", err)
	}
	source := &BlobSource{client: client, container: container}
	if tokens, ok := credential.(invalidator); ok {
		source.tokens = tokens
	}
	return source, nil
}

// Open downloads a snapshot. A 401 drops the cached tokens and the download is tried once more.
func (s *BlobSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil && s.invalidateOnUnauthorized(err) {
		resp, err = s.client.DownloadStream(ctx, s.container, name, nil)
	}
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("%s/%s: %w", s.container, name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download %s/%s: %w", s.container, name, err)
	}
	return decompress(name, resp.Body)
}

func (s *BlobSource) invalidateOnUnauthorized(err error) bool {
	if s.tokens == nil {
		return false
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusUnauthorized {
		return false
	}
	s.tokens.Invalidate()
	return true
}
