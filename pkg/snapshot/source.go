package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrNotFound is returned when a named snapshot does not exist.
var ErrNotFound = errors.New("snapshot not found")

// Source opens snapshots by caller supplied name.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// FileSource reads snapshots from a local directory.
type FileSource struct {
	Root string
}

func NewFileSource(root string) *FileSource {
	return &FileSource{Root: root}
}

func (s *FileSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	clean := filepath.Clean("/" + name)
	path := filepath.Join(s.Root, clean)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	return decompress(name, f)
}

// decompress wraps gzip compressed snapshots (".gz" suffix) in a gzip reader.
func decompress(name string, rc io.ReadCloser) (io.ReadCloser, error) {
	if !strings.HasSuffix(name, ".gz") {
		return rc, nil
	}
	zr, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to open gzip snapshot %s: %w", name, err)
	}
	return &gzipReadCloser{Reader: zr, underlying: rc}, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	underlying io.Closer
}

func (g *gzipReadCloser) Close() error {
	return errors.Join(g.Reader.Close(), g.underlying.Close())
}
