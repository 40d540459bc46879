package fetch

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
)

var (
	errNotFound = stderrors.New("object not found")
	errTooLarge = stderrors.New("object exceeds size limit")
)

// Source reads one object addressed by URL, up to limit bytes.
// Implementations report a missing object by wrapping errNotFound and an
// oversized one by wrapping errTooLarge; anything else is a transport fault.
type Source interface {
	Get(ctx context.Context, u *url.URL, limit int64) ([]byte, error)
}

// readLimited reads r and fails with errTooLarge past limit bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", errTooLarge, limit)
	}
	return data, nil
}

type httpSource struct {
	client *http.Client
}

func (s httpSource) Get(ctx context.Context, u *url.URL, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", errNotFound, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: content length %d", errTooLarge, resp.ContentLength)
	}
	return readLimited(resp.Body, limit)
}

// s3Source reads s3://bucket/key locations.
type s3Source struct {
	client *minio.Client
}

func (s s3Source) Get(ctx context.Context, u *url.URL, limit int64) ([]byte, error) {
	if s.client == nil {
		return nil, stderrors.New("no S3 client configured")
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("%w: s3 location needs bucket and key", errNotFound)
	}

	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, s3Error(err)
	}
	if info.Size > limit {
		return nil, fmt.Errorf("%w: object size %d", errTooLarge, info.Size)
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s3Error(err)
	}
	defer obj.Close()

	data, err := readLimited(obj, limit)
	if err != nil {
		return nil, s3Error(err)
	}
	return data, nil
}

func s3Error(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %v", errNotFound, err)
	}
	return err
}

// fileSource reads file:// URLs and bare paths.
type fileSource struct{}

func (fileSource) Get(ctx context.Context, u *url.URL, limit int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.FromSlash(u.Path)
	if path == "" {
		path = u.Opaque
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", errNotFound, path)
	}
	if fi.Size() > limit {
		return nil, fmt.Errorf("%w: file size %d", errTooLarge, fi.Size())
	}
	return readLimited(f, limit)
}
