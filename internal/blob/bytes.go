package blob

import (
	"bytes"
	"context"
	"io"
)

// ReadAll fetches the whole object at key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	_, rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// PutBytes stores b at key, replacing any existing object.
func PutBytes(ctx context.Context, s Store, key string, b []byte, contentType string) (Info, error) {
	return s.Put(ctx, key, bytes.NewReader(b), PutOptions{ContentType: contentType})
}
