package cache

import (
	"context"
	"errors"

	"censocore/internal/blob"
)

// Blob stores each entry as an object under prefix, so a shared bucket can
// serve several processes.
type Blob struct {
	store  blob.Store
	prefix string
}

// NewBlob wraps store. prefix defaults to "cache/".
func NewBlob(store blob.Store, prefix string) *Blob {
	if prefix == "" {
		prefix = "cache/"
	}
	return &Blob{store: store, prefix: prefix}
}

func (b *Blob) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := blob.ReadAll(ctx, b.store, b.prefix+key+".json")
	if errors.Is(err, blob.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (b *Blob) Put(ctx context.Context, key string, value []byte) error {
	_, err := blob.PutBytes(ctx, b.store, b.prefix+key+".json", value, "application/json")
	return err
}
