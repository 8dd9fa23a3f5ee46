package kv

import (
	"context"
	"fmt"
	"io"
	"time"

	azStorageBlob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/datatrails/go-datatrails-common/azblob"
	"go.uber.org/zap"

	"github.com/bartke/frost-rendezvous/arid"
)

const (
	azblobBlobNotFound      = "BlobNotFound"
	azblobBlobAlreadyExists = "BlobAlreadyExists"
)

// blobStore is the slice of the azblob wrapper surface this adapter needs.
// Both the production storer and the azurite dev storer satisfy it.
type blobStore interface {
	Put(ctx context.Context, identity string, source io.ReadSeekCloser, opts ...azblob.Option) (*azblob.WriteResponse, error)
	Reader(ctx context.Context, identity string, opts ...azblob.Option) (*azblob.ReaderResponse, error)
}

// BlobStore maps slots onto blobs under a common prefix in a container.
// The single-write guarantee is the etag none-match condition on create.
type BlobStore struct {
	store  blobStore
	prefix string
	poll   time.Duration
	log    *zap.Logger
}

// NewBlobStore wraps an azblob storer. prefix namespaces the slots within
// the container, e.g. "rendezvous/v1/".
func NewBlobStore(store blobStore, prefix string, log *zap.Logger) *BlobStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &BlobStore{store: store, prefix: prefix, poll: DefaultPollInterval, log: log}
}

func (b *BlobStore) path(id arid.ARID) string {
	return b.prefix + id.String()
}

func (b *BlobStore) Put(ctx context.Context, id arid.ARID, data []byte) error {
	// 'fail without modifying if the blob exists' is spelled as requiring
	// that no existing etag matches.
	_, err := b.store.Put(ctx, b.path(id), azblob.NewBytesReaderCloser(data),
		azblob.WithEtagNoneMatch("*"))
	if err != nil {
		if isStorageErrorCode(err, azblobBlobAlreadyExists) {
			return ErrSlotWritten
		}
		return fmt.Errorf("kv: put %s: %w", id.Short(), err)
	}
	b.log.Debug("slot written", zap.String("arid", id.Short()), zap.Int("bytes", len(data)))
	return nil
}

func (b *BlobStore) Get(ctx context.Context, id arid.ARID) ([]byte, bool, error) {
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		rr, err := b.store.Reader(ctx, b.path(id))
		if err == nil {
			data, err := io.ReadAll(rr.Reader)
			if err != nil {
				return nil, false, fmt.Errorf("kv: get %s: %w", id.Short(), err)
			}
			return data, true, nil
		}
		if !isStorageErrorCode(err, azblobBlobNotFound) {
			return nil, false, fmt.Errorf("kv: get %s: %w", id.Short(), err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if deadline, derr := expired(ctx); deadline {
				return nil, false, nil
			} else {
				return nil, false, derr
			}
		}
	}
}

// isStorageErrorCode unwraps the azure sdk error chain and compares the
// service error code.
func isStorageErrorCode(err error, code string) bool {
	if err == nil {
		return false
	}
	ierr, ok := err.(*azStorageBlob.InternalError)
	if ierr == nil || !ok {
		return false
	}
	serr := &azStorageBlob.StorageError{}
	if !ierr.As(&serr) {
		return false
	}
	return string(serr.ErrorCode) == code
}
