package blobs

import (
	"context"
	"fmt"
	"io"

	"github.com/datatrails/go-datatrails-common/azblob"
	"github.com/datatrails/go-datatrails-common/logger"
)

// nodeBlobStorer is the subset of the azblob storer consumed by AzureStore.
type nodeBlobStorer interface {
	Reader(
		ctx context.Context,
		identity string,
		opts ...azblob.Option,
	) (*azblob.ReaderResponse, error)

	Put(
		ctx context.Context,
		identity string,
		source io.ReadSeekCloser,
		opts ...azblob.Option,
	) (*azblob.WriteResponse, error)
}

type AzureStoreConfig struct {
	// PathPrefix is prepended to the hex content address to form the blob
	// path, eg "v1/nodes/". It may be empty.
	PathPrefix string
}

// AzureStore adapts an azure blob container to the content-addressed Store
// contract. Writes use an etag none-match condition so that re-putting bytes
// which already exist is a no-op rather than an overwrite.
type AzureStore struct {
	cfg   AzureStoreConfig
	log   logger.Logger
	store nodeBlobStorer
}

func NewAzureStore(cfg AzureStoreConfig, log logger.Logger, store nodeBlobStorer) *AzureStore {
	return &AzureStore{cfg: cfg, log: log, store: store}
}

// BlobPath returns the storage path used for id.
func (s *AzureStore) BlobPath(id ID) string {
	return s.cfg.PathPrefix + id.String()
}

func (s *AzureStore) Get(ctx context.Context, id ID) ([]byte, error) {
	blobPath := s.BlobPath(id)
	rr, err := s.store.Reader(ctx, blobPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", blobPath, wrapBlobNotFound(err))
	}
	data, err := io.ReadAll(rr.Reader)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", blobPath, err)
	}
	// The address is the hash of the content, so a mismatch is always a
	// storage consistency failure rather than a transport error.
	if NewID(data) != id {
		return nil, fmt.Errorf("%s: %w", blobPath, ErrIDMismatch)
	}
	return data, nil
}

func (s *AzureStore) Put(ctx context.Context, data []byte) (ID, error) {
	id := NewID(data)
	blobPath := s.BlobPath(id)

	_, err := s.store.Put(
		ctx, blobPath, azblob.NewBytesReaderCloser(data), azblob.WithEtagNoneMatch("*"))
	if err != nil {
		// Content addressed: a blob that already exists holds the same
		// bytes, so losing the none-match race is success.
		if isBlobAlreadyExists(err) {
			s.log.Debugf("put %s: already exists", blobPath)
			return id, nil
		}
		return ID{}, fmt.Errorf("putting %s: %w", blobPath, err)
	}
	return id, nil
}
