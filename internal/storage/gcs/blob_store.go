// Package gcs provides an artifact store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
	appstorage "github.com/JakeFAU/paper-harvester/internal/storage"
)

// checksumKey is the object metadata key carrying the sha256 digest.
const checksumKey = "sha256"

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore writes artifacts to a configured GCS bucket. Uploads use a
// DoesNotExist precondition so concurrent writers cannot clobber each other.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
	hasher harvest.Hasher
}

// New creates a GCS-backed store.
func New(client *storage.Client, cfg Config, hasher harvest.Hasher) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		hasher: hasher,
	}, nil
}

func (s *BlobStore) object(partition, filename string) (*storage.ObjectHandle, string) {
	key := appstorage.ObjectKey(s.prefix, partition, filename)
	return s.client.Bucket(s.bucket).Object(key), key
}

// Save uploads data unless a non-empty object already exists for the key.
func (s *BlobStore) Save(ctx context.Context, partition, filename string, data []byte) (harvest.ArtifactRecord, error) {
	if err := appstorage.ValidateKey(partition, filename); err != nil {
		return harvest.ArtifactRecord{}, err
	}
	if len(data) == 0 {
		return harvest.ArtifactRecord{}, appstorage.Wrap("save artifact", fmt.Errorf("empty artifact %s/%s", partition, filename))
	}
	if rec, ok, err := s.Stat(ctx, partition, filename); err != nil || ok {
		return rec, err
	}

	sum, err := s.hasher.Hash(data)
	if err != nil {
		return harvest.ArtifactRecord{}, appstorage.Wrap("hash artifact", err)
	}
	obj, key := s.object(partition, filename)
	writer := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/pdf"
	writer.Metadata = map[string]string{checksumKey: sum}
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return harvest.ArtifactRecord{}, appstorage.Wrap("write object", fmt.Errorf("%w (close writer: %v)", err, closeErr))
		}
		return harvest.ArtifactRecord{}, appstorage.Wrap("write object", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			// Another writer won the race; report what it stored.
			rec, ok, statErr := s.Stat(ctx, partition, filename)
			if statErr == nil && ok {
				return rec, nil
			}
		}
		return harvest.ArtifactRecord{}, appstorage.Wrap("close writer", err)
	}
	return harvest.ArtifactRecord{
		Partition: partition,
		Filename:  filename,
		Path:      fmt.Sprintf("gs://%s/%s", s.bucket, key),
		Size:      int64(len(data)),
		Checksum:  sum,
	}, nil
}

// Stat reads object attributes. Missing or empty objects report false.
func (s *BlobStore) Stat(ctx context.Context, partition, filename string) (harvest.ArtifactRecord, bool, error) {
	if err := appstorage.ValidateKey(partition, filename); err != nil {
		return harvest.ArtifactRecord{}, false, err
	}
	obj, key := s.object(partition, filename)
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return harvest.ArtifactRecord{}, false, nil
	}
	if err != nil {
		return harvest.ArtifactRecord{}, false, appstorage.Wrap("stat object", err)
	}
	if attrs.Size == 0 {
		return harvest.ArtifactRecord{}, false, nil
	}
	return harvest.ArtifactRecord{
		Partition: partition,
		Filename:  filename,
		Path:      fmt.Sprintf("gs://%s/%s", s.bucket, key),
		Size:      attrs.Size,
		Checksum:  attrs.Metadata[checksumKey],
	}, true, nil
}

// Load downloads an object.
func (s *BlobStore) Load(ctx context.Context, partition, filename string) ([]byte, error) {
	if err := appstorage.ValidateKey(partition, filename); err != nil {
		return nil, err
	}
	obj, _ := s.object(partition, filename)
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, appstorage.Wrap("open object", err)
	}
	defer func() {
		_ = r.Close()
	}()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, appstorage.Wrap("read object", err)
	}
	return data, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
