// Package blob stores transcript artifacts in Azure Blob Storage.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azblobblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/coursework-ingestor/internal/domain/jobresult"
	"github.com/ahrav/coursework-ingestor/internal/infra/storage"
)

// Config holds the blob storage settings.
type Config struct {
	ConnectionString string
	Container        string
	// PublicBaseURL replaces the account URL in public links, e.g. a CDN
	// origin. It should include everything up to and excluding the blob path.
	PublicBaseURL string
}

// blobAPI is the subset of *azblob.Client the store uses.
type blobAPI interface {
	DeleteBlob(ctx context.Context, containerName, blobName string, o *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error)
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

var _ jobresult.TranscriptStore = (*AzureTranscriptStore)(nil)

// AzureTranscriptStore implements jobresult.TranscriptStore.
type AzureTranscriptStore struct {
	api       blobAPI
	container string
	baseURL   string
	tracer    trace.Tracer
}

// NewAzureTranscriptStore creates a store from a storage account connection
// string.
func NewAzureTranscriptStore(cfg Config, tracer trace.Tracer) (*AzureTranscriptStore, error) {
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}

	base := cfg.PublicBaseURL
	if base == "" {
		if base, err = url.JoinPath(client.URL(), cfg.Container); err != nil {
			return nil, fmt.Errorf("building public url: %w", err)
		}
	}
	return newAzureTranscriptStore(client, cfg.Container, base, tracer), nil
}

func newAzureTranscriptStore(api blobAPI, container, baseURL string, tracer trace.Tracer) *AzureTranscriptStore {
	return &AzureTranscriptStore{
		api:       api,
		container: container,
		baseURL:   strings.TrimRight(baseURL, "/"),
		tracer:    tracer,
	}
}

func (s *AzureTranscriptStore) attrs(path string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("blob.container", s.container),
		attribute.String("blob.path", path),
	}
}

// Delete removes the blob at path. A missing blob is not an error.
func (s *AzureTranscriptStore) Delete(ctx context.Context, path string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "blob.delete", s.attrs(path), func(ctx context.Context) error {
		_, err := s.api.DeleteBlob(ctx, s.container, path, nil)
		if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
			return fmt.Errorf("delete blob %s: %w", path, err)
		}
		return nil
	})
}

// Upload writes data to path, replacing any existing blob.
func (s *AzureTranscriptStore) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "blob.upload", s.attrs(path), func(ctx context.Context) error {
		_, err := s.api.UploadBuffer(ctx, s.container, path, data, &azblob.UploadBufferOptions{
			HTTPHeaders: &azblobblob.HTTPHeaders{BlobContentType: &contentType},
		})
		if err != nil {
			return fmt.Errorf("upload blob %s: %w", path, err)
		}
		return nil
	})
}

// PublicURL returns the link clients use to fetch the blob at path.
func (s *AzureTranscriptStore) PublicURL(path string) string {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/" + strings.Join(segments, "/")
}
