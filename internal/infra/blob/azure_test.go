package blob

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/coursework-ingestor/internal/infra/storage"
)

type fakeBlobAPI struct {
	deleteErr   error
	uploadErr   error
	deleted     []string
	uploaded    map[string][]byte
	contentType string
}

func (f *fakeBlobAPI) DeleteBlob(_ context.Context, container, name string, _ *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error) {
	f.deleted = append(f.deleted, container+"/"+name)
	return azblob.DeleteBlobResponse{}, f.deleteErr
}

func (f *fakeBlobAPI) UploadBuffer(_ context.Context, container, name string, buf []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error) {
	if f.uploadErr != nil {
		return azblob.UploadBufferResponse{}, f.uploadErr
	}
	if f.uploaded == nil {
		f.uploaded = make(map[string][]byte)
	}
	f.uploaded[container+"/"+name] = buf
	if o != nil && o.HTTPHeaders != nil && o.HTTPHeaders.BlobContentType != nil {
		f.contentType = *o.HTTPHeaders.BlobContentType
	}
	return azblob.UploadBufferResponse{}, nil
}

func TestAzureTranscriptStoreUpload(t *testing.T) {
	t.Parallel()
	api := new(fakeBlobAPI)
	s := newAzureTranscriptStore(api, "transcripts", "https://acct.blob.core.windows.net/transcripts", storage.NoOpTracer())

	require.NoError(t, s.Delete(context.Background(), "transcripts/v1.json"))
	require.NoError(t, s.Upload(context.Background(), "transcripts/v1.json", []byte(`{}`), "application/json"))

	assert.Equal(t, []string{"transcripts/transcripts/v1.json"}, api.deleted)
	assert.Equal(t, []byte(`{}`), api.uploaded["transcripts/transcripts/v1.json"])
	assert.Equal(t, "application/json", api.contentType)
}

func TestAzureTranscriptStoreDeleteIgnoresMissingBlob(t *testing.T) {
	t.Parallel()
	notFound := &azcore.ResponseError{ErrorCode: string(bloberror.BlobNotFound), StatusCode: http.StatusNotFound}
	s := newAzureTranscriptStore(&fakeBlobAPI{deleteErr: notFound}, "c", "https://x", storage.NoOpTracer())
	assert.NoError(t, s.Delete(context.Background(), "missing.json"))

	denied := errors.New("authorization failure")
	s = newAzureTranscriptStore(&fakeBlobAPI{deleteErr: denied}, "c", "https://x", storage.NoOpTracer())
	assert.ErrorIs(t, s.Delete(context.Background(), "a.json"), denied)
}

func TestAzureTranscriptStoreUploadError(t *testing.T) {
	t.Parallel()
	boom := errors.New("throttled")
	s := newAzureTranscriptStore(&fakeBlobAPI{uploadErr: boom}, "c", "https://x", storage.NoOpTracer())
	assert.ErrorIs(t, s.Upload(context.Background(), "a.json", nil, "application/json"), boom)
}

func TestAzureTranscriptStorePublicURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		base, path, want string
	}{
		{"https://acct.blob.core.windows.net/transcripts", "transcripts/v1.json", "https://acct.blob.core.windows.net/transcripts/transcripts/v1.json"},
		{"https://cdn.example.com/t/", "/transcripts/v 2.json", "https://cdn.example.com/t/transcripts/v%202.json"},
	}
	for _, tt := range tests {
		s := newAzureTranscriptStore(new(fakeBlobAPI), "transcripts", tt.base, storage.NoOpTracer())
		assert.Equal(t, tt.want, s.PublicURL(tt.path))
	}
}
