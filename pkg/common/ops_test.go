package common

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
)

func TestOpsServerRoutes(t *testing.T) {
	t.Parallel()
	s := NewOpsServer(":0", logger.Noop())
	h := s.Routes()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)

	s.SetReady(true)
	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	metrics := get("/metrics")
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "go_goroutines")

	s.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
}
