package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/interfaces/http/dto"
)

func newTestContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c, w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) dto.Response {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestBaseHandler_Success(t *testing.T) {
	c, w := newTestContext(t)
	h := &BaseHandler{}

	h.Success(c, gin.H{"balance": "10.5"})

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
}

func TestBaseHandler_Created(t *testing.T) {
	c, w := newTestContext(t)
	h := &BaseHandler{}

	h.Created(c, gin.H{"id": uuid.New().String()})

	assert.Equal(t, http.StatusCreated, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
}

func TestBaseHandler_BadRequest(t *testing.T) {
	c, w := newTestContext(t)
	h := &BaseHandler{}

	h.BadRequest(c, "tenant ID is required")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, dto.ErrCodeBadRequest, resp.Error.Code)
	assert.Equal(t, "tenant ID is required", resp.Error.Message)
}

func TestBaseHandler_ErrorCarriesRequestID(t *testing.T) {
	c, w := newTestContext(t)
	c.Set(RequestIDKey, "req-42")
	h := &BaseHandler{}

	h.NotFound(c, "no ledger entry for reference")

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "req-42", resp.Error.RequestID)
}

func TestBaseHandler_HandleError(t *testing.T) {
	t.Run("domain error maps to its status code", func(t *testing.T) {
		c, w := newTestContext(t)
		h := &BaseHandler{}

		h.HandleError(c, shared.NewDomainError("NOT_FOUND", "Ledger entry not found"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		resp := decodeResponse(t, w)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "Ledger entry not found", resp.Error.Message)
	})

	t.Run("unknown error becomes internal", func(t *testing.T) {
		c, w := newTestContext(t)
		h := &BaseHandler{}

		h.HandleError(c, assert.AnError)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decodeResponse(t, w)
		require.NotNil(t, resp.Error)
		assert.Equal(t, dto.ErrCodeInternal, resp.Error.Code)
	})

	t.Run("nil error writes nothing", func(t *testing.T) {
		c, w := newTestContext(t)
		h := &BaseHandler{}

		h.HandleError(c, nil)

		assert.Empty(t, w.Body.Bytes())
	})
}

func TestGetTenantID_HeaderFallback(t *testing.T) {
	c, _ := newTestContext(t)
	tenantID := uuid.New()
	c.Request.Header.Set("X-Tenant-ID", tenantID.String())

	got, err := getTenantID(c)
	require.NoError(t, err)
	assert.Equal(t, tenantID, got)
}

func TestGetTenantID_Missing(t *testing.T) {
	c, _ := newTestContext(t)

	_, err := getTenantID(c)
	assert.Error(t, err)
}
