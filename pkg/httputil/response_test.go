package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteJSON(w, http.StatusOK, map[string]string{"message": "success"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteErrorCode(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorCode(w, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE", "insufficient token balance")

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "INSUFFICIENT_BALANCE", body.Code)
	assert.Equal(t, "insufficient token balance", body.Error)
	assert.Nil(t, body.Details)
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		code   string
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "bad") }, http.StatusBadRequest, CodeBadRequest},
		{"not found", func(w http.ResponseWriter) { WriteNotFound(w, "missing") }, http.StatusNotFound, CodeNotFound},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "nope") }, http.StatusUnauthorized, CodeUnauthorized},
		{"conflict", func(w http.ResponseWriter) { WriteConflict(w, "again") }, http.StatusConflict, CodeConflict},
		{"internal", func(w http.ResponseWriter) { WriteInternalError(w) }, http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Code)
		})
	}
}

func TestWriteInternalError_HidesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalError(w)
	assert.Equal(t, "internal server error", decodeError(t, w).Error)
}

func TestWriteDetailedError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteDetailedError(w, http.StatusBadRequest, CodeValidation, "request validation failed", map[string]string{"units": "gt=0"})

	body := decodeError(t, w)
	assert.Equal(t, CodeValidation, body.Code)
	assert.Equal(t, "gt=0", body.Details["units"])
}

func TestWriteSuccessVariants(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]int{"id": 1}))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	require.NoError(t, WriteAccepted(w, map[string]string{"status": "started"}))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	require.NoError(t, WriteSuccess(w, []int{1, 2}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[1,2]`, w.Body.String())
}
