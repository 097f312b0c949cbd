package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type debitBody struct {
	Units            int64  `json:"units" validate:"gt=0"`
	SurchargePercent int64  `json:"surchargePercent" validate:"gte=0,lte=1000"`
	Reason           string `json:"reason,omitempty" validate:"omitempty,max=8"`
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{name: "valid JSON", body: `{"units": 3}`},
		{name: "invalid JSON", body: `{invalid}`, expectError: true},
		{name: "empty body", body: ``, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dest debitBody
			err := ParseJSON(req, &dest)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, int64(3), dest.Units)
			}
		})
	}
}

func TestParseAndValidate(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"units": 0, "surchargePercent": 2000}`))
	var dest debitBody

	err := ParseAndValidate(req, &dest)
	require.Error(t, err)

	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, "gt=0", verr.Fields["units"])
	assert.Equal(t, "lte=1000", verr.Fields["surchargePercent"])
	assert.Contains(t, verr.Error(), "validation failed")
}

func TestParseAndValidateOrError(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"units": 2}`))
		var dest debitBody
		assert.True(t, ParseAndValidateOrError(w, req, &dest))
		assert.Equal(t, int64(2), dest.Units)
	})

	t.Run("invalid field", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"units": 1, "reason": "far too long"}`))
		var dest debitBody
		assert.False(t, ParseAndValidateOrError(w, req, &dest))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, CodeValidation, body.Code)
		assert.Equal(t, "max=8", body.Details["reason"])
	})

	t.Run("malformed", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`nope`))
		var dest debitBody
		assert.False(t, ParseAndValidateOrError(w, req, &dest))
		assert.Equal(t, CodeBadRequest, decodeError(t, w).Code)
	})
}

func TestParsePathString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/subscriptions/sub-1", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "sub-1"})

	val, err := ParsePathString(req, "id")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", val)

	_, err = ParsePathString(req, "other")
	assert.Error(t, err)

	w := httptest.NewRecorder()
	_, ok := ParsePathStringOrError(w, req, "other")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=20&async=true&bad=x", nil)

	limit, err := ParseQueryInt(req, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 20, limit)

	limit, err = ParseQueryInt(req, "missing", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, limit)

	_, err = ParseQueryInt(req, "bad", 0)
	assert.Error(t, err)

	async, err := ParseQueryBool(req, "async", false)
	require.NoError(t, err)
	assert.True(t, async)

	_, err = ParseQueryBool(req, "bad", false)
	assert.Error(t, err)
}

func TestRequireQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?customerKey=cus_1&authKey=a", nil)
	w := httptest.NewRecorder()

	vals, ok := RequireQuery(w, req, "customerKey", "authKey")
	require.True(t, ok)
	assert.Equal(t, "cus_1", vals["customerKey"])

	w = httptest.NewRecorder()
	_, ok = RequireQuery(w, req, "customerKey", "code")
	assert.False(t, ok)
	assert.Contains(t, w.Body.String(), "code is required")
}
