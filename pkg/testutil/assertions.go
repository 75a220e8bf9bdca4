package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertErrorResponse asserts that an HTTP response carries an error body with the
// expected status, and the expected error kind when kind is not empty
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, kind string) map[string]interface{} {
	t.Helper()

	assert.Equal(t, expectedStatus, w.Code, "unexpected status code")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "unexpected content type")

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response), "failed to decode response")
	assert.NotEmpty(t, response["error"], "missing error message")

	if kind != "" {
		assert.Equal(t, kind, response["kind"], "unexpected error kind")
	}
	return response
}

// DecodeJSON decodes a recorded response body into dst
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}
