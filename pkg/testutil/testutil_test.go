package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedis(t *testing.T) {
	mr, client := NewRedis(t)

	require.NoError(t, client.Set(context.Background(), "key", "value", time.Minute).Err())
	got, err := mr.Get("key")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestAssertErrorResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Type", "application/json")
	rec.WriteHeader(http.StatusConflict)
	rec.WriteString(`{"error":"already won","kind":"conflict"}`)

	body := AssertErrorResponse(t, rec, http.StatusConflict, "conflict")
	assert.Equal(t, "already won", body["error"])
}
