package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIErrorRendersStatusAndBody(t *testing.T) {
	apiErr := NewWithDetails(http.StatusConflict, "DUPLICATE_LICENSE", "license already imported", "LIC-20260101-DEADBEEF")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/licenses", nil)

	err := render.Render(rec, req, apiErr)
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "DUPLICATE_LICENSE", body["error_code"])
	assert.Equal(t, "license already imported", body["message"])
	assert.Equal(t, "LIC-20260101-DEADBEEF", body["details"])
}

func TestAPIErrorImplementsError(t *testing.T) {
	apiErr := New(http.StatusNotFound, "NOT_FOUND", "license not found")
	assert.Equal(t, "license not found", apiErr.Error())

	var target error = apiErr
	var unwrapped *APIError
	require.True(t, errors.As(target, &unwrapped))
	assert.Equal(t, http.StatusNotFound, unwrapped.StatusCode)
}

func TestNotFoundErrorNamesResource(t *testing.T) {
	apiErr := NotFoundError("license")
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "license not found", apiErr.Message)
	assert.Equal(t, "license", apiErr.Details)
}

func TestInternalErrorKeepsCauseInDetails(t *testing.T) {
	apiErr := InternalError(errors.New("database is locked"))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "An unexpected error occurred", apiErr.Message)
	assert.Equal(t, "database is locked", apiErr.Details)
}

func TestProblemDetailsFlattensExtensions(t *testing.T) {
	pd := NewProblemDetails(http.StatusForbidden, "about:blank", "License revoked",
		"the license was revoked by the vendor", "/api/v1/verify").
		WithExtension("error_code", "LICENSE_REVOKED").
		WithExtension("revoked_reason", "chargeback")

	data, err := json.Marshal(pd)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "License revoked", body["title"])
	assert.Equal(t, float64(http.StatusForbidden), body["status"])
	assert.Equal(t, "/api/v1/verify", body["instance"])
	assert.Equal(t, "LICENSE_REVOKED", body["error_code"])
	assert.Equal(t, "chargeback", body["revoked_reason"])
}

func TestProblemDetailsOmitsEmptyFields(t *testing.T) {
	pd := NewProblemDetails(http.StatusInternalServerError, "about:blank", "Internal error", "", "")

	data, err := json.Marshal(pd)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.NotContains(t, body, "detail")
	assert.NotContains(t, body, "instance")
}
