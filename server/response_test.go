package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-runtimes/k8s-executor/types"
)

func executionResult() *types.ExecuteResult {
	return &types.ExecuteResult{
		StatusCode: http.StatusOK,
		Headers: map[string]interface{}{
			"content-type": "text/plain",
			"set-cookie":   []string{"a=1", "b=2"},
		},
		Body:      "pong",
		Duration:  0.25,
		StartTime: 1700000000.5,
	}
}

func TestRenderExecutionJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/runtimes/r1/executions", nil)
	req.Header.Set("Accept", "application/json")
	rr := httptest.NewRecorder()

	renderExecution(rr, req, executionResult())

	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var decoded types.ExecuteResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&decoded))
	assert.Equal(t, http.StatusOK, decoded.StatusCode)
	assert.Equal(t, "pong", decoded.Body)
	assert.Equal(t, []interface{}{"a=1", "b=2"}, decoded.Headers["set-cookie"])
}

func TestRenderExecutionMultipart(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/runtimes/r1/executions", nil)
	rr := httptest.NewRecorder()

	renderExecution(rr, req, executionResult())

	mediaType, params, err := mime.ParseMediaType(rr.Header().Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mediaType)
	require.NotEmpty(t, params["boundary"])

	fields := map[string]string{}
	reader := multipart.NewReader(rr.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		value, err := io.ReadAll(part)
		require.NoError(t, err)
		fields[part.FormName()] = string(value)
	}

	assert.Equal(t, "200", fields["statusCode"])
	assert.Equal(t, "pong", fields["body"])
	assert.Equal(t, "0.25", fields["duration"])

	var headers map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(fields["headers"]), &headers))
	assert.Equal(t, "text/plain", headers["content-type"])
}

func TestRenderExecutionCollapsesLegacyHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/runtimes/r1/executions", nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-executor-response-format", "0.10.5")
	rr := httptest.NewRecorder()

	renderExecution(rr, req, executionResult())

	var decoded types.ExecuteResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&decoded))
	assert.Equal(t, "b=2", decoded.Headers["set-cookie"])
}

func TestRenderExecutionKeepsListsForModernClients(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/runtimes/r1/executions", nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-executor-response-format", "0.12.0")
	rr := httptest.NewRecorder()

	renderExecution(rr, req, executionResult())

	var decoded types.ExecuteResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&decoded))
	assert.Equal(t, []interface{}{"a=1", "b=2"}, decoded.Headers["set-cookie"])
}

func TestRenderErrorWrapsUnknown(t *testing.T) {
	rr := httptest.NewRecorder()

	renderError(rr, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	apiErr := decodeAPIError(t, rr)
	assert.Equal(t, types.GeneralUnknown, apiErr.Type)
	assert.Equal(t, "boom", apiErr.Message)
}

func TestRenderErrorKeepsAPIErrors(t *testing.T) {
	rr := httptest.NewRecorder()

	renderError(rr, types.NewError(types.RuntimeConflict, "Runtime r1 already exists."))

	assert.Equal(t, http.StatusConflict, rr.Code)

	apiErr := decodeAPIError(t, rr)
	assert.Equal(t, types.RuntimeConflict, apiErr.Type)
}
