package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/open-runtimes/k8s-executor/types"
)

// legacyFormatCutoff is the first response-format version that preserves
// list-valued headers; older clients get the last value only.
const legacyFormatCutoff = "v0.11.0"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func renderError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*types.Error)
	if !ok {
		apiErr = types.NewError(types.GeneralUnknown, err.Error())
	}
	writeJSON(w, apiErr.Code, apiErr)
}

// renderExecution emits the execution result as JSON when the caller accepts
// it, multipart/form-data otherwise.
func renderExecution(w http.ResponseWriter, r *http.Request, result *types.ExecuteResult) {
	if format := r.Header.Get("x-executor-response-format"); format != "" {
		if semver.Compare("v"+format, legacyFormatCutoff) < 0 {
			collapseHeaders(result)
		}
	}

	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "application/json") || strings.Contains(accept, "application/*") {
		writeJSON(w, http.StatusOK, result)
		return
	}

	renderMultipart(w, result)
}

// collapseHeaders folds list-valued headers down to their last value for
// clients predating list support.
func collapseHeaders(result *types.ExecuteResult) {
	for name, value := range result.Headers {
		if list, ok := value.([]string); ok && len(list) > 0 {
			result.Headers[name] = list[len(list)-1]
		}
	}
}

func renderMultipart(w http.ResponseWriter, result *types.ExecuteResult) {
	boundary := "----WebKitFormBoundary" + strconv.FormatInt(time.Now().UnixMilli(), 36)

	headersJSON, _ := json.Marshal(result.Headers)

	fields := []struct {
		name  string
		value string
	}{
		{"statusCode", strconv.Itoa(result.StatusCode)},
		{"headers", string(headersJSON)},
		{"body", result.Body},
		{"logs", result.Logs},
		{"errors", result.Errors},
		{"duration", strconv.FormatFloat(result.Duration, 'f', -1, 64)},
		{"startTime", strconv.FormatFloat(result.StartTime, 'f', -1, 64)},
	}

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("--%s\r\nContent-Disposition: form-data; name=\"%s\"\r\n\r\n%s", boundary, field.name, field.value))
	}

	body := strings.Join(parts, "\r\n") + "\r\n--" + boundary + "--"

	w.Header().Set("Content-Type", "multipart/form-data; boundary="+boundary)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
