package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	apitypes "k8s.io/apimachinery/pkg/types"

	"github.com/open-runtimes/k8s-executor/constants"
	"github.com/open-runtimes/k8s-executor/logger"
	"github.com/open-runtimes/k8s-executor/types"
)

const truncationNotice = "\nLog file has been truncated to 1MB."

// Execute cold-starts the runtime if needed and proxies one HTTP call into
// it. Cold start is a three-gate protocol: cluster readiness (readyReplicas),
// network readiness (TCP accept on the runtime port), then the proxied call
// itself.
func (m *Manager) Execute(ctx context.Context, req *types.ExecuteRequest) (*types.ExecuteResult, error) {
	prepareStart := time.Now()

	if req.Timeout <= 0 {
		req.Timeout = int(constants.DefaultExecuteTimeout.Seconds())
	}
	if req.Variables == nil {
		req.Variables = map[string]interface{}{}
	}
	req.Variables["INERNAL_EXECUTOR_HOSTNAME"] = viper.GetString(constants.EnvHostname)

	timeout := time.Duration(req.Timeout) * time.Second

	if !m.Exists(ctx, req.RuntimeID) {
		if req.Image == "" || req.Source == "" {
			return nil, types.NewError(types.RuntimeNotFound, "Runtime not found. Start it first or provide runtime parameters.")
		}
		if err := m.loopbackCreate(ctx, req); err != nil {
			return nil, err
		}
		if err := m.WaitReady(ctx, req.RuntimeID, timeout); err != nil {
			return nil, err
		}
	}

	remaining := timeout - time.Since(prepareStart)

	if err := m.Update(ctx, req.RuntimeID, map[string]string{"updated": fmt.Sprintf("%d", nowMillis())}); err != nil {
		logger.Debugf("failed to touch runtime %s: %v", req.RuntimeID, err)
	}
	if err := m.WaitReady(ctx, req.RuntimeID, remaining); err != nil {
		return nil, err
	}

	dep, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, DeploymentName(req.RuntimeID), metav1.GetOptions{})
	if err != nil {
		return nil, types.NewError(types.RuntimeNotFound, fmt.Sprintf("Runtime %s not found.", req.RuntimeID))
	}

	secret := dep.Annotations[annotation("secret")]
	if secret == "" {
		return nil, types.NewError(types.RuntimeNotFound, "Runtime secret not found. Please re-create the runtime.")
	}
	version := types.Version(dep.Annotations[annotation("version")])

	wasCold := dep.Spec.Replicas == nil || *dep.Spec.Replicas == 0
	if wasCold {
		if err := m.coldStart(ctx, req.RuntimeID); err != nil {
			return nil, err
		}
	}

	podIP, podName, err := m.runtimePod(ctx, req.RuntimeID)
	if err != nil {
		return nil, err
	}

	// A cold start brings up a fresh pod, so any recorded listening state is
	// stale and the probe runs again. The budget is recomputed; the cold
	// start may have consumed most of it.
	remaining = timeout - time.Since(prepareStart)
	if wasCold || dep.Annotations[annotation("listening")] != "1" {
		if !m.WaitListening(ctx, podIP, remaining) {
			return nil, types.NewError(types.RuntimeTimeout, "Runtime did not start listening in time.")
		}
		if err := m.Update(ctx, req.RuntimeID, map[string]string{"listening": "1"}); err != nil {
			logger.Debugf("failed to mark runtime %s listening: %v", req.RuntimeID, err)
		}
	}

	remaining = timeout - time.Since(prepareStart)
	resp, body, err := m.proxy(ctx, req, version, secret, podIP, remaining)
	if err != nil {
		return nil, err
	}

	headers, logID := launderHeaders(resp.Header)

	result := &types.ExecuteResult{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}

	if version == types.V5 && req.Logging && logID != "" {
		result.Logs = m.executionLog(ctx, podName, fmt.Sprintf("%s/%s_logs.log", constants.ExecutionLogs, logID))
		result.Errors = m.executionLog(ctx, podName, fmt.Sprintf("%s/%s_errors.log", constants.ExecutionLogs, logID))
	}

	if err := m.Update(ctx, req.RuntimeID, map[string]string{
		"last-execution-time": fmt.Sprintf("%d", nowMillis()),
		"updated":             fmt.Sprintf("%d", nowMillis()),
	}); err != nil {
		logger.Debugf("failed to stamp execution time for %s: %v", req.RuntimeID, err)
	}

	result.StartTime = millisToSeconds(prepareStart.UnixMilli())
	result.Duration = time.Since(prepareStart).Seconds()
	return result, nil
}

// loopbackCreate re-enters the create endpoint over localhost so on-the-fly
// creation shares authentication and error propagation with direct creates.
func (m *Manager) loopbackCreate(ctx context.Context, req *types.ExecuteRequest) error {
	create := &types.CreateRequest{
		RuntimeID:  req.RuntimeID,
		Image:      req.Image,
		Entrypoint: req.Entrypoint,
		Source:     req.Source,
		Variables:  req.Variables,
		Timeout:    req.Timeout,
		CPUs:       req.CPUs,
		Memory:     req.Memory,
		Version:    req.Version,
	}

	payload, err := json.Marshal(create)
	if err != nil {
		return types.NewError(types.GeneralUnknown, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.selfURL+"/v1/runtimes", bytes.NewReader(payload))
	if err != nil {
		return types.NewError(types.GeneralUnknown, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+viper.GetString(constants.EnvExecutorSecret))

	resp, err := httpClient(time.Duration(req.Timeout+5) * time.Second).Do(httpReq)
	if err != nil {
		return types.NewError(types.RuntimeFailed, fmt.Sprintf("Failed to create runtime: %s", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var apiErr types.Error
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Type != "" {
			return &apiErr
		}
		return types.NewError(types.RuntimeFailed, fmt.Sprintf("Runtime creation failed with status %d", resp.StatusCode))
	}

	return nil
}

// coldStart scales the deployment to one replica and waits for the cluster
// readiness gate. The listening flag is reset alongside; the new pod has not
// bound its port yet.
func (m *Manager) coldStart(ctx context.Context, runtimeID string) error {
	payload := []byte(fmt.Sprintf(
		`[{"op":"replace","path":"/spec/replicas","value":1},{"op":"add","path":"%slistening","value":"0"}]`,
		constants.AnnotationPatchPrefix,
	))
	if _, err := m.client.AppsV1().Deployments(m.namespace).Patch(ctx, DeploymentName(runtimeID), apitypes.JSONPatchType, payload, metav1.PatchOptions{}); err != nil {
		return types.NewError(types.RuntimeFailed, fmt.Sprintf("Failed to scale runtime %s: %s", runtimeID, err))
	}

	deadline := time.Now().Add(constants.ColdStartTimeout)
	for time.Now().Before(deadline) {
		dep, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, DeploymentName(runtimeID), metav1.GetOptions{})
		if err == nil && dep.Status.ReadyReplicas == 1 {
			return nil
		}

		select {
		case <-time.After(constants.StatusPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return types.NewErrorWithCode(types.RuntimeTimeout, fmt.Sprintf("Runtime %s did not become ready in time.", runtimeID), http.StatusGatewayTimeout)
}

// runtimePod finds the current pod behind the runtime. Pods are never
// addressed as persistent state; they are rediscovered by label at each use.
func (m *Manager) runtimePod(ctx context.Context, runtimeID string) (ip, name string, err error) {
	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: constants.LabelRuntimeID + "=" + runtimeID,
	})
	if err != nil || len(pods.Items) == 0 {
		return "", "", types.NewError(types.RuntimeNotFound, fmt.Sprintf("No pod found for runtime %s.", runtimeID))
	}

	pod := pods.Items[0]
	if pod.Status.PodIP == "" {
		return "", "", types.NewError(types.RuntimeNotFound, fmt.Sprintf("Pod for runtime %s has no address yet.", runtimeID))
	}

	return pod.Status.PodIP, pod.Name, nil
}

// proxy forwards the invocation into the pod and returns the raw response.
func (m *Manager) proxy(ctx context.Context, req *types.ExecuteRequest, version types.Version, secret, podIP string, remaining time.Duration) (*http.Response, string, error) {
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		body = strings.NewReader(req.Body)
	}

	target := fmt.Sprintf("http://%s:%d%s", podIP, m.runtimePort, path)
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, "", types.NewError(types.GeneralUnknown, err.Error())
	}

	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	if version == types.V2 {
		httpReq.Header.Set("x-internal-challenge", secret)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Host = ""
	} else {
		timeoutSecs := int(math.Floor(remaining.Seconds()))
		if timeoutSecs < 1 {
			timeoutSecs = 1
		}
		logging := "disabled"
		if req.Logging {
			logging = "enabled"
		}
		httpReq.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("opr:"+secret)))
		httpReq.Header.Set("x-open-runtimes-secret", secret)
		httpReq.Header.Set("x-open-runtimes-timeout", fmt.Sprintf("%d", timeoutSecs))
		httpReq.Header.Set("x-open-runtimes-logging", logging)
	}

	resp, err := httpClient(remaining + 5*time.Second).Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, "", types.NewError(types.ExecutionTimeout, "Execution timed out.")
		}
		return nil, "", types.NewError(types.RuntimeFailed, fmt.Sprintf("Failed to reach runtime: %s", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", types.NewError(types.RuntimeFailed, fmt.Sprintf("Failed to read runtime response: %s", err))
	}

	return resp, string(raw), nil
}

// launderHeaders lowercases response header names, strips the internal
// x-open-runtimes-* namespace and promotes repeated headers to ordered lists.
// The log id header is extracted before stripping.
func launderHeaders(header http.Header) (map[string]interface{}, string) {
	logID, _ := url.QueryUnescape(header.Get("x-open-runtimes-log-id"))

	out := make(map[string]interface{}, len(header))
	for name, values := range header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-open-runtimes-") {
			continue
		}
		if len(values) > 1 {
			ordered := make([]string, len(values))
			copy(ordered, values)
			out[lower] = ordered
		} else if len(values) == 1 {
			out[lower] = values[0]
		}
	}

	return out, logID
}

// executionLog reads one harvested log file, truncated at MaxLogSize.
// Missing files are silently empty.
func (m *Manager) executionLog(ctx context.Context, podName, path string) string {
	if !m.exec.FileExists(ctx, podName, constants.RuntimeContainer, path) {
		return ""
	}

	content, err := m.exec.ReadFile(ctx, podName, constants.RuntimeContainer, path)
	if err != nil {
		logger.Debugf("failed to read execution log %s: %v", path, err)
		return ""
	}

	if len(content) > constants.MaxLogSize {
		content = content[:constants.MaxLogSize] + truncationNotice
	}
	return content
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Command runs an arbitrary shell command inside the runtime container.
func (m *Manager) Command(ctx context.Context, runtimeID, command string, timeout int) (string, error) {
	if command == "" {
		return "", types.NewError(types.ExecutionBadRequest, "Missing required parameter: command")
	}
	if timeout <= 0 {
		timeout = int(constants.DefaultExecuteTimeout.Seconds())
	}

	_, podName, err := m.runtimePod(ctx, runtimeID)
	if err != nil {
		return "", err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	output, err := m.exec.Run(cmdCtx, podName, constants.RuntimeContainer, command)
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return "", types.NewError(types.CommandTimeout, fmt.Sprintf("Command timed out after %ds.", timeout))
		}
		return "", types.NewError(types.CommandFailed, err.Error())
	}

	return output, nil
}
