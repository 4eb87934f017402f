package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/open-runtimes/k8s-executor/constants"
	"github.com/open-runtimes/k8s-executor/logger"
	"github.com/open-runtimes/k8s-executor/logs"
	"github.com/open-runtimes/k8s-executor/types"
)

// Create builds (optionally) and materializes a runtime. On success the
// deployment exists at zero replicas with initialised=1; the first invocation
// cold-starts it.
func (m *Manager) Create(ctx context.Context, req *types.CreateRequest) (*types.CreateResult, error) {
	if req.RuntimeID == "" {
		return nil, types.NewError(types.ExecutionBadRequest, "Missing required parameter: runtimeId")
	}
	if req.Image == "" {
		return nil, types.NewError(types.ExecutionBadRequest, "Missing required parameter: image")
	}
	if req.Version == "" {
		req.Version = types.V5
	}
	if !req.Version.Valid() {
		return nil, types.NewError(types.ExecutionBadRequest, fmt.Sprintf("Invalid version: %s", req.Version))
	}
	if req.Timeout <= 0 {
		req.Timeout = int(constants.DefaultBuildTimeout.Seconds())
	}

	state, err := m.State(ctx, req.RuntimeID)
	if err != nil {
		return nil, types.NewError(types.RuntimeFailed, err.Error())
	}
	if state != nil {
		if state.Status == "pending" {
			return nil, types.NewError(types.RuntimeConflict, "A runtime with the same ID is being created. Please wait until the creation is finished.")
		}
		return nil, types.NewError(types.RuntimeConflict, fmt.Sprintf("Runtime %s already exists.", req.RuntimeID))
	}

	secret := randomHex(16)
	hostname := randomHex(16)
	variables := m.runtimeVariables(req, secret, hostname)

	startTime := time.Now()
	output := []types.LogEntry{}

	var artifactPath string
	if req.Command != "" {
		buildID := uuid.New().String()
		artifactPath = fmt.Sprintf("%s/%s.tar.gz", req.RuntimeID, buildID)

		var err error
		output, err = m.runBuild(ctx, req, variables, artifactPath, startTime)
		if err != nil {
			return nil, err
		}
	} else if req.Source != "" {
		artifactPath = req.Source
	}

	if err := m.createService(ctx, req.RuntimeID); err != nil {
		return nil, err
	}

	created := nowMillis()
	dep := m.deploymentSpec(req, variables, secret, hostname, created)
	if err := m.createDeployment(ctx, dep); err != nil {
		return nil, err
	}

	duration := time.Since(startTime).Seconds()
	if err := m.Update(ctx, req.RuntimeID, map[string]string{
		"status":      fmt.Sprintf("Up %gs", math.Round(duration*1000)/1000),
		"initialised": "1",
		"updated":     fmt.Sprintf("%d", nowMillis()),
	}); err != nil {
		logger.Warnf("failed to stamp runtime %s: %v", req.RuntimeID, err)
	}

	result := &types.CreateResult{
		Output:    output,
		StartTime: millisToSeconds(startTime.UnixMilli()),
		Duration:  duration,
	}

	// The response advertises the caller's destination key while the upload
	// targets the generated artifact path; both are long-standing observable
	// behavior.
	if req.Destination != "" {
		if size, err := m.store.Stat(ctx, artifactPath); err == nil {
			result.Size = &size
			result.Path = req.Destination
		} else {
			logger.Warnf("failed to stat artifact %s: %v", artifactPath, err)
		}
	}

	if req.Remove {
		m.selfDestruct(ctx, req.RuntimeID)
	}

	return result, nil
}

// runBuild drives the build job to completion and harvests its output.
func (m *Manager) runBuild(ctx context.Context, req *types.CreateRequest, variables map[string]string, artifactPath string, startTime time.Time) ([]types.LogEntry, error) {
	var sourceB64 string
	if req.Source != "" {
		data, err := m.store.Download(ctx, req.Source)
		if err != nil {
			return nil, types.NewError(types.RuntimeFailed, err.Error())
		}
		sourceB64 = base64.StdEncoding.EncodeToString(data)
	}

	jobName := fmt.Sprintf("build-%s-%s", req.RuntimeID, randomHex(4))
	job := m.buildJobSpec(jobName, req, variables, sourceB64, artifactPath)

	if _, err := m.client.BatchV1().Jobs(m.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return nil, types.NewError(types.RuntimeFailed, fmt.Sprintf("Failed to create build job: %s", err))
	}

	logger.Infof("created build job %s for runtime %s", jobName, req.RuntimeID)

	deadline := startTime.Add(time.Duration(req.Timeout) * time.Second)
	for time.Now().Before(deadline) {
		job, err := m.client.BatchV1().Jobs(m.namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			// The job may not be visible yet right after create.
			if apierrors.IsNotFound(err) {
				time.Sleep(constants.BuildPoll)
				continue
			}
			return nil, types.NewError(types.RuntimeFailed, fmt.Sprintf("Failed to read build job: %s", err))
		}

		if job.Status.Succeeded > 0 {
			return m.harvestBuildOutput(ctx, jobName, req.Version, startTime, false), nil
		}
		if job.Status.Failed > 0 {
			output := m.harvestBuildOutput(ctx, jobName, req.Version, startTime, true)
			err := types.NewError(types.RuntimeFailed, "Build job failed")
			if len(output) > 0 {
				err.Message = fmt.Sprintf("Build job failed: %s", output[len(output)-1].Content)
			}
			return nil, err
		}

		select {
		case <-time.After(constants.BuildPoll):
		case <-ctx.Done():
			return nil, types.NewError(types.RuntimeFailed, "Build cancelled")
		}
	}

	return nil, types.NewError(types.RuntimeTimeout, "Build job timed out")
}

// harvestBuildOutput pulls build logs out of the (possibly already
// terminated) build pod. v2 keeps a single tee'd log file; v4/v5 produce a
// logs+timings pair that decodes to timestamped segments. Pod-read failures
// fall back to the native pod log API on the failure branch and to empty
// output otherwise.
func (m *Manager) harvestBuildOutput(ctx context.Context, jobName string, version types.Version, startTime time.Time, failed bool) []types.LogEntry {
	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		logger.Warnf("no pods found for build job %s", jobName)
		return []types.LogEntry{}
	}
	pod := pods.Items[0].Name

	if version == types.V2 {
		content, err := m.exec.ReadFile(ctx, pod, constants.BuildContainer, constants.V2LogPath)
		if err != nil {
			logger.Debugf("failed to read build log from pod %s: %v", pod, err)
			if failed {
				return m.nativePodLogs(ctx, pod)
			}
			return []types.LogEntry{}
		}
		return []types.LogEntry{{
			Timestamp: time.Now().UTC().Format(logs.TimestampFormat),
			Content:   content,
		}}
	}

	logContent, err := m.exec.ReadFile(ctx, pod, constants.BuildContainer, constants.BuildLogPath)
	if err == nil {
		var timings string
		timings, err = m.exec.ReadFile(ctx, pod, constants.BuildContainer, constants.TimingPath)
		if err == nil {
			return decodeBuildLog(logContent, timings, startTime)
		}
	}

	logger.Debugf("failed to read build logs from pod %s: %v", pod, err)
	if failed {
		return m.nativePodLogs(ctx, pod)
	}
	return []types.LogEntry{}
}

func decodeBuildLog(logContent, timings string, startTime time.Time) []types.LogEntry {
	intro := logs.IntroOffset(logContent)
	cursor := 0

	entries := logs.ParseTiming(timings, startTime)
	output := make([]types.LogEntry, 0, len(entries))
	for _, entry := range entries {
		var content string
		content, cursor = logs.Slice(logContent, intro, cursor, entry.Length)
		output = append(output, types.LogEntry{Timestamp: entry.Timestamp, Content: content})
	}
	return output
}

// nativePodLogs is the last-resort source of build output when the pod
// filesystem is unreadable.
func (m *Manager) nativePodLogs(ctx context.Context, pod string) []types.LogEntry {
	req := m.client.CoreV1().Pods(m.namespace).GetLogs(pod, &corev1.PodLogOptions{
		Container: constants.BuildContainer,
	})

	stream, err := req.Stream(ctx)
	if err != nil {
		logger.Debugf("failed to stream pod logs for %s: %v", pod, err)
		return []types.LogEntry{}
	}
	defer stream.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, stream); err != nil {
		return []types.LogEntry{}
	}

	return []types.LogEntry{{
		Timestamp: time.Now().UTC().Format(logs.TimestampFormat),
		Content:   buf.String(),
	}}
}

func (m *Manager) createService(ctx context.Context, runtimeID string) error {
	_, err := m.client.CoreV1().Services(m.namespace).Get(ctx, ServiceName(runtimeID), metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return types.NewError(types.RuntimeFailed, fmt.Sprintf("Failed to read service: %s", err))
	}

	if _, err := m.client.CoreV1().Services(m.namespace).Create(ctx, m.serviceSpec(runtimeID), metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return types.NewError(types.RuntimeFailed, fmt.Sprintf("Failed to create service: %s", err))
	}
	return nil
}

func (m *Manager) createDeployment(ctx context.Context, dep *appsv1.Deployment) error {
	_, err := m.client.AppsV1().Deployments(m.namespace).Create(ctx, dep, metav1.CreateOptions{})
	if err == nil {
		return nil
	}

	// Two concurrent creates race on the deployment name; the API server
	// picks the winner and the loser surfaces a conflict. The winner's
	// deployment is never touched.
	if apierrors.IsAlreadyExists(err) {
		return types.NewError(types.RuntimeConflict, fmt.Sprintf("Runtime %s already exists.", dep.Labels[constants.LabelRuntimeID]))
	}

	return types.NewError(types.RuntimeFailed, fmt.Sprintf("Failed to create deployment: %s", err))
}

// selfDestruct removes a runtime that was only created for its build. The
// short delay keeps the pod around long enough for log harvest to finish.
func (m *Manager) selfDestruct(ctx context.Context, runtimeID string) {
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	if err := m.client.AppsV1().Deployments(m.namespace).Delete(ctx, DeploymentName(runtimeID), metav1.DeleteOptions{}); err != nil {
		logger.Debugf("failed to remove runtime %s: %v", runtimeID, err)
	}
	if err := m.client.CoreV1().Services(m.namespace).Delete(ctx, ServiceName(runtimeID), metav1.DeleteOptions{}); err != nil {
		logger.Debugf("failed to remove service for %s: %v", runtimeID, err)
	}
}

// runtimeVariables merges caller variables with the per-version injections
// the in-pod server expects. Every value is stringified. The INERNAL_
// misspelling for v2 is an external contract; the in-pod server looks for
// exactly that name.
func (m *Manager) runtimeVariables(req *types.CreateRequest, secret, hostname string) map[string]string {
	out := map[string]string{}
	for name, value := range req.Variables {
		out[name] = fmt.Sprintf("%v", value)
	}

	out["CI"] = "true"

	if req.Version == types.V2 {
		out["INTERNAL_RUNTIME_KEY"] = secret
		out["INTERNAL_RUNTIME_ENTRYPOINT"] = req.Entrypoint
		out["INERNAL_EXECUTOR_HOSTNAME"] = viper.GetString(constants.EnvHostname)
		return out
	}

	out["OPEN_RUNTIMES_SECRET"] = secret
	out["OPEN_RUNTIMES_ENTRYPOINT"] = req.Entrypoint
	out["OPEN_RUNTIMES_HOSTNAME"] = hostname
	out["OPEN_RUNTIMES_CPUS"] = fmt.Sprintf("%g", req.CPUs)
	out["OPEN_RUNTIMES_MEMORY"] = fmt.Sprintf("%d", req.Memory)
	if req.OutputDirectory != "" {
		out["OPEN_RUNTIMES_OUTPUT_DIRECTORY"] = req.OutputDirectory
	}
	return out
}
