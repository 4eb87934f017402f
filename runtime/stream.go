package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/open-runtimes/k8s-executor/constants"
	"github.com/open-runtimes/k8s-executor/logger"
	"github.com/open-runtimes/k8s-executor/logs"
	"github.com/open-runtimes/k8s-executor/types"
)

// StreamLogs emits build or runtime logs as timing data accrues: a tail on
// the timing file drives re-reads of the log file, a one second ticker
// flushes to the client, and a liveness check closes the stream once the
// runtime disappears or finishes construction.
func (m *Manager) StreamLogs(ctx context.Context, runtimeID string, timeout time.Duration, w io.Writer, flush func()) error {
	start := time.Now()

	version, err := m.waitForRuntime(ctx, runtimeID)
	if err != nil {
		return err
	}

	// v2 runtimes have no timing side-channel; there is nothing to stream.
	if version == types.V2 {
		return nil
	}

	if err := m.waitForState(ctx, runtimeID, 10*time.Second); err != nil {
		return err
	}

	pod, container, err := m.logSourcePod(ctx, runtimeID)
	if err != nil {
		return err
	}

	ok, err := m.waitForLogFiles(ctx, runtimeID, pod, container, timeout-time.Since(start))
	if err != nil || !ok {
		return err
	}

	logContent, err := m.exec.ReadFile(ctx, pod, container, constants.BuildLogPath)
	if err != nil {
		return nil
	}
	intro := logs.IntroOffset(logContent)

	var mu sync.Mutex
	var buf bytes.Buffer
	timingText := ""
	processed := 0
	cursor := 0

	onChunk := func(chunk []byte) {
		mu.Lock()
		defer mu.Unlock()

		timingText += string(chunk)
		entries := logs.ParseTiming(timingText, start)
		if len(entries) <= processed {
			return
		}

		// Pick up log bytes written since the last read.
		content, err := m.exec.ReadFile(ctx, pod, container, constants.BuildLogPath)
		if err != nil {
			logger.Debugf("failed to re-read log file for %s: %v", runtimeID, err)
			return
		}

		for _, entry := range entries[processed:] {
			var segment string
			segment, cursor = logs.Slice(content, intro, cursor, entry.Length)
			fmt.Fprintf(&buf, "%s %s\n", entry.Timestamp, strings.ReplaceAll(segment, "\n", "\\n"))
		}
		processed = len(entries)
	}

	cancel, err := m.exec.TailFile(pod, container, constants.TimingPath, onChunk, func(err error) {
		logger.Debugf("timing tail for %s failed: %v", runtimeID, err)
	})
	if err != nil {
		return types.NewError(types.GeneralUnknown, err.Error())
	}
	defer cancel()

	drain := func() {
		mu.Lock()
		defer mu.Unlock()
		if buf.Len() > 0 {
			_, _ = w.Write(buf.Bytes())
			buf.Reset()
			flush()
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout - time.Since(start))
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			drain()
			state, err := m.State(ctx, runtimeID)
			if err != nil {
				continue
			}
			if state == nil || state.Initialised == 1 {
				drain()
				return nil
			}
		case <-deadline.C:
			drain()
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// waitForRuntime polls briefly for the deployment to appear and returns its
// protocol version.
func (m *Manager) waitForRuntime(ctx context.Context, runtimeID string) (types.Version, error) {
	deadline := time.Now().Add(5 * time.Second)

	for {
		dep, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, DeploymentName(runtimeID), metav1.GetOptions{})
		if err == nil {
			return types.Version(dep.Annotations[annotation("version")]), nil
		}
		if !time.Now().Before(deadline) {
			return "", types.NewError(types.RuntimeNotFound, fmt.Sprintf("Runtime %s not found.", runtimeID))
		}

		select {
		case <-time.After(constants.StatusPoll):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (m *Manager) waitForState(ctx context.Context, runtimeID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		state, err := m.State(ctx, runtimeID)
		if err == nil && state != nil {
			return nil
		}

		select {
		case <-time.After(constants.StatusPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return types.NewError(types.RuntimeTimeout, fmt.Sprintf("Runtime %s state not available.", runtimeID))
}

// logSourcePod prefers the most recent build job's pod; a running runtime
// pod is the fallback.
func (m *Manager) logSourcePod(ctx context.Context, runtimeID string) (pod, container string, err error) {
	selector := fmt.Sprintf("%s=%s,%s=%s", constants.LabelRole, constants.RoleBuild, constants.LabelRuntimeID, runtimeID)
	jobList, err := m.client.BatchV1().Jobs(m.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err == nil && len(jobList.Items) > 0 {
		jobs := jobList.Items
		sort.Slice(jobs, func(i, j int) bool {
			return jobs[i].CreationTimestamp.After(jobs[j].CreationTimestamp.Time)
		})

		pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "job-name=" + jobs[0].Name,
		})
		if err == nil && len(pods.Items) > 0 {
			return pods.Items[0].Name, constants.BuildContainer, nil
		}
	}

	runtimeSelector := fmt.Sprintf("%s=%s,%s=%s", constants.LabelRole, constants.RoleRuntime, constants.LabelRuntimeID, runtimeID)
	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{LabelSelector: runtimeSelector})
	if err == nil && len(pods.Items) > 0 {
		return pods.Items[0].Name, constants.RuntimeContainer, nil
	}

	return "", "", types.NewError(types.RuntimeNotFound, fmt.Sprintf("No log source pod found for runtime %s.", runtimeID))
}

// waitForLogFiles blocks until the logs+timings pair exists and the timing
// file has content. A vanished runtime ends the stream cleanly (false, nil).
func (m *Manager) waitForLogFiles(ctx context.Context, runtimeID, pod, container string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if m.exec.FileExists(ctx, pod, container, constants.BuildLogPath) &&
			m.exec.FileExists(ctx, pod, container, constants.TimingPath) {
			timings, err := m.exec.ReadFile(ctx, pod, container, constants.TimingPath)
			if err == nil && strings.TrimSpace(timings) != "" {
				return true, nil
			}
		}

		state, err := m.State(ctx, runtimeID)
		if err == nil && state == nil {
			return false, nil
		}

		select {
		case <-time.After(constants.StatusPoll):
		case <-ctx.Done():
			return false, nil
		}
	}

	return false, nil
}
