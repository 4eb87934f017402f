package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	apitypes "k8s.io/apimachinery/pkg/types"

	"github.com/open-runtimes/k8s-executor/constants"
	"github.com/open-runtimes/k8s-executor/logger"
	"github.com/open-runtimes/k8s-executor/types"
)

// State is the lifecycle view of a runtime, derived from deployment
// annotations.
type State struct {
	Status      string
	Initialised int
	Listening   int
	Created     int64
	Updated     int64
}

// Exists reports whether the runtime deployment is present.
func (m *Manager) Exists(ctx context.Context, runtimeID string) bool {
	_, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, DeploymentName(runtimeID), metav1.GetOptions{})
	return err == nil
}

// State returns the runtime lifecycle fields, or nil when the deployment is
// absent.
func (m *Manager) State(ctx context.Context, runtimeID string) (*State, error) {
	dep, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, DeploymentName(runtimeID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read runtime %s: %v", runtimeID, err)
	}

	ann := dep.Annotations
	return &State{
		Status:      ann[annotation("status")],
		Initialised: annotationInt(ann, "initialised"),
		Listening:   annotationInt(ann, "listening"),
		Created:     annotationInt64(ann, "created"),
		Updated:     annotationInt64(ann, "updated"),
	}, nil
}

type patchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// Update applies a JSON-patch of replace operations against the runtime's
// annotations. Last write wins on concurrent updates; every field is chosen
// to be idempotent so that is acceptable.
func (m *Manager) Update(ctx context.Context, runtimeID string, fields map[string]string) error {
	ops := make([]patchOp, 0, len(fields))
	for field, value := range fields {
		ops = append(ops, patchOp{
			Op:    "replace",
			Path:  constants.AnnotationPatchPrefix + field,
			Value: value,
		})
	}

	payload, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to marshal patch: %v", err)
	}

	_, err = m.client.AppsV1().Deployments(m.namespace).Patch(ctx, DeploymentName(runtimeID), apitypes.JSONPatchType, payload, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("failed to patch runtime %s: %v", runtimeID, err)
	}
	return nil
}

// WaitReady polls the runtime state until construction is done (status leaves
// "pending"). A missing deployment keeps the wait alive; it may not have been
// materialized yet.
func (m *Manager) WaitReady(ctx context.Context, runtimeID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		state, err := m.State(ctx, runtimeID)
		if err != nil {
			logger.Debugf("runtime %s state read failed while waiting: %v", runtimeID, err)
		}
		if state != nil && state.Status != "pending" {
			return nil
		}

		select {
		case <-time.After(constants.StatusPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return types.NewError(types.RuntimeTimeout, fmt.Sprintf("Runtime %s is not ready", runtimeID))
}

// WaitListening probes the in-pod server until any TCP-level response comes
// back. Application-level failures (4xx, 5xx) still count; only the absence
// of a listener does not.
func (m *Manager) WaitListening(ctx context.Context, podIP string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	client := httpClient(2 * time.Second)
	url := fmt.Sprintf("http://%s:%d/", podIP, m.runtimePort)

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			return true
		}

		select {
		case <-time.After(constants.StatusPoll):
		case <-ctx.Done():
			return false
		}
	}

	return false
}

func annotationInt(ann map[string]string, field string) int {
	v, _ := strconv.Atoi(ann[annotation(field)])
	return v
}

func annotationInt64(ann map[string]string, field string) int64 {
	v, _ := strconv.ParseInt(ann[annotation(field)], 10, 64)
	return v
}
