package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/open-runtimes/k8s-executor/constants"
	"github.com/open-runtimes/k8s-executor/logger"
	"github.com/open-runtimes/k8s-executor/types"
)

// Delete tears a runtime down. Only the deployment delete is load-bearing;
// the service and the object-store cleanup are best effort.
func (m *Manager) Delete(ctx context.Context, runtimeID string) (string, error) {
	err := m.client.AppsV1().Deployments(m.namespace).Delete(ctx, DeploymentName(runtimeID), metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", types.NewError(types.RuntimeNotFound, fmt.Sprintf("Runtime %s not found or already deleted.", runtimeID))
		}

		var statusErr *apierrors.StatusError
		if errors.As(err, &statusErr) && statusErr.Status().Code == 500 && strings.Contains(statusErr.Error(), "already in progress") {
			return fmt.Sprintf("Runtime %s deletion already in progress.", runtimeID), nil
		}

		return "", types.NewError(types.GeneralUnknown, err.Error())
	}

	if err := m.client.CoreV1().Services(m.namespace).Delete(ctx, ServiceName(runtimeID), metav1.DeleteOptions{}); err != nil {
		logger.Debugf("failed to delete service for runtime %s: %v", runtimeID, err)
	}

	jobName := fmt.Sprintf("delete-%s-%s", runtimeID, randomHex(4))
	if _, err := m.client.BatchV1().Jobs(m.namespace).Create(ctx, m.cleanupJobSpec(jobName, runtimeID), metav1.CreateOptions{}); err != nil {
		logger.Warnf("failed to enqueue cleanup job for runtime %s: %v", runtimeID, err)
	}

	return fmt.Sprintf("Runtime %s deleted.", runtimeID), nil
}

// RuntimePage is one page of runtimes plus the cluster's native pagination
// cursor.
type RuntimePage struct {
	Runtimes  []*types.Runtime
	Continue  string
	Remaining int64
}

// List returns runtimes by label selection, paginated with the cluster's
// continue tokens.
func (m *Manager) List(ctx context.Context, limit int64, continueToken string) (*RuntimePage, error) {
	deployments, err := m.client.AppsV1().Deployments(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: constants.LabelRole + "=" + constants.RoleRuntime,
		Limit:         limit,
		Continue:      continueToken,
	})
	if err != nil {
		return nil, types.NewError(types.GeneralUnknown, fmt.Sprintf("Failed to list runtimes: %s", err))
	}

	page := &RuntimePage{
		Runtimes: make([]*types.Runtime, 0, len(deployments.Items)),
		Continue: deployments.Continue,
	}
	if deployments.RemainingItemCount != nil {
		page.Remaining = *deployments.RemainingItemCount
	}

	for i := range deployments.Items {
		page.Runtimes = append(page.Runtimes, describe(&deployments.Items[i]))
	}

	return page, nil
}

// Get returns the descriptor of a single runtime.
func (m *Manager) Get(ctx context.Context, runtimeID string) (*types.Runtime, error) {
	dep, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, DeploymentName(runtimeID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, types.NewError(types.RuntimeNotFound, fmt.Sprintf("Runtime %s not found.", runtimeID))
		}
		return nil, types.NewError(types.GeneralUnknown, err.Error())
	}

	return describe(dep), nil
}

// describe projects deployment annotations into the external runtime shape.
// Millisecond annotations become float seconds.
func describe(dep *appsv1.Deployment) *types.Runtime {
	ann := dep.Annotations

	image := ""
	if containers := dep.Spec.Template.Spec.Containers; len(containers) > 0 {
		image = containers[0].Image
	}

	return &types.Runtime{
		Version:     types.Version(ann[annotation("version")]),
		Created:     millisToSeconds(annotationInt64(ann, "created")),
		Updated:     millisToSeconds(annotationInt64(ann, "updated")),
		Name:        strings.TrimPrefix(dep.Name, "dep-"),
		Hostname:    ann[annotation("hostname")],
		Status:      ann[annotation("status")],
		Key:         ann[annotation("secret")],
		Listening:   annotationInt(ann, "listening"),
		Image:       image,
		Initialised: annotationInt(ann, "initialised"),
	}
}
