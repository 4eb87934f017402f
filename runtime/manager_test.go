package runtime

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	"github.com/open-runtimes/k8s-executor/constants"
	"github.com/open-runtimes/k8s-executor/k8s"
	"github.com/open-runtimes/k8s-executor/types"
)

const (
	testNamespace = "executor-test"
	testImage     = "openruntimes/node:v5-18.0"
)

type fakeStore struct {
	objects  map[string][]byte
	statSize int64
	statErr  error
}

func (f *fakeStore) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (f *fakeStore) Stat(_ context.Context, _ string) (int64, error) {
	return f.statSize, f.statErr
}

func newTestManager(t *testing.T, objects ...k8sruntime.Object) (*Manager, *fake.Clientset, *fakeStore) {
	t.Helper()

	client := fake.NewClientset(objects...)
	store := &fakeStore{objects: map[string][]byte{}}

	return &Manager{
		client:      client,
		exec:        k8s.NewPodExec(client, nil, testNamespace),
		store:       store,
		namespace:   testNamespace,
		runtimePort: constants.RuntimePort,
	}, client, store
}

// runtimeDeployment builds a post-create deployment fixture. Annotation
// overrides are merged on top of a fully constructed runtime.
func runtimeDeployment(id string, replicas int32, overrides map[string]string) *appsv1.Deployment {
	ann := map[string]string{
		annotation("version"):             "v5",
		annotation("secret"):              "runtime-secret",
		annotation("hostname"):            "runtime-host",
		annotation("created"):             "1700000000000",
		annotation("updated"):             "1700000000000",
		annotation("status"):              "Up 1s",
		annotation("initialised"):         "1",
		annotation("listening"):           "0",
		annotation("last-execution-time"): "0",
	}
	for field, value := range overrides {
		ann[field] = value
	}

	labels := map[string]string{
		constants.LabelRole:      constants.RoleRuntime,
		constants.LabelRuntimeID: id,
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        DeploymentName(id),
			Namespace:   testNamespace,
			Labels:      labels,
			Annotations: ann,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(replicas),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{constants.LabelRuntimeID: id},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{Name: constants.RuntimeContainer, Image: testImage},
					},
				},
			},
		},
		Status: appsv1.DeploymentStatus{ReadyReplicas: replicas},
	}
}

func runtimeService(id string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ServiceName(id),
			Namespace: testNamespace,
		},
	}
}

func runtimePodFixture(id, ip string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      DeploymentName(id) + "-abc12",
			Namespace: testNamespace,
			Labels: map[string]string{
				constants.LabelRole:      constants.RoleRuntime,
				constants.LabelRuntimeID: id,
			},
		},
		Status: corev1.PodStatus{PodIP: ip},
	}
}

func serverPort(t *testing.T, rawURL string) int {
	t.Helper()

	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	return port
}

func asAPIError(t *testing.T, err error) *types.Error {
	t.Helper()

	require.Error(t, err)
	apiErr, ok := err.(*types.Error)
	require.True(t, ok, "expected *types.Error, got %T", err)
	return apiErr
}
