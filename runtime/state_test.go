package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/open-runtimes/k8s-executor/types"
)

func TestExists(t *testing.T) {
	m, _, _ := newTestManager(t, runtimeDeployment("r1", 0, nil))

	assert.True(t, m.Exists(context.Background(), "r1"))
	assert.False(t, m.Exists(context.Background(), "missing"))
}

func TestStateAbsentRuntime(t *testing.T) {
	m, _, _ := newTestManager(t)

	state, err := m.State(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStateReadsAnnotations(t *testing.T) {
	dep := runtimeDeployment("r1", 0, map[string]string{
		annotation("status"):    "Up 1.5s",
		annotation("listening"): "1",
		annotation("updated"):   "1700000005000",
	})
	m, _, _ := newTestManager(t, dep)

	state, err := m.State(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "Up 1.5s", state.Status)
	assert.Equal(t, 1, state.Initialised)
	assert.Equal(t, 1, state.Listening)
	assert.Equal(t, int64(1700000000000), state.Created)
	assert.Equal(t, int64(1700000005000), state.Updated)
}

func TestUpdatePatchesAnnotations(t *testing.T) {
	m, client, _ := newTestManager(t, runtimeDeployment("r1", 0, nil))

	err := m.Update(context.Background(), "r1", map[string]string{
		"status":    "Up 2s",
		"listening": "1",
	})
	require.NoError(t, err)

	dep, err := client.AppsV1().Deployments(testNamespace).Get(context.Background(), DeploymentName("r1"), metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Up 2s", dep.Annotations[annotation("status")])
	assert.Equal(t, "1", dep.Annotations[annotation("listening")])
	assert.Equal(t, "runtime-secret", dep.Annotations[annotation("secret")])
}

func TestUpdateMissingRuntime(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.Update(context.Background(), "ghost", map[string]string{"listening": "1"})
	assert.Error(t, err)
}

func TestWaitReadyReturnsOnceConstructed(t *testing.T) {
	m, _, _ := newTestManager(t, runtimeDeployment("r1", 0, nil))

	err := m.WaitReady(context.Background(), "r1", 2*time.Second)
	assert.NoError(t, err)
}

func TestWaitReadyTimesOutWhilePending(t *testing.T) {
	dep := runtimeDeployment("r1", 0, map[string]string{annotation("status"): "pending"})
	m, _, _ := newTestManager(t, dep)

	err := m.WaitReady(context.Background(), "r1", 600*time.Millisecond)
	apiErr := asAPIError(t, err)
	assert.Equal(t, types.RuntimeTimeout, apiErr.Type)
}

func TestWaitListening(t *testing.T) {
	// Any response counts as listening, even a server error.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	m, _, _ := newTestManager(t)
	m.runtimePort = serverPort(t, ts.URL)

	assert.True(t, m.WaitListening(context.Background(), "127.0.0.1", 2*time.Second))
}

func TestWaitListeningNoListener(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	port := serverPort(t, ts.URL)
	ts.Close()

	m, _, _ := newTestManager(t)
	m.runtimePort = port

	assert.False(t, m.WaitListening(context.Background(), "127.0.0.1", 700*time.Millisecond))
}
