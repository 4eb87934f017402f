package maintenance

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	coordinationv1 "k8s.io/api/coordination/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	"github.com/open-runtimes/k8s-executor/constants"
)

const testNamespace = "executor-test"

func newTestReaper(objects ...k8sruntime.Object) (*Reaper, *fake.Clientset) {
	client := fake.NewClientset(objects...)
	return &Reaper{
		client:    client,
		namespace: testNamespace,
		interval:  10 * time.Millisecond,
		threshold: 5 * time.Minute,
		identity:  "executor-test-1",
	}, client
}

func leaseFixture(holder string, renewedAt time.Time) *coordinationv1.Lease {
	renew := metav1.NewMicroTime(renewedAt)
	return &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      constants.LeaseName,
			Namespace: testNamespace,
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To(holder),
			AcquireTime:          &renew,
			RenewTime:            &renew,
			LeaseDurationSeconds: ptr.To(int32(constants.LeaseDurationSeconds)),
		},
	}
}

func warmDeployment(name string, replicas int32, lastExecution time.Time) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
			Labels:    map[string]string{constants.LabelRole: constants.RoleRuntime},
			Annotations: map[string]string{
				constants.AnnotationPrefix + "last-execution-time": strconv.FormatInt(lastExecution.UnixMilli(), 10),
				constants.AnnotationPrefix + "listening":           "1",
			},
		},
		Spec: appsv1.DeploymentSpec{Replicas: ptr.To(replicas)},
	}
}

func TestAcquireLeaseCreatesWhenAbsent(t *testing.T) {
	r, client := newTestReaper()

	acquired, err := r.acquireLease(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)

	lease, err := client.CoordinationV1().Leases(testNamespace).Get(context.Background(), constants.LeaseName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, r.identity, *lease.Spec.HolderIdentity)
}

func TestAcquireLeaseRenewsOwnLease(t *testing.T) {
	stale := time.Now().Add(-10 * time.Minute)
	r, client := newTestReaper(leaseFixture("executor-test-1", stale))

	acquired, err := r.acquireLease(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)

	lease, err := client.CoordinationV1().Leases(testNamespace).Get(context.Background(), constants.LeaseName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.True(t, lease.Spec.RenewTime.After(stale))
}

func TestAcquireLeaseRespectsActiveHolder(t *testing.T) {
	r, _ := newTestReaper(leaseFixture("another-executor-7", time.Now()))

	acquired, err := r.acquireLease(context.Background())
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestAcquireLeaseStealsExpiredLease(t *testing.T) {
	r, client := newTestReaper(leaseFixture("another-executor-7", time.Now().Add(-2*time.Minute)))

	acquired, err := r.acquireLease(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)

	lease, err := client.CoordinationV1().Leases(testNamespace).Get(context.Background(), constants.LeaseName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, r.identity, *lease.Spec.HolderIdentity)
}

func TestAcquireLeaseStealsLeaseWithoutRenewTime(t *testing.T) {
	// A lease that was never renewed counts as expired; otherwise it would
	// block reaping forever.
	lease := leaseFixture("another-executor-7", time.Now())
	lease.Spec.RenewTime = nil
	lease.Spec.AcquireTime = nil
	r, client := newTestReaper(lease)

	acquired, err := r.acquireLease(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)

	stored, err := client.CoordinationV1().Leases(testNamespace).Get(context.Background(), constants.LeaseName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, r.identity, *stored.Spec.HolderIdentity)
	require.NotNil(t, stored.Spec.RenewTime)
}

func TestReapScalesIdleRuntimes(t *testing.T) {
	idle := warmDeployment("dep-idle", 1, time.Now().Add(-time.Hour))
	busy := warmDeployment("dep-busy", 1, time.Now())
	cold := warmDeployment("dep-cold", 0, time.Now().Add(-time.Hour))
	r, client := newTestReaper(idle, busy, cold)

	r.reap(context.Background())

	get := func(name string) *appsv1.Deployment {
		dep, err := client.AppsV1().Deployments(testNamespace).Get(context.Background(), name, metav1.GetOptions{})
		require.NoError(t, err)
		return dep
	}

	// The scale-down resets the listening flag so the next cold start
	// probes the fresh pod.
	assert.Equal(t, int32(0), *get("dep-idle").Spec.Replicas)
	assert.Equal(t, "0", get("dep-idle").Annotations[constants.AnnotationPrefix+"listening"])
	assert.Equal(t, int32(1), *get("dep-busy").Spec.Replicas)
	assert.Equal(t, "1", get("dep-busy").Annotations[constants.AnnotationPrefix+"listening"])
	assert.Equal(t, int32(0), *get("dep-cold").Spec.Replicas)
}

func TestReapSkipsUnlabeledDeployments(t *testing.T) {
	other := warmDeployment("dep-other", 1, time.Now().Add(-time.Hour))
	other.Labels = map[string]string{constants.LabelRole: "build"}
	r, client := newTestReaper(other)

	r.reap(context.Background())

	dep, err := client.AppsV1().Deployments(testNamespace).Get(context.Background(), "dep-other", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), *dep.Spec.Replicas)
}

func TestStartStop(t *testing.T) {
	r, _ := newTestReaper()

	r.Start()
	r.Start() // second start is a no-op

	time.Sleep(50 * time.Millisecond)

	r.Stop()
	r.Stop() // stopping twice is safe

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.False(t, r.running)
}
