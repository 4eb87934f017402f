// Package maintenance scales idle runtimes back to zero. One reaper runs per
// executor replica; a cluster lease elects which of them actually mutates
// anything in a given cycle.
package maintenance

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/viper"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	apitypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/open-runtimes/k8s-executor/constants"
	"github.com/open-runtimes/k8s-executor/logger"
)

type Reaper struct {
	client    kubernetes.Interface
	namespace string
	interval  time.Duration
	threshold time.Duration
	identity  string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewReaper(client kubernetes.Interface) *Reaper {
	return &Reaper{
		client:    client,
		namespace: viper.GetString(constants.EnvNamespace),
		interval:  time.Duration(viper.GetInt(constants.EnvMaintenanceInterval)) * time.Second,
		threshold: time.Duration(viper.GetInt(constants.EnvInactiveThreshold)) * time.Second,
		identity:  fmt.Sprintf("%s-%d", viper.GetString(constants.EnvHostname), os.Getpid()),
	}
}

// Start launches the maintenance loop. Starting twice is a no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx)
	logger.Infof("maintenance loop started (interval %s, inactive threshold %s)", r.interval, r.threshold)
}

// Stop signals the loop and waits for it to exit, up to five seconds. The
// in-flight sleep is cancelled so the loop exits promptly.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("maintenance loop did not stop in time")
	}
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-time.After(r.interval):
		case <-ctx.Done():
			return
		}

		acquired, err := r.acquireLease(ctx)
		if err != nil {
			logger.Warnf("lease acquisition failed: %v", err)
			continue
		}
		if !acquired {
			continue
		}

		r.reap(ctx)
	}
}

// acquireLease implements create-or-renew-or-steal against the named lease.
// Exactly one replica wins any given cycle: the API server serializes the
// create and the holder comparison, and a stale holder is only displaced
// after the lease duration has fully elapsed.
func (r *Reaper) acquireLease(ctx context.Context) (bool, error) {
	leases := r.client.CoordinationV1().Leases(r.namespace)
	now := metav1.NewMicroTime(time.Now())

	lease, err := leases.Get(ctx, constants.LeaseName, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return false, err
		}

		_, err := leases.Create(ctx, &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{
				Name:      constants.LeaseName,
				Namespace: r.namespace,
			},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       ptr.To(r.identity),
				AcquireTime:          &now,
				RenewTime:            &now,
				LeaseDurationSeconds: ptr.To(int32(constants.LeaseDurationSeconds)),
			},
		}, metav1.CreateOptions{})
		if err != nil {
			// Lost the create race; someone else holds it this cycle.
			if apierrors.IsAlreadyExists(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	holder := ""
	if lease.Spec.HolderIdentity != nil {
		holder = *lease.Spec.HolderIdentity
	}

	if holder == r.identity {
		lease.Spec.RenewTime = &now
		if _, err := leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
			return false, err
		}
		return true, nil
	}

	// A lease that was never renewed counts as expired.
	if lease.Spec.RenewTime == nil || time.Since(lease.Spec.RenewTime.Time) > constants.LeaseDurationSeconds*time.Second {
		lease.Spec.HolderIdentity = ptr.To(r.identity)
		lease.Spec.AcquireTime = &now
		lease.Spec.RenewTime = &now
		if _, err := leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// reap scales every warm runtime whose last execution is older than the
// inactive threshold down to zero. Per-item failures are logged and skipped.
func (r *Reaper) reap(ctx context.Context) {
	deployments, err := r.client.AppsV1().Deployments(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: constants.LabelRole + "=" + constants.RoleRuntime,
	})
	if err != nil {
		logger.Warnf("failed to list runtimes for maintenance: %v", err)
		return
	}

	now := time.Now().UnixMilli()
	for i := range deployments.Items {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dep := &deployments.Items[i]
		if dep.Spec.Replicas == nil || *dep.Spec.Replicas != 1 {
			continue
		}

		lastExecution, _ := strconv.ParseInt(dep.Annotations[constants.AnnotationPrefix+"last-execution-time"], 10, 64)
		if time.Duration(now-lastExecution)*time.Millisecond <= r.threshold {
			continue
		}

		// The listening flag is reset with the scale-down; the next cold
		// start gets a fresh pod that has to be probed again.
		payload := []byte(fmt.Sprintf(
			`[{"op":"replace","path":"/spec/replicas","value":0},{"op":"add","path":"%slistening","value":"0"}]`,
			constants.AnnotationPatchPrefix,
		))
		if _, err := r.client.AppsV1().Deployments(r.namespace).Patch(ctx, dep.Name, apitypes.JSONPatchType, payload, metav1.PatchOptions{}); err != nil {
			logger.Warnf("failed to scale down %s: %v", dep.Name, err)
			continue
		}

		logger.Infof("scaled idle runtime %s to zero", dep.Name)
	}
}
