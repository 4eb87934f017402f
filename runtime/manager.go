// Package runtime drives the lifecycle of function runtimes: build jobs,
// deployment/service pairs, cold starts, invocation proxying and log
// extraction. The Kubernetes API server is the only store; every lifecycle
// field lives in annotations on the runtime deployment.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/open-runtimes/k8s-executor/constants"
	"github.com/open-runtimes/k8s-executor/k8s"
	"github.com/open-runtimes/k8s-executor/storage"
)

// objectStore is the slice of the artifact store the lifecycle needs.
type objectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (int64, error)
}

// podExec is the in-pod I/O surface, satisfied by k8s.PodExec.
type podExec interface {
	ReadFile(ctx context.Context, pod, container, path string) (string, error)
	FileExists(ctx context.Context, pod, container, path string) bool
	Run(ctx context.Context, pod, container, command string) (string, error)
	TailFile(pod, container, path string, onChunk func([]byte), onErr func(error)) (func(), error)
}

type Manager struct {
	client    kubernetes.Interface
	exec      podExec
	store     objectStore
	namespace string

	// runtimePort is the port the in-pod server binds; fixed in production,
	// overridden in tests that stand in for a pod with a local listener.
	runtimePort int

	// selfURL is the loopback base used when an invocation has to create the
	// runtime it targets.
	selfURL string
}

func NewManager(client kubernetes.Interface, config *rest.Config, store *storage.ObjectStore) *Manager {
	namespace := viper.GetString(constants.EnvNamespace)
	return &Manager{
		client:      client,
		exec:        k8s.NewPodExec(client, config, namespace),
		store:       store,
		namespace:   namespace,
		runtimePort: constants.RuntimePort,
		selfURL:     fmt.Sprintf("http://127.0.0.1:%d", viper.GetInt(constants.EnvPort)),
	}
}

func DeploymentName(runtimeID string) string {
	return "dep-" + runtimeID
}

func ServiceName(runtimeID string) string {
	return "svc-" + runtimeID
}

func annotation(field string) string {
	return constants.AnnotationPrefix + field
}

// randomHex returns n random bytes as a hex string (2n characters).
func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func millisToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}

// httpClient returns a client with the given overall deadline. Proxy calls
// and listening probes each get their own; nothing is shared across requests.
func httpClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
