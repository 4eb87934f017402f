package k8s

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/open-runtimes/k8s-executor/logger"
)

// PodExec reads files out of running containers through the exec subresource.
// Every call opens its own SPDY connection; callers bound their own concurrency.
type PodExec struct {
	client    kubernetes.Interface
	config    *rest.Config
	namespace string
}

func NewPodExec(client kubernetes.Interface, config *rest.Config, namespace string) *PodExec {
	return &PodExec{client: client, config: config, namespace: namespace}
}

// PodReadError is returned when an in-pod read terminates abnormally. Stderr
// is kept verbatim; it usually names the missing file.
type PodReadError struct {
	Pod    string
	Path   string
	Stderr string
	Err    error
}

func (e *PodReadError) Error() string {
	return fmt.Sprintf("failed to read %s from pod %s: %s", e.Path, e.Pod, strings.TrimSpace(e.Stderr))
}

func (e *PodReadError) Unwrap() error {
	return e.Err
}

func (p *PodExec) executor(pod, container string, command []string) (remotecommand.Executor, error) {
	req := p.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(p.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	return remotecommand.NewSPDYExecutor(p.config, http.MethodPost, req.URL())
}

// ReadFile returns the full content of path inside the container. Stdout is
// accumulated before returning; non-zero termination fails with a PodReadError.
func (p *PodExec) ReadFile(ctx context.Context, pod, container, path string) (string, error) {
	exec, err := p.executor(pod, container, []string{"cat", path})
	if err != nil {
		return "", fmt.Errorf("failed to create executor: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	}); err != nil {
		return "", &PodReadError{Pod: pod, Path: path, Stderr: stderr.String(), Err: err}
	}

	return stdout.String(), nil
}

// FileExists reports whether path names a regular file inside the container.
// Any abnormal termination maps to false; the call never fails.
func (p *PodExec) FileExists(ctx context.Context, pod, container, path string) bool {
	exec, err := p.executor(pod, container, []string{"test", "-f", path})
	if err != nil {
		return false
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	return err == nil
}

// Run executes an arbitrary shell command inside the container and returns the
// combined stdout. A non-zero exit carries stderr in the error.
func (p *PodExec) Run(ctx context.Context, pod, container, command string) (string, error) {
	exec, err := p.executor(pod, container, []string{"sh", "-c", command})
	if err != nil {
		return "", fmt.Errorf("failed to create executor: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	}); err != nil {
		return "", fmt.Errorf("command failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}

// TailFile follows path inside the container, delivering each stdout chunk to
// onChunk as it arrives. Stderr, if any, is delivered once to onErr after the
// stream terminates. The returned cancel tears down the transport; no chunk is
// delivered after it returns.
func (p *PodExec) TailFile(pod, container, path string, onChunk func([]byte), onErr func(error)) (func(), error) {
	exec, err := p.executor(pod, container, []string{"tail", "-F", path})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cw := &chunkWriter{onChunk: onChunk}
	var stderr bytes.Buffer

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdout: cw,
			Stderr: &stderr,
		})
		if ctx.Err() != nil {
			return
		}
		if stderr.Len() > 0 {
			onErr(fmt.Errorf("tail of %s failed: %s", path, strings.TrimSpace(stderr.String())))
		} else if err != nil {
			logger.Debugf("tail of %s ended: %v", path, err)
		}
	}()

	return func() {
		cancel()
		cw.stop()
		<-done
	}, nil
}

// chunkWriter forwards each Write to the callback until stopped. The mutex
// orders a late in-flight Write against stop so cancel is a hard barrier.
type chunkWriter struct {
	mu      sync.Mutex
	stopped bool
	onChunk func([]byte)
}

func (w *chunkWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		chunk := make([]byte, len(b))
		copy(chunk, b)
		w.onChunk(chunk)
	}
	return len(b), nil
}

func (w *chunkWriter) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}
