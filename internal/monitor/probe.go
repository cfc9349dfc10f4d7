package monitor

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/refaktory/kube-workspace/internal/template"
)

// sessionCommand lists TCP sockets inside the workspace container. The
// output is one socket per line, no header.
var sessionCommand = []string{"ss", "--tcp", "--oneline", "--no-header"}

// ExecSessionProbe counts established TCP sessions by running ss inside
// the workspace container via the pod exec subresource.
type ExecSessionProbe struct {
	restConfig *rest.Config
	clientset  kubernetes.Interface
	ignored    map[int]bool
}

// NewExecSessionProbe builds a probe. Connections on the ignored ports do
// not count as sessions; health-check endpoints go there.
func NewExecSessionProbe(restConfig *rest.Config, ignoredPorts []int32) (*ExecSessionProbe, error) {
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("building clientset for session probe: %w", err)
	}
	ignored := make(map[int]bool, len(ignoredPorts))
	for _, p := range ignoredPorts {
		ignored[int(p)] = true
	}
	return &ExecSessionProbe{
		restConfig: restConfig,
		clientset:  clientset,
		ignored:    ignored,
	}, nil
}

// ActiveSessions runs ss in the pod and counts established sessions on
// non-ignored ports.
func (p *ExecSessionProbe) ActiveSessions(ctx context.Context, pod *corev1.Pod) (int, error) {
	req := p.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(pod.Namespace).
		Name(pod.Name).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: template.MainContainerName,
			Command:   sessionCommand,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(p.restConfig, "POST", req.URL())
	if err != nil {
		return 0, fmt.Errorf("building executor: %w", err)
	}
	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return 0, fmt.Errorf("exec in pod %s/%s: %w (stderr: %s)",
			pod.Namespace, pod.Name, err, strings.TrimSpace(stderr.String()))
	}
	return countSessions(stdout.String(), p.ignored), nil
}

// countSessions parses ss output. Each line reads
//
//	ESTAB 0 0 10.0.0.12:22 10.0.0.1:49812
//
// and only established sockets on non-ignored local ports count.
func countSessions(output string, ignored map[int]bool) int {
	count := 0
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "ESTAB" {
			continue
		}
		port, ok := localPort(fields[3])
		if !ok || ignored[port] {
			continue
		}
		count++
	}
	return count
}

// localPort extracts the port from an address like "10.0.0.12:22" or
// "[::1]:22".
func localPort(addr string) (int, bool) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 || idx == len(addr)-1 {
		return 0, false
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0, false
	}
	return port, true
}
