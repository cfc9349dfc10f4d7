package template

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/refaktory/kube-workspace/internal/config"
	"github.com/refaktory/kube-workspace/internal/metadata"
)

func testEngine(t *testing.T, ws config.Workspace) *Engine {
	t.Helper()
	if ws.HomeVolumeSize == "" {
		ws.HomeVolumeSize = "10Gi"
	}
	if ws.DefaultImage == "" {
		ws.DefaultImage = "ubuntu:24.04"
	}
	e, err := NewEngine(ws)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return e
}

func alice() *config.User {
	return &config.User{
		Username:      "alice",
		SSHPublicKeys: []string{"ssh-ed25519 AAAAC3Nza alice@laptop"},
	}
}

func TestRenderPodDeterministic(t *testing.T) {
	e := testEngine(t, config.Workspace{})

	first, err := e.RenderPod(alice())
	if err != nil {
		t.Fatalf("RenderPod() error: %v", err)
	}
	second, err := e.RenderPod(alice())
	if err != nil {
		t.Fatalf("RenderPod() error: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("RenderPod() is not deterministic (-first +second):\n%s", diff)
	}
}

func TestRenderPodShape(t *testing.T) {
	e := testEngine(t, config.Workspace{})

	pod, err := e.RenderPod(alice())
	if err != nil {
		t.Fatalf("RenderPod() error: %v", err)
	}

	if pod.Name != "ws-alice" || pod.Namespace != "ws-alice" {
		t.Errorf("pod name/namespace = %s/%s, want ws-alice/ws-alice", pod.Namespace, pod.Name)
	}
	if got := pod.Labels[metadata.LabelOwner]; got != "alice" {
		t.Errorf("owner label = %q, want alice", got)
	}
	if got := pod.Labels[metadata.LabelWorkspacePod]; got != metadata.LabelWorkspacePodValue {
		t.Errorf("workspace pod label = %q, want %q", got, metadata.LabelWorkspacePodValue)
	}
	if pod.Labels[metadata.LabelTemplateHash] == "" {
		t.Errorf("template hash label missing")
	}

	main := pod.Spec.Containers[0]
	if main.Name != MainContainerName {
		t.Errorf("container name = %q, want %q", main.Name, MainContainerName)
	}
	if main.Image != "ubuntu:24.04" {
		t.Errorf("image = %q, want default", main.Image)
	}
	script := strings.Join(main.Command, " ")
	if !strings.Contains(script, "ssh-ed25519 AAAAC3Nza alice@laptop") {
		t.Errorf("bootstrap script does not install the authorized key:\n%s", script)
	}
	if !strings.Contains(script, "adduser") {
		t.Errorf("bootstrap script does not create the user account:\n%s", script)
	}

	var mount *corev1.VolumeMount
	for i := range main.VolumeMounts {
		if main.VolumeMounts[i].Name == homeVolumeName {
			mount = &main.VolumeMounts[i]
		}
	}
	if mount == nil || mount.MountPath != "/home/alice" {
		t.Errorf("home volume mount = %+v, want mount at /home/alice", mount)
	}

	var claim string
	for _, vol := range pod.Spec.Volumes {
		if vol.PersistentVolumeClaim != nil {
			claim = vol.PersistentVolumeClaim.ClaimName
		}
	}
	if claim != "ws-alice-data" {
		t.Errorf("pod claims volume %q, want ws-alice-data", claim)
	}

	if main.ReadinessProbe == nil || main.ReadinessProbe.ProbeHandler.TCPSocket == nil {
		t.Errorf("pod has no TCP readiness probe")
	}
}

func TestRenderPodKeepsTemplateSettings(t *testing.T) {
	e := testEngine(t, config.Workspace{
		PodTemplate: corev1.PodSpec{
			Containers: []corev1.Container{{
				Image: "registry.example.com/devbox:1.2",
				Resources: corev1.ResourceRequirements{
					Limits: corev1.ResourceList{
						corev1.ResourceCPU: resource.MustParse("2"),
					},
				},
			}},
			NodeSelector: map[string]string{"pool": "workspaces"},
		},
	})

	pod, err := e.RenderPod(alice())
	if err != nil {
		t.Fatalf("RenderPod() error: %v", err)
	}
	if pod.Spec.Containers[0].Image != "registry.example.com/devbox:1.2" {
		t.Errorf("template image was not kept: %q", pod.Spec.Containers[0].Image)
	}
	if pod.Spec.NodeSelector["pool"] != "workspaces" {
		t.Errorf("template node selector was not kept")
	}
	if got := pod.Spec.Containers[0].Resources.Limits.Cpu().String(); got != "2" {
		t.Errorf("cpu limit = %s, want 2", got)
	}
}

func TestRenderPodResourceOverrides(t *testing.T) {
	e := testEngine(t, config.Workspace{})

	user := alice()
	user.Resources = &config.ResourceOverrides{CPULimit: "500m", MemoryLimit: "2Gi"}
	pod, err := e.RenderPod(user)
	if err != nil {
		t.Fatalf("RenderPod() error: %v", err)
	}
	limits := pod.Spec.Containers[0].Resources.Limits
	if got := limits.Cpu().String(); got != "500m" {
		t.Errorf("cpu limit = %s, want 500m", got)
	}
	if got := limits.Memory().String(); got != "2Gi" {
		t.Errorf("memory limit = %s, want 2Gi", got)
	}

	user.Resources = &config.ResourceOverrides{CPULimit: "half a core"}
	_, err = e.RenderPod(user)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("RenderPod() error = %v, want ValidationError", err)
	}
}

func TestRenderPodValidation(t *testing.T) {
	e := testEngine(t, config.Workspace{})

	if _, err := e.RenderPod(&config.User{Username: ""}); err == nil {
		t.Errorf("empty username accepted")
	}
	if _, err := e.RenderPod(&config.User{Username: "alice"}); err == nil {
		t.Errorf("user without keys accepted")
	}

	noImage, err := NewEngine(config.Workspace{HomeVolumeSize: "1Gi"})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	_, err = noImage.RenderPod(alice())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("RenderPod() without any image = %v, want ValidationError", err)
	}
}

func TestSpecHashTracksChanges(t *testing.T) {
	e := testEngine(t, config.Workspace{})

	base, err := e.RenderPod(alice())
	if err != nil {
		t.Fatalf("RenderPod() error: %v", err)
	}

	user := alice()
	user.Resources = &config.ResourceOverrides{CPULimit: "250m"}
	changed, err := e.RenderPod(user)
	if err != nil {
		t.Fatalf("RenderPod() error: %v", err)
	}

	if base.Labels[metadata.LabelTemplateHash] == changed.Labels[metadata.LabelTemplateHash] {
		t.Errorf("template hash did not change with the pod spec")
	}

	again, err := e.RenderPod(alice())
	if err != nil {
		t.Fatalf("RenderPod() error: %v", err)
	}
	if base.Labels[metadata.LabelTemplateHash] != again.Labels[metadata.LabelTemplateHash] {
		t.Errorf("template hash is not stable for identical inputs")
	}
}

func TestRenderPVC(t *testing.T) {
	class := "fast-ssd"
	e := testEngine(t, config.Workspace{HomeVolumeSize: "20Gi", StorageClass: &class})

	pvc := e.RenderPVC("alice")
	if pvc.Name != "ws-alice-data" || pvc.Namespace != "ws-alice" {
		t.Errorf("pvc name/namespace = %s/%s", pvc.Namespace, pvc.Name)
	}
	if got := pvc.Spec.Resources.Requests.Storage().String(); got != "20Gi" {
		t.Errorf("storage request = %s, want 20Gi", got)
	}
	if pvc.Spec.StorageClassName == nil || *pvc.Spec.StorageClassName != "fast-ssd" {
		t.Errorf("storage class = %v, want fast-ssd", pvc.Spec.StorageClassName)
	}
	if got := pvc.Spec.AccessModes; len(got) != 1 || got[0] != corev1.ReadWriteOnce {
		t.Errorf("access modes = %v, want [ReadWriteOnce]", got)
	}
}

func TestRenderService(t *testing.T) {
	e := testEngine(t, config.Workspace{})

	svc := e.RenderService("alice")
	if svc.Name != "ws-alice" || svc.Namespace != "ws-alice" {
		t.Errorf("service name/namespace = %s/%s", svc.Namespace, svc.Name)
	}
	if svc.Spec.Type != corev1.ServiceTypeNodePort {
		t.Errorf("service type = %s, want NodePort", svc.Spec.Type)
	}
	if diff := cmp.Diff(metadata.SelectorLabels("alice"), svc.Spec.Selector); diff != "" {
		t.Errorf("selector mismatch (-want +got):\n%s", diff)
	}
	if len(svc.Spec.Ports) != 1 || svc.Spec.Ports[0].Port != SSHPort {
		t.Errorf("ports = %+v, want single ssh port", svc.Spec.Ports)
	}
}
