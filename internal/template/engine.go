// Package template renders the per-user workspace resources from the
// configured base pod template.
//
// The engine is a pure function of its inputs: given the same base
// template, user and overrides it always yields the same specs. It has no
// cluster access; its output is inert data until submitted by the
// reconciler.
package template

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/refaktory/kube-workspace/internal/config"
	"github.com/refaktory/kube-workspace/internal/metadata"
	"github.com/refaktory/kube-workspace/internal/names"
)

const (
	// MainContainerName is the container running sshd in every workspace pod.
	MainContainerName = "workspace"

	// SSHPort is the container port sshd listens on.
	SSHPort int32 = 22

	homeVolumeName = "home"
)

// ValidationError reports a structurally invalid merged spec. It is
// always detected before anything is submitted to the cluster.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workspace spec: %s: %s", e.Field, e.Reason)
}

// Engine renders workspace resources. Construct once from the loaded
// configuration; safe for concurrent use.
type Engine struct {
	base           corev1.PodSpec
	defaultImage   string
	homeVolumeSize resource.Quantity
	storageClass   *string
}

// NewEngine builds an Engine from the workspace configuration.
func NewEngine(ws config.Workspace) (*Engine, error) {
	size, err := resource.ParseQuantity(ws.HomeVolumeSize)
	if err != nil {
		return nil, &ValidationError{Field: "homeVolumeSize", Reason: err.Error()}
	}
	return &Engine{
		base:           ws.PodTemplate,
		defaultImage:   ws.DefaultImage,
		homeVolumeSize: size,
		storageClass:   ws.StorageClass,
	}, nil
}

// RenderPod merges the base template with the user's key material and
// overrides into a complete workspace pod.
func (e *Engine) RenderPod(user *config.User) (*corev1.Pod, error) {
	if user == nil || user.Username == "" {
		return nil, &ValidationError{Field: "username", Reason: "must not be empty"}
	}
	if len(user.SSHPublicKeys) == 0 {
		return nil, &ValidationError{Field: "sshPublicKeys", Reason: "must not be empty"}
	}

	set := names.ForOwner(user.Username)
	spec := e.base.DeepCopy()

	main := mainContainer(spec)
	main.Name = MainContainerName
	if main.Image == "" {
		main.Image = e.defaultImage
	}
	if main.Image == "" {
		return nil, &ValidationError{Field: "image", Reason: "no image in template and no default configured"}
	}
	main.Command = []string{"bash", "-c", bootstrapScript(user.Username, user.SSHPublicKeys)}

	main.VolumeMounts = append(main.VolumeMounts, corev1.VolumeMount{
		Name:      homeVolumeName,
		MountPath: "/home/" + user.Username,
	})
	main.Ports = append(main.Ports, corev1.ContainerPort{
		Name:          names.SSHPortName(),
		ContainerPort: SSHPort,
	})
	if main.ReadinessProbe == nil {
		// The bootstrap installs sshd on first start, so readiness takes a
		// while on a cold image.
		main.ReadinessProbe = &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{
					Port: intstr.FromString(names.SSHPortName()),
				},
			},
			InitialDelaySeconds: 60,
			PeriodSeconds:       30,
			TimeoutSeconds:      3,
		}
	}

	if err := applyResourceOverrides(main, user.Resources); err != nil {
		return nil, err
	}

	spec.Volumes = append(spec.Volumes, corev1.Volume{
		Name: homeVolumeName,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: set.PVC,
			},
		},
	})
	if spec.RestartPolicy == "" {
		spec.RestartPolicy = corev1.RestartPolicyOnFailure
	}

	labels := metadata.BuildStandardLabels(user.Username, metadata.ComponentWorkspace)
	labels[metadata.LabelWorkspacePod] = metadata.LabelWorkspacePodValue
	labels[metadata.LabelTemplateHash] = SpecHash(spec)

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      set.Pod,
			Namespace: set.Namespace,
			Labels:    labels,
		},
		Spec: *spec,
	}, nil
}

// RenderPVC builds the home volume claim for the user. The claim is
// created once and reused verbatim on every later start.
func (e *Engine) RenderPVC(username string) *corev1.PersistentVolumeClaim {
	set := names.ForOwner(username)
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      set.PVC,
			Namespace: set.Namespace,
			Labels:    metadata.BuildStandardLabels(username, metadata.ComponentHome),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{
				corev1.ReadWriteOnce,
			},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: e.homeVolumeSize,
				},
			},
		},
	}
	if e.storageClass != nil {
		pvc.Spec.StorageClassName = e.storageClass
	}
	return pvc
}

// RenderService builds the NodePort service routing SSH traffic to the
// user's workspace pod.
func (e *Engine) RenderService(username string) *corev1.Service {
	set := names.ForOwner(username)
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      set.Service,
			Namespace: set.Namespace,
			Labels:    metadata.BuildStandardLabels(username, metadata.ComponentWorkspace),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: metadata.SelectorLabels(username),
			Ports: []corev1.ServicePort{{
				Name:       names.SSHPortName(),
				Port:       SSHPort,
				TargetPort: intstr.FromString(names.SSHPortName()),
			}},
		},
	}
}

// RenderNamespace builds the per-user namespace.
func (e *Engine) RenderNamespace(username string) *corev1.Namespace {
	set := names.ForOwner(username)
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   set.Namespace,
			Labels: metadata.BuildStandardLabels(username, metadata.ComponentWorkspace),
		},
	}
}

// SpecHash returns a short stable hash of a pod spec, recorded as a label
// on rendered pods so template drift can be detected later.
func SpecHash(spec *corev1.PodSpec) string {
	raw, err := json.Marshal(spec)
	if err != nil {
		// corev1.PodSpec always marshals.
		panic(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:8]
}

// mainContainer returns a pointer to the template's first container,
// appending an empty one when the template declares none.
func mainContainer(spec *corev1.PodSpec) *corev1.Container {
	if len(spec.Containers) == 0 {
		spec.Containers = append(spec.Containers, corev1.Container{})
	}
	return &spec.Containers[0]
}

func applyResourceOverrides(c *corev1.Container, ov *config.ResourceOverrides) error {
	if ov == nil {
		return nil
	}
	if c.Resources.Limits == nil && (ov.CPULimit != "" || ov.MemoryLimit != "") {
		c.Resources.Limits = corev1.ResourceList{}
	}
	if ov.CPULimit != "" {
		q, err := resource.ParseQuantity(ov.CPULimit)
		if err != nil {
			return &ValidationError{Field: "resources.cpuLimit", Reason: err.Error()}
		}
		c.Resources.Limits[corev1.ResourceCPU] = q
	}
	if ov.MemoryLimit != "" {
		q, err := resource.ParseQuantity(ov.MemoryLimit)
		if err != nil {
			return &ValidationError{Field: "resources.memoryLimit", Reason: err.Error()}
		}
		c.Resources.Limits[corev1.ResourceMemory] = q
	}
	return nil
}

// bootstrapScript provisions the user account, installs the authorized
// keys and starts sshd. It runs as the pod command so a stock image can
// serve as a workspace without a custom build.
func bootstrapScript(username string, keys []string) string {
	authorized := strings.Join(trimmed(keys), "\n")
	steps := []string{
		"apt-get update",
		"apt-get install -y openssh-server",
		fmt.Sprintf("id -u %s >/dev/null 2>&1 || adduser --gecos '' --no-create-home --disabled-password %s", username, username),
		fmt.Sprintf("mkdir -p /home/%s/.ssh", username),
		fmt.Sprintf("printf '%%s\\n' '%s' > /home/%s/.ssh/authorized_keys", authorized, username),
		fmt.Sprintf("chown -R %s:%s /home/%s", username, username, username),
		fmt.Sprintf("chmod 755 /home/%s /home/%s/.ssh", username, username),
		fmt.Sprintf("chmod 644 /home/%s/.ssh/authorized_keys", username),
		"mkdir -p /run/sshd",
		"service ssh start",
		"sleep infinity",
	}
	return strings.Join(steps, " && ")
}

func trimmed(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimSpace(k)
	}
	return out
}
