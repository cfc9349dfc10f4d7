package monitor

import (
	"encoding/json"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/refaktory/kube-workspace/internal/metadata"
)

// ActivityState is the per-pod idle bookkeeping, persisted as a JSON
// annotation on the workspace pod itself. Keeping it on the pod means the
// state dies with the pod and an operator restart cannot act on records
// for workspaces that no longer exist.
type ActivityState struct {
	// IdleSince marks the start of the current idle episode. Nil while the
	// workspace shows activity.
	IdleSince *metav1.Time `json:"idleSince,omitempty"`

	// LastSample is when the monitor last observed this pod. A gap larger
	// than the configured sample validity invalidates IdleSince.
	LastSample metav1.Time `json:"lastSample,omitempty"`
}

// activityFromPod decodes the state annotation. A missing or corrupt
// annotation yields the zero state, restarting idle tracking.
func activityFromPod(pod *corev1.Pod) ActivityState {
	raw, ok := pod.Annotations[metadata.AnnotationActivity]
	if !ok {
		return ActivityState{}
	}
	var state ActivityState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return ActivityState{}
	}
	return state
}

func (s ActivityState) annotationValue() string {
	raw, err := json.Marshal(s)
	if err != nil {
		// The struct contains only times; marshalling cannot fail.
		panic(err)
	}
	return string(raw)
}
