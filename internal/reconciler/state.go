package reconciler

import (
	corev1 "k8s.io/api/core/v1"

	"github.com/refaktory/kube-workspace/internal/api"
)

// PhaseFromPod derives the observed workspace phase from the live pod.
// The phase is never stored: querying the cluster is the single source of
// truth, so an operator restart cannot observe stale state.
func PhaseFromPod(pod *corev1.Pod) api.WorkspacePhase {
	if pod == nil {
		return api.PhaseAbsent
	}
	if pod.DeletionTimestamp != nil {
		return api.PhaseTerminating
	}
	switch pod.Status.Phase {
	case corev1.PodPending:
		return api.PhaseProvisioning
	case corev1.PodRunning:
		if podReady(pod) {
			return api.PhaseRunning
		}
		return api.PhaseProvisioning
	case corev1.PodSucceeded, corev1.PodFailed:
		// A workspace pod runs sshd forever; any exit is a failure.
		return api.PhaseFailed
	default:
		return api.PhaseProvisioning
	}
}

// podReady reports whether all containers of the pod are ready.
func podReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.ContainersReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
