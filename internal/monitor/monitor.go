// Package monitor watches running workspaces for inactivity and stops
// them once they have been idle past the configured threshold.
//
// A workspace counts as idle when it has no active SSH sessions and its
// CPU usage sits at or below the configured floor. Idle episodes are
// tracked in a pod annotation, so the monitor itself is stateless and an
// operator restart loses at most one sweep of bookkeeping.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/refaktory/kube-workspace/internal/api"
	"github.com/refaktory/kube-workspace/internal/config"
	"github.com/refaktory/kube-workspace/internal/metadata"
	"github.com/refaktory/kube-workspace/internal/metrics"
	"github.com/refaktory/kube-workspace/internal/reconciler"
)

// SessionProbe reports the number of active SSH sessions inside a
// workspace pod.
type SessionProbe interface {
	ActiveSessions(ctx context.Context, pod *corev1.Pod) (int, error)
}

// CPUSampler reports a pod's current CPU usage in millicores.
type CPUSampler interface {
	PodCPUMillis(ctx context.Context, pod *corev1.Pod) (int64, error)
}

// Stopper stops a workspace. Satisfied by the reconciler.
type Stopper interface {
	EnsureStopped(ctx context.Context, owner string) error
}

// Options tune the monitor beyond the loaded configuration.
type Options struct {
	// Clock overrides time.Now, for tests.
	Clock func() time.Time

	// Metrics receives idle-shutdown counts. May be nil.
	Metrics *metrics.Recorder
}

// Monitor runs the periodic idle sweep.
type Monitor struct {
	client  client.Client
	probe   SessionProbe
	cpu     CPUSampler
	stopper Stopper
	cfg     config.AutoShutdown
	log     logr.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// New builds a Monitor. A nil sampler disables the CPU signal; idleness is
// then decided by session count alone.
func New(
	c client.Client,
	probe SessionProbe,
	cpu CPUSampler,
	stopper Stopper,
	cfg config.AutoShutdown,
	log logr.Logger,
	opts Options,
) *Monitor {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		client:  c,
		probe:   probe,
		cpu:     cpu,
		stopper: stopper,
		cfg:     cfg,
		log:     log,
		metrics: opts.Metrics,
		now:     now,
	}
}

// Run sweeps every configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval.Duration)
	defer ticker.Stop()
	m.log.Info("activity monitor started",
		"interval", m.cfg.Interval.Duration,
		"idleThreshold", m.cfg.IdleThreshold.Duration)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("activity monitor stopped")
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.log.Error(err, "activity sweep failed")
			}
		}
	}
}

// Sweep inspects every workspace pod once. Per-pod errors are logged and
// skipped so one broken pod cannot shield the rest from idle detection.
func (m *Monitor) Sweep(ctx context.Context) error {
	pods := &corev1.PodList{}
	err := m.client.List(ctx, pods, client.MatchingLabels{
		metadata.LabelWorkspacePod: metadata.LabelWorkspacePodValue,
	})
	if err != nil {
		return fmt.Errorf("listing workspace pods: %w", err)
	}

	counts := map[api.WorkspacePhase]int{}
	for i := range pods.Items {
		pod := &pods.Items[i]
		counts[reconciler.PhaseFromPod(pod)]++
		if err := m.checkPod(ctx, pod); err != nil {
			m.log.Error(err, "could not check workspace pod",
				"pod", pod.Name, "namespace", pod.Namespace)
		}
	}
	for _, phase := range []api.WorkspacePhase{
		api.PhaseProvisioning, api.PhaseRunning, api.PhaseTerminating, api.PhaseFailed,
	} {
		m.metrics.SetWorkspacePhaseCount(string(phase), counts[phase])
	}
	return nil
}

func (m *Monitor) checkPod(ctx context.Context, pod *corev1.Pod) error {
	owner := pod.Labels[metadata.LabelOwner]
	if owner == "" {
		return nil
	}
	// Pods that are not (or no longer) serving sessions are skipped. The
	// terminating check in particular guarantees at most one stop per idle
	// episode: once a stop went through, the pod either disappears or
	// carries a deletion timestamp.
	if pod.DeletionTimestamp != nil || pod.Status.Phase != corev1.PodRunning {
		return nil
	}

	idle, err := m.observeIdle(ctx, pod)
	if err != nil {
		return err
	}

	now := m.now()
	prev := activityFromPod(pod)
	next := m.advance(prev, idle, now)

	if next.IdleSince != nil && now.Sub(next.IdleSince.Time) >= m.cfg.IdleThreshold.Duration {
		m.log.Info("stopping idle workspace",
			"owner", owner, "idleSince", next.IdleSince.Time)
		if err := m.stopper.EnsureStopped(ctx, owner); err != nil {
			// The idle clock is kept; the next sweep retries the stop.
			m.persist(ctx, pod, next)
			return fmt.Errorf("stopping idle workspace %q: %w", owner, err)
		}
		m.metrics.IdleShutdown()
		return nil
	}

	m.persist(ctx, pod, next)
	return nil
}

// observeIdle samples both activity signals. The workspace is idle only
// when no session is open and CPU usage sits at or below the floor.
func (m *Monitor) observeIdle(ctx context.Context, pod *corev1.Pod) (bool, error) {
	sessions, err := m.probe.ActiveSessions(ctx, pod)
	if err != nil {
		return false, fmt.Errorf("probing sessions: %w", err)
	}
	if sessions > 0 {
		return false, nil
	}

	if m.cpu == nil {
		return true, nil
	}
	millis, err := m.cpu.PodCPUMillis(ctx, pod)
	if err != nil {
		// Without a usable CPU sample the workspace is treated as busy:
		// a metrics-server outage must not shut anyone down.
		m.log.V(1).Info("cpu sample unavailable, treating workspace as active",
			"pod", pod.Name, "error", err.Error())
		return false, nil
	}
	return millis <= m.cfg.CPUIdleMillis, nil
}

// advance computes the next activity state from one observation.
func (m *Monitor) advance(prev ActivityState, idle bool, now time.Time) ActivityState {
	next := ActivityState{LastSample: metav1.NewTime(now)}
	if !idle {
		return next
	}
	stale := prev.LastSample.IsZero() ||
		now.Sub(prev.LastSample.Time) > m.cfg.SampleValidity.Duration
	if prev.IdleSince == nil || stale {
		// A fresh episode, or the previous record is too old to trust:
		// the idle clock starts over.
		t := metav1.NewTime(now)
		next.IdleSince = &t
		return next
	}
	next.IdleSince = prev.IdleSince
	return next
}

// persist writes the activity annotation back to the pod. Failures are
// logged only: losing one sample delays a shutdown by at most one
// interval.
func (m *Monitor) persist(ctx context.Context, pod *corev1.Pod, state ActivityState) {
	orig := pod.DeepCopy()
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	pod.Annotations[metadata.AnnotationActivity] = state.annotationValue()
	if err := m.client.Patch(ctx, pod, client.MergeFrom(orig)); err != nil {
		m.log.Error(err, "could not persist activity state",
			"pod", pod.Name, "namespace", pod.Namespace)
	}
}
