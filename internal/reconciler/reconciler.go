// Package reconciler drives cluster state toward the desired state of a
// user workspace.
//
// Observed state is always re-derived from live cluster objects; nothing
// is persisted locally, so the reconciler survives operator restarts
// without any possibility of stale bookkeeping. All cluster mutations for
// one owner are serialized through a per-owner lock; mutations for
// distinct owners proceed fully in parallel.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/refaktory/kube-workspace/internal/api"
	"github.com/refaktory/kube-workspace/internal/config"
	"github.com/refaktory/kube-workspace/internal/metadata"
	"github.com/refaktory/kube-workspace/internal/metrics"
	"github.com/refaktory/kube-workspace/internal/names"
	"github.com/refaktory/kube-workspace/internal/template"
)

// Workspace is the observed state of one user workspace, rebuilt from the
// cluster on every call.
type Workspace struct {
	Owner string
	Phase api.WorkspacePhase

	// SSH is set when the workspace is running and reachable.
	SSH *api.SSHAddress

	// Info describes the running container, when a pod exists.
	Info *api.WorkspaceInfo

	// TemplateDrift is true when the running pod was rendered from an
	// older template than the current configuration. Drifted pods are
	// left running; the next stop/start cycle picks up the new template.
	TemplateDrift bool
}

// Options tune reconciliation behavior. The zero value gives sensible
// defaults.
type Options struct {
	// ReadyTimeout bounds the readiness wait at the end of EnsureRunning.
	// Zero or negative skips the wait and returns the provisioning state
	// immediately; callers poll Status instead.
	ReadyTimeout time.Duration

	// PollInterval between pod readiness checks.
	PollInterval time.Duration

	// Backoff overrides the retry schedule for transient cluster errors.
	Backoff *wait.Backoff

	// Metrics receives reconcile counts and latencies. May be nil.
	Metrics *metrics.Recorder
}

// defaultBackoff retries transient cluster errors five times over roughly
// six seconds.
var defaultBackoff = wait.Backoff{
	Steps:    5,
	Duration: 200 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

// Reconciler converges cluster state for user workspaces.
type Reconciler struct {
	client  client.Client
	cfg     *config.Config
	engine  *template.Engine
	log     logr.Logger
	metrics *metrics.Recorder

	locks        *ownerLocks
	backoff      wait.Backoff
	readyTimeout time.Duration
	pollInterval time.Duration
}

// New builds a Reconciler.
func New(
	c client.Client,
	cfg *config.Config,
	engine *template.Engine,
	log logr.Logger,
	opts Options,
) *Reconciler {
	backoff := defaultBackoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Reconciler{
		client:       c,
		cfg:          cfg,
		engine:       engine,
		log:          log,
		metrics:      opts.Metrics,
		locks:        newOwnerLocks(),
		backoff:      backoff,
		readyTimeout: opts.ReadyTimeout,
		pollInterval: pollInterval,
	}
}

// EnsureRunning converges the owner's workspace toward Running: namespace,
// home PVC, pod and service are created as needed, then the pod readiness
// is awaited within the configured budget.
//
// The call is idempotent: objects that already exist are reused, and the
// home PVC in particular is never recreated, preserving prior data.
func (r *Reconciler) EnsureRunning(ctx context.Context, owner string) (*Workspace, error) {
	start := time.Now()
	ws, err := r.ensureRunning(ctx, owner)
	r.metrics.ObserveReconcile("ensure_running", outcome(err), time.Since(start))
	return ws, err
}

func (r *Reconciler) ensureRunning(ctx context.Context, owner string) (*Workspace, error) {
	user := r.cfg.UserByName(owner)
	if user == nil {
		return nil, fmt.Errorf("reconciler: user %q is not whitelisted", owner)
	}

	// Render before any cluster call so validation errors reject the
	// request without touching the cluster.
	pod, err := r.engine.RenderPod(user)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.Acquire(owner)
	defer unlock()

	log := r.log.WithValues("owner", owner)

	if err := r.ensureNamespace(ctx, owner); err != nil {
		return nil, err
	}
	if err := r.ensurePVC(ctx, owner); err != nil {
		return nil, err
	}
	if err := r.ensurePod(ctx, owner, pod); err != nil {
		return nil, err
	}
	if err := r.ensureService(ctx, owner); err != nil {
		return nil, err
	}

	if r.readyTimeout > 0 {
		if err := r.awaitReady(ctx, owner); err != nil {
			return nil, err
		}
	}

	ws, err := r.observe(ctx, owner)
	if err != nil {
		return nil, err
	}
	log.Info("workspace ensured", "phase", ws.Phase)
	return ws, nil
}

// EnsureStopped deletes the owner's pod and service. The namespace and the
// home PVC are left untouched; user data survives every stop. Stopping an
// already-stopped workspace is a no-op success.
func (r *Reconciler) EnsureStopped(ctx context.Context, owner string) error {
	start := time.Now()
	err := r.ensureStopped(ctx, owner)
	r.metrics.ObserveReconcile("ensure_stopped", outcome(err), time.Since(start))
	return err
}

func (r *Reconciler) ensureStopped(ctx context.Context, owner string) error {
	unlock := r.locks.Acquire(owner)
	defer unlock()

	set := names.ForOwner(owner)

	// Both deletions are attempted even if the first fails, each with its
	// own retry budget, so a partial failure never reports false success.
	podErr := r.deleteWithRetry(ctx, "delete pod", &corev1.Pod{
		ObjectMeta: objectMeta(set.Pod, set.Namespace),
	})
	svcErr := r.deleteWithRetry(ctx, "delete service", &corev1.Service{
		ObjectMeta: objectMeta(set.Service, set.Namespace),
	})
	if err := errors.Join(podErr, svcErr); err != nil {
		return err
	}

	r.log.Info("workspace stopped", "owner", owner)
	return nil
}

// Destroy removes every resource of the workspace including the home PVC
// and the namespace. This is an explicit, separate operation; it is never
// part of a normal stop.
func (r *Reconciler) Destroy(ctx context.Context, owner string) error {
	unlock := r.locks.Acquire(owner)
	defer unlock()

	set := names.ForOwner(owner)
	err := errors.Join(
		r.deleteWithRetry(ctx, "delete pod", &corev1.Pod{
			ObjectMeta: objectMeta(set.Pod, set.Namespace),
		}),
		r.deleteWithRetry(ctx, "delete service", &corev1.Service{
			ObjectMeta: objectMeta(set.Service, set.Namespace),
		}),
		r.deleteWithRetry(ctx, "delete pvc", &corev1.PersistentVolumeClaim{
			ObjectMeta: objectMeta(set.PVC, set.Namespace),
		}),
		r.deleteWithRetry(ctx, "delete namespace", &corev1.Namespace{
			ObjectMeta: objectMeta(set.Namespace, ""),
		}),
	)
	if err != nil {
		return err
	}
	r.log.Info("workspace destroyed", "owner", owner)
	return nil
}

// Status observes the workspace without mutating anything.
func (r *Reconciler) Status(ctx context.Context, owner string) (*Workspace, error) {
	return r.observe(ctx, owner)
}

func (r *Reconciler) ensureNamespace(ctx context.Context, owner string) error {
	set := names.ForOwner(owner)
	ns := &corev1.Namespace{}
	err := r.client.Get(ctx, types.NamespacedName{Name: set.Namespace}, ns)
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return r.classify("get namespace", err)
	}
	return r.createWithRetry(ctx, "create namespace", r.engine.RenderNamespace(owner))
}

func (r *Reconciler) ensurePVC(ctx context.Context, owner string) error {
	set := names.ForOwner(owner)
	pvc := &corev1.PersistentVolumeClaim{}
	err := r.client.Get(ctx, types.NamespacedName{Name: set.PVC, Namespace: set.Namespace}, pvc)
	if err == nil {
		// Reused verbatim: the claim holds the user's home directory and
		// must never be recreated by the start path.
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return r.classify("get pvc", err)
	}
	return r.createWithRetry(ctx, "create pvc", r.engine.RenderPVC(owner))
}

func (r *Reconciler) ensurePod(ctx context.Context, owner string, rendered *corev1.Pod) error {
	set := names.ForOwner(owner)
	existing := &corev1.Pod{}
	err := r.client.Get(ctx, types.NamespacedName{Name: set.Pod, Namespace: set.Namespace}, existing)
	if err == nil {
		// An existing pod with a stale template hash is left running:
		// recreating it would kill the user's live sessions. Drift is
		// reported through observe().
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return r.classify("get pod", err)
	}
	return r.createWithRetry(ctx, "create pod", rendered)
}

func (r *Reconciler) ensureService(ctx context.Context, owner string) error {
	set := names.ForOwner(owner)
	svc := &corev1.Service{}
	err := r.client.Get(ctx, types.NamespacedName{Name: set.Service, Namespace: set.Namespace}, svc)
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return r.classify("get service", err)
	}
	return r.createWithRetry(ctx, "create service", r.engine.RenderService(owner))
}

// awaitReady polls the pod until its containers report ready or the budget
// runs out. Running out of budget is not an error: the caller receives the
// provisioning state and polls Status. A pod that exits is an error.
func (r *Reconciler) awaitReady(ctx context.Context, owner string) error {
	set := names.ForOwner(owner)
	var failed error
	_ = wait.PollUntilContextTimeout(ctx, r.pollInterval, r.readyTimeout, true,
		func(ctx context.Context) (bool, error) {
			pod := &corev1.Pod{}
			err := r.client.Get(ctx, types.NamespacedName{Name: set.Pod, Namespace: set.Namespace}, pod)
			if err != nil {
				if apierrors.IsNotFound(err) {
					return false, nil
				}
				if isTransient(err) {
					return false, nil
				}
				failed = r.classify("get pod", err)
				return false, failed
			}
			switch PhaseFromPod(pod) {
			case api.PhaseRunning:
				return true, nil
			case api.PhaseFailed:
				failed = &PermanentError{Op: "await ready", Err: fmt.Errorf("workspace pod for %q exited", owner)}
				return false, failed
			default:
				return false, nil
			}
		})
	return failed
}

// observe rebuilds the workspace view from live cluster objects.
func (r *Reconciler) observe(ctx context.Context, owner string) (*Workspace, error) {
	set := names.ForOwner(owner)
	ws := &Workspace{Owner: owner, Phase: api.PhaseAbsent}

	pod := &corev1.Pod{}
	err := r.client.Get(ctx, types.NamespacedName{Name: set.Pod, Namespace: set.Namespace}, pod)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ws, nil
		}
		return nil, r.classify("get pod", err)
	}

	ws.Phase = PhaseFromPod(pod)
	ws.Info = workspaceInfo(pod)
	ws.TemplateDrift = r.drifted(pod, owner)

	if ws.Phase == api.PhaseRunning {
		ssh, err := r.connectionInfo(ctx, owner, pod)
		if err != nil {
			return nil, err
		}
		ws.SSH = ssh
	}
	return ws, nil
}

// drifted reports whether the pod's recorded template hash differs from
// the hash of a fresh render for the same user.
func (r *Reconciler) drifted(pod *corev1.Pod, owner string) bool {
	recorded := pod.Labels[metadata.LabelTemplateHash]
	if recorded == "" {
		return false
	}
	user := r.cfg.UserByName(owner)
	if user == nil {
		return false
	}
	current, err := r.engine.RenderPod(user)
	if err != nil {
		return false
	}
	return current.Labels[metadata.LabelTemplateHash] != recorded
}

// connectionInfo resolves the externally reachable SSH endpoint: the node
// the pod landed on plus the service's NodePort.
func (r *Reconciler) connectionInfo(ctx context.Context, owner string, pod *corev1.Pod) (*api.SSHAddress, error) {
	set := names.ForOwner(owner)

	svc := &corev1.Service{}
	err := r.client.Get(ctx, types.NamespacedName{Name: set.Service, Namespace: set.Namespace}, svc)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, r.classify("get service", err)
	}
	var port int32
	for _, p := range svc.Spec.Ports {
		if p.Name == names.SSHPortName() {
			port = p.NodePort
		}
	}
	if port == 0 || pod.Spec.NodeName == "" {
		return nil, nil
	}

	node := &corev1.Node{}
	if err := r.client.Get(ctx, types.NamespacedName{Name: pod.Spec.NodeName}, node); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, r.classify("get node", err)
	}
	host := nodeAddress(node)
	if host == "" {
		return nil, nil
	}
	return &api.SSHAddress{Host: host, Port: port}, nil
}

// nodeAddress prefers an external address and falls back to the internal
// one for clusters reachable only from inside.
func nodeAddress(node *corev1.Node) string {
	var internal string
	for _, addr := range node.Status.Addresses {
		switch addr.Type {
		case corev1.NodeExternalIP, corev1.NodeExternalDNS:
			return addr.Address
		case corev1.NodeInternalIP:
			internal = addr.Address
		}
	}
	return internal
}

func workspaceInfo(pod *corev1.Pod) *api.WorkspaceInfo {
	if len(pod.Spec.Containers) == 0 {
		return nil
	}
	c := pod.Spec.Containers[0]
	info := &api.WorkspaceInfo{Image: c.Image}
	if cpu, ok := c.Resources.Limits[corev1.ResourceCPU]; ok {
		info.CPULimit = cpu.String()
	}
	if mem, ok := c.Resources.Limits[corev1.ResourceMemory]; ok {
		info.MemoryLimit = mem.String()
	}
	return info
}

// createWithRetry submits a create, treating AlreadyExists as success and
// retrying transient failures with backoff.
func (r *Reconciler) createWithRetry(ctx context.Context, op string, obj client.Object) error {
	return r.withRetry(ctx, op, func() error {
		err := r.client.Create(ctx, obj)
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return err
	})
}

// deleteWithRetry submits a delete, treating NotFound as success and
// retrying transient failures with backoff.
func (r *Reconciler) deleteWithRetry(ctx context.Context, op string, obj client.Object) error {
	return r.withRetry(ctx, op, func() error {
		err := r.client.Delete(ctx, obj)
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// withRetry runs fn under the transient-error retry policy: transient
// cluster errors are retried with exponential backoff up to the attempt
// budget, everything else fails the request immediately.
func (r *Reconciler) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, r.backoff, func(ctx context.Context) (bool, error) {
		err := fn()
		if err == nil {
			return true, nil
		}
		if !isTransient(err) {
			return false, &PermanentError{Op: op, Err: err}
		}
		lastErr = err
		r.log.V(1).Info("transient cluster error, retrying", "operation", op, "error", err.Error())
		return false, nil
	})
	if err == nil {
		return nil
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return perm
	}
	if lastErr != nil {
		return &TransientError{Op: op, Err: lastErr}
	}
	return &TransientError{Op: op, Err: err}
}

func (r *Reconciler) classify(op string, err error) error {
	if isTransient(err) {
		return &TransientError{Op: op, Err: err}
	}
	return &PermanentError{Op: op, Err: err}
}

func objectMeta(name, namespace string) metav1.ObjectMeta {
	return metav1.ObjectMeta{Name: name, Namespace: namespace}
}

func outcome(err error) string {
	if err != nil {
		return metrics.OutcomeError
	}
	return metrics.OutcomeSuccess
}
