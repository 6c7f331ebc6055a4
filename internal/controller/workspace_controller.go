package controller

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	metricsv1alpha1 "github.com/observeworks/metrics-operator/api/v1alpha1"
	"github.com/observeworks/metrics-operator/internal/metricsapi"
)

// WorkspaceFinalizer blocks CR deletion until the remote workspace is gone.
const WorkspaceFinalizer = "metrics.observeworks.io/workspace-finalizer"

// WorkspaceReconciler reconciles a Workspace object against the managed
// metrics service. A workspace creates asynchronously: the create call
// returns CREATING and the reconciler polls until the service settles it
// into ACTIVE or CREATION_FAILED. Alias and tag changes apply in place
// without recreating the workspace.
type WorkspaceReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Remote   metricsapi.Client
	Observed *ObservedStateCache
	Options  Options

	locks lockMap
}

// +kubebuilder:rbac:groups=metrics.observeworks.io,resources=workspaces,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=metrics.observeworks.io,resources=workspaces/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=metrics.observeworks.io,resources=workspaces/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile drives a Workspace toward its declared state.
// The flow is observe-then-diff: every decision is based on a fresh remote
// read (or a recent cached one), never on what a previous mutating call
// claimed to have done.
func (r *WorkspaceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := logf.FromContext(ctx).WithValues("workspace", req.NamespacedName)

	var ws metricsv1alpha1.Workspace
	if err := r.Get(ctx, req.NamespacedName, &ws); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	// At most one reconcile per object. A concurrent request backs off
	// instead of blocking a worker.
	lock := r.locks.getOrCreateLock(req.String())
	if !lock.TryLock() {
		logger.Info("Reconcile already in progress, requeueing")
		return ctrl.Result{RequeueAfter: ReconcileInProgressRequeueAfter}, nil
	}
	defer lock.Unlock()

	if !ws.DeletionTimestamp.IsZero() {
		return r.finalize(ctx, &ws)
	}

	if !controllerutil.ContainsFinalizer(&ws, WorkspaceFinalizer) {
		controllerutil.AddFinalizer(&ws, WorkspaceFinalizer)
		if err := r.Update(ctx, &ws); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{}, nil
	}

	result, err := r.sync(ctx, &ws)

	if statusErr := r.Status().Update(ctx, &ws); statusErr != nil {
		logger.Error(statusErr, "Failed to update status")
		if err == nil {
			err = statusErr
		}
	}

	return result, err
}

func (r *WorkspaceReconciler) sync(ctx context.Context, ws *metricsv1alpha1.Workspace) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)
	gen := ws.Generation

	if isTerminal(ws.Status.Conditions) {
		if ws.Status.ObservedGeneration == gen {
			// Terminal and unchanged: nothing the controller can do.
			return ctrl.Result{}, nil
		}
		clearTerminal(&ws.Status.Conditions, gen)
	}

	// No remote identity recorded means this CR never created anything.
	if ws.Status.WorkspaceID == "" {
		return r.create(ctx, ws)
	}

	key := cacheKey(ws)
	hash := specHash(ws.Spec.Alias, tagsHash(ws.Spec.Tags))
	if ws.Status.ObservedGeneration == gen && isSynced(ws.Status.Conditions) && r.Observed.Converged(key, hash) {
		return ctrl.Result{}, nil
	}

	remote, err := r.Remote.DescribeWorkspace(ctx, ws.Status.WorkspaceID)
	if metricsapi.IsNotFound(err) {
		// The workspace was deleted out of band. Recreating it would assign
		// a new ID and silently replace infrastructure nobody asked for, so
		// surface the divergence instead.
		logger.Info("Remote workspace missing", "workspaceID", ws.Status.WorkspaceID)
		r.Observed.Forget(key)
		r.markRemoteMissing(ws, gen, fmt.Sprintf("workspace %s no longer exists in the metrics service", ws.Status.WorkspaceID))
		return ctrl.Result{}, nil
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	ws.Status.ARN = remote.ARN
	ws.Status.StatusCode = metricsv1alpha1.StatusCode(remote.Status.Code)
	ws.Status.StatusReason = remote.Status.Reason

	switch {
	case ws.Status.StatusCode.Transient():
		setSynced(&ws.Status.Conditions, gen, metav1.ConditionFalse, reasonFor(ws.Status.StatusCode),
			fmt.Sprintf("workspace %s is %s", ws.Status.WorkspaceID, ws.Status.StatusCode))
		ws.Status.ObservedGeneration = gen
		return requeueFor(ws.Status.StatusCode, r.Options.withDefaults()), nil

	case ws.Status.StatusCode.Failed():
		// A failed status is stable and accurately reported; Synced is true.
		// A spec edit is the only way out: a workspace that never finished
		// creating is retired and recreated, a failed in-place update is
		// re-applied against the live workspace.
		if ws.Status.ObservedGeneration != gen {
			if ws.Status.StatusCode == metricsv1alpha1.StatusCodeCreationFailed {
				logger.Info("Retrying failed workspace creation", "workspaceID", ws.Status.WorkspaceID)
				if err := r.Remote.DeleteWorkspace(ctx, ws.Status.WorkspaceID); err != nil && !metricsapi.IsNotFound(err) {
					return ctrl.Result{}, err
				}
				r.Observed.Forget(key)
				return r.create(ctx, ws)
			}
			if remote.Alias != ws.Spec.Alias {
				if err := r.Remote.UpdateWorkspaceAlias(ctx, ws.Status.WorkspaceID, ws.Spec.Alias); err != nil {
					return r.writeFailed(ws, gen, "alias update", err)
				}
			}
			if result, done, err := r.syncTags(ctx, ws, remote.Tags); done {
				return result, err
			}
			setSynced(&ws.Status.Conditions, gen, metav1.ConditionFalse, ReasonUpdating,
				fmt.Sprintf("workspace %s update re-applied", ws.Status.WorkspaceID))
			ws.Status.ObservedGeneration = gen
			return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileUpdating}, nil
		}
		reason := ReasonCreationFailed
		if ws.Status.StatusCode == metricsv1alpha1.StatusCodeUpdateFailed {
			reason = ReasonUpdateFailed
		}
		setSynced(&ws.Status.Conditions, gen, metav1.ConditionTrue, reason, ws.Status.StatusReason)
		ws.Status.ObservedGeneration = gen
		return ctrl.Result{}, nil
	}

	// ACTIVE: converge alias and tags in place.
	if remote.Alias != ws.Spec.Alias {
		logger.Info("Updating workspace alias", "workspaceID", ws.Status.WorkspaceID)
		if err := r.Remote.UpdateWorkspaceAlias(ctx, ws.Status.WorkspaceID, ws.Spec.Alias); err != nil {
			return r.writeFailed(ws, gen, "alias update", err)
		}
	}
	if result, done, err := r.syncTags(ctx, ws, remote.Tags); done {
		return result, err
	}

	setSynced(&ws.Status.Conditions, gen, metav1.ConditionTrue, ReasonAvailable,
		fmt.Sprintf("workspace %s is active", ws.Status.WorkspaceID))
	ws.Status.ObservedGeneration = gen
	r.Observed.Record(key, metricsv1alpha1.StatusCodeActive, hash)
	return ctrl.Result{}, nil
}

func (r *WorkspaceReconciler) create(ctx context.Context, ws *metricsv1alpha1.Workspace) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)

	remote, err := r.Remote.CreateWorkspace(ctx, ws.Spec.Alias, ws.Spec.Tags)
	if err != nil {
		return r.writeFailed(ws, ws.Generation, "create", err)
	}

	logger.Info("Created workspace", "workspaceID", remote.ID)
	r.Recorder.Eventf(ws, corev1.EventTypeNormal, "Created", "Created workspace %s", remote.ID)

	ws.Status.WorkspaceID = remote.ID
	ws.Status.ARN = remote.ARN
	ws.Status.StatusCode = metricsv1alpha1.StatusCode(remote.Status.Code)
	ws.Status.StatusReason = remote.Status.Reason
	ws.Status.ObservedGeneration = ws.Generation
	setSynced(&ws.Status.Conditions, ws.Generation, metav1.ConditionFalse, ReasonCreating,
		fmt.Sprintf("workspace %s is being created", remote.ID))

	return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileCreating}, nil
}

// syncTags applies the partial tag patch against the remote workspace. done
// reports that the sync pass must stop with the returned result: either the
// patch needs a retry, or it was terminally rejected. A terminal rejection
// carries no error, so done is the signal the caller must honor: the
// workspace must not be reported available over a Terminal condition.
func (r *WorkspaceReconciler) syncTags(ctx context.Context, ws *metricsv1alpha1.Workspace, observed map[string]string) (ctrl.Result, bool, error) {
	set, remove := diffTags(ws.Spec.Tags, observed)
	if len(set) > 0 {
		if err := r.Remote.TagResource(ctx, ws.Status.ARN, set); err != nil {
			result, err := r.writeFailed(ws, ws.Generation, "tag update", err)
			return result, true, err
		}
	}
	if len(remove) > 0 {
		if err := r.Remote.UntagResource(ctx, ws.Status.ARN, remove); err != nil {
			result, err := r.writeFailed(ws, ws.Generation, "tag removal", err)
			return result, true, err
		}
	}
	return ctrl.Result{}, false, nil
}

// writeFailed classifies a failed mutating call. Terminal rejections stop
// reconciliation until the spec changes; anything else is retried with the
// controller's backoff.
func (r *WorkspaceReconciler) writeFailed(ws *metricsv1alpha1.Workspace, gen int64, op string, err error) (ctrl.Result, error) {
	reason := ReasonUpdateError
	if op == "create" {
		reason = ReasonCreateError
	}
	if metricsapi.IsTerminal(err) {
		msg := fmt.Sprintf("workspace %s rejected: %v", op, err)
		r.Recorder.Event(ws, corev1.EventTypeWarning, "TerminalFailure", msg)
		setTerminal(&ws.Status.Conditions, gen, metav1.ConditionTrue, ReasonTerminalError, msg)
		setSynced(&ws.Status.Conditions, gen, metav1.ConditionFalse, reason, msg)
		ws.Status.ObservedGeneration = gen
		return ctrl.Result{}, nil
	}
	setSynced(&ws.Status.Conditions, gen, metav1.ConditionFalse, reason,
		fmt.Sprintf("workspace %s failed: %v", op, err))
	return ctrl.Result{}, err
}

func (r *WorkspaceReconciler) markRemoteMissing(ws *metricsv1alpha1.Workspace, gen int64, msg string) {
	r.Recorder.Event(ws, corev1.EventTypeWarning, ReasonRemoteResourceMissing, msg)
	setTerminal(&ws.Status.Conditions, gen, metav1.ConditionTrue, ReasonRemoteResourceMissing, msg)
	setSynced(&ws.Status.Conditions, gen, metav1.ConditionFalse, ReasonRemoteResourceMissing, msg)
	ws.Status.ObservedGeneration = gen
}

// finalize tears down the remote workspace before releasing the CR. The
// finalizer is only removed once a describe confirms the workspace is gone;
// the delete call itself proves nothing in an asynchronous control plane.
func (r *WorkspaceReconciler) finalize(ctx context.Context, ws *metricsv1alpha1.Workspace) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(ws, WorkspaceFinalizer) {
		return ctrl.Result{}, nil
	}

	key := cacheKey(ws)
	if ws.Status.WorkspaceID == "" {
		// Nothing was ever created remotely.
		r.Observed.Forget(key)
		controllerutil.RemoveFinalizer(ws, WorkspaceFinalizer)
		return ctrl.Result{}, r.Update(ctx, ws)
	}

	remote, err := r.Remote.DescribeWorkspace(ctx, ws.Status.WorkspaceID)
	if metricsapi.IsNotFound(err) {
		logger.Info("Workspace deleted", "workspaceID", ws.Status.WorkspaceID)
		r.Recorder.Eventf(ws, corev1.EventTypeNormal, "Deleted", "Deleted workspace %s", ws.Status.WorkspaceID)
		r.Observed.Forget(key)
		controllerutil.RemoveFinalizer(ws, WorkspaceFinalizer)
		return ctrl.Result{}, r.Update(ctx, ws)
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	if remote.Status.Code != metricsapi.StatusDeleting {
		logger.Info("Deleting workspace", "workspaceID", ws.Status.WorkspaceID)
		if err := r.Remote.DeleteWorkspace(ctx, ws.Status.WorkspaceID); err != nil && !metricsapi.IsNotFound(err) {
			return ctrl.Result{}, err
		}
		r.Recorder.Eventf(ws, corev1.EventTypeNormal, "Deleting", "Deleting workspace %s", ws.Status.WorkspaceID)
	}

	ws.Status.StatusCode = metricsv1alpha1.StatusCodeDeleting
	setSynced(&ws.Status.Conditions, ws.Generation, metav1.ConditionFalse, ReasonDeleting,
		fmt.Sprintf("workspace %s is being deleted", ws.Status.WorkspaceID))
	if err := r.Status().Update(ctx, ws); err != nil {
		logger.Error(err, "Failed to update status during deletion")
	}

	return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileDeleting}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *WorkspaceReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.Observed == nil {
		r.Observed = NewObservedStateCache(r.Options.ObservedTTL)
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&metricsv1alpha1.Workspace{}).
		Named("workspace").
		Complete(r)
}
