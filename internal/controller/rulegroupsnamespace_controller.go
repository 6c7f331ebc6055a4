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

// RuleGroupsNamespaceFinalizer blocks CR deletion until the remote namespace
// is gone.
const RuleGroupsNamespaceFinalizer = "metrics.observeworks.io/rulegroupsnamespace-finalizer"

// RuleGroupsNamespaceReconciler reconciles a RuleGroupsNamespace against the
// managed metrics service. The namespace name is unique per workspace; a
// remote namespace with the same name that this CR did not create is a
// terminal name collision, never something to adopt or overwrite.
//
// Configuration pushes settle asynchronously. An invalid rule file surfaces
// as CREATION_FAILED or UPDATE_FAILED in the remote status, and the service
// keeps serving the previous accepted configuration; status.data tracks that
// accepted blob while spec.configuration keeps the user's intent.
type RuleGroupsNamespaceReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Remote   metricsapi.Client
	Observed *ObservedStateCache
	Options  Options

	locks lockMap
}

// +kubebuilder:rbac:groups=metrics.observeworks.io,resources=rulegroupsnamespaces,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=metrics.observeworks.io,resources=rulegroupsnamespaces/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=metrics.observeworks.io,resources=rulegroupsnamespaces/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile drives a RuleGroupsNamespace toward its declared state.
func (r *RuleGroupsNamespaceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := logf.FromContext(ctx).WithValues("rulegroupsnamespace", req.NamespacedName)

	var rgn metricsv1alpha1.RuleGroupsNamespace
	if err := r.Get(ctx, req.NamespacedName, &rgn); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	lock := r.locks.getOrCreateLock(req.String())
	if !lock.TryLock() {
		logger.Info("Reconcile already in progress, requeueing")
		return ctrl.Result{RequeueAfter: ReconcileInProgressRequeueAfter}, nil
	}
	defer lock.Unlock()

	if !rgn.DeletionTimestamp.IsZero() {
		return r.finalize(ctx, &rgn)
	}

	if !controllerutil.ContainsFinalizer(&rgn, RuleGroupsNamespaceFinalizer) {
		controllerutil.AddFinalizer(&rgn, RuleGroupsNamespaceFinalizer)
		if err := r.Update(ctx, &rgn); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{}, nil
	}

	result, err := r.sync(ctx, &rgn)

	if statusErr := r.Status().Update(ctx, &rgn); statusErr != nil {
		logger.Error(statusErr, "Failed to update status")
		if err == nil {
			err = statusErr
		}
	}

	return result, err
}

func (r *RuleGroupsNamespaceReconciler) sync(ctx context.Context, rgn *metricsv1alpha1.RuleGroupsNamespace) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)
	gen := rgn.Generation

	if isTerminal(rgn.Status.Conditions) {
		if rgn.Status.ObservedGeneration == gen {
			return ctrl.Result{}, nil
		}
		clearTerminal(&rgn.Status.Conditions, gen)
	}

	key := cacheKey(rgn)
	hash := specHash(rgn.Spec.WorkspaceID, rgn.Spec.Name, rgn.Spec.Configuration, tagsHash(rgn.Spec.Tags))
	if rgn.Status.ObservedGeneration == gen && isSynced(rgn.Status.Conditions) && r.Observed.Converged(key, hash) {
		return ctrl.Result{}, nil
	}

	remote, err := r.Remote.DescribeRuleGroupsNamespace(ctx, rgn.Spec.WorkspaceID, rgn.Spec.Name)
	if metricsapi.IsNotFound(err) {
		if rgn.Status.StatusCode != "" {
			// This CR created the namespace before and now it is gone.
			logger.Info("Remote rule groups namespace missing", "name", rgn.Spec.Name)
			r.Observed.Forget(key)
			r.markRemoteMissing(rgn, gen, fmt.Sprintf("rule groups namespace %s no longer exists in workspace %s",
				rgn.Spec.Name, rgn.Spec.WorkspaceID))
			return ctrl.Result{}, nil
		}
		return r.create(ctx, rgn)
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	// A namespace exists under our name but this CR never created anything:
	// the name is owned by someone else.
	if rgn.Status.StatusCode == "" {
		msg := fmt.Sprintf("rule groups namespace %s already exists in workspace %s and is not managed by this resource",
			rgn.Spec.Name, rgn.Spec.WorkspaceID)
		r.Recorder.Event(rgn, corev1.EventTypeWarning, ReasonNameCollision, msg)
		setTerminal(&rgn.Status.Conditions, gen, metav1.ConditionTrue, ReasonNameCollision, msg)
		setSynced(&rgn.Status.Conditions, gen, metav1.ConditionFalse, ReasonNameCollision, msg)
		rgn.Status.ObservedGeneration = gen
		return ctrl.Result{}, nil
	}

	rgn.Status.ARN = remote.ARN
	rgn.Status.StatusCode = metricsv1alpha1.StatusCode(remote.Status.Code)
	rgn.Status.StatusReason = remote.Status.Reason
	if remote.Data != "" {
		rgn.Status.Data = remote.Data
	}

	switch {
	case rgn.Status.StatusCode.Transient():
		setSynced(&rgn.Status.Conditions, gen, metav1.ConditionFalse, reasonFor(rgn.Status.StatusCode),
			fmt.Sprintf("rule groups namespace %s is %s", rgn.Spec.Name, rgn.Status.StatusCode))
		rgn.Status.ObservedGeneration = gen
		return requeueFor(rgn.Status.StatusCode, r.Options.withDefaults()), nil

	case rgn.Status.StatusCode.Failed():
		// The failed status is stable; the service keeps serving the last
		// accepted configuration. A spec edit is the only way out, and it
		// heals through a put rather than delete-and-recreate.
		if rgn.Status.ObservedGeneration != gen {
			return r.put(ctx, rgn)
		}
		reason := ReasonCreationFailed
		if rgn.Status.StatusCode == metricsv1alpha1.StatusCodeUpdateFailed {
			reason = ReasonUpdateFailed
		}
		setSynced(&rgn.Status.Conditions, gen, metav1.ConditionTrue, reason, rgn.Status.StatusReason)
		rgn.Status.ObservedGeneration = gen
		return ctrl.Result{}, nil
	}

	// ACTIVE: converge tags, then the configuration blob.
	if result, done, err := r.syncTags(ctx, rgn, remote.Tags); done {
		return result, err
	}

	var observedData *string
	if remote.Data != "" {
		observedData = &remote.Data
	}
	if configChanged(rgn.Spec.Configuration, observedData) {
		return r.put(ctx, rgn)
	}

	setSynced(&rgn.Status.Conditions, gen, metav1.ConditionTrue, ReasonAvailable,
		fmt.Sprintf("rule groups namespace %s is active", rgn.Spec.Name))
	rgn.Status.ObservedGeneration = gen
	r.Observed.Record(key, metricsv1alpha1.StatusCodeActive, hash)
	return ctrl.Result{}, nil
}

func (r *RuleGroupsNamespaceReconciler) create(ctx context.Context, rgn *metricsv1alpha1.RuleGroupsNamespace) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)
	gen := rgn.Generation

	remote, err := r.Remote.CreateRuleGroupsNamespace(ctx, rgn.Spec.WorkspaceID, rgn.Spec.Name, rgn.Spec.Configuration, rgn.Spec.Tags)
	if err != nil {
		switch {
		case metricsapi.IsConflict(err):
			// Lost a race against another writer for the name.
			msg := fmt.Sprintf("rule groups namespace %s already exists in workspace %s", rgn.Spec.Name, rgn.Spec.WorkspaceID)
			r.Recorder.Event(rgn, corev1.EventTypeWarning, ReasonNameCollision, msg)
			setTerminal(&rgn.Status.Conditions, gen, metav1.ConditionTrue, ReasonNameCollision, msg)
			setSynced(&rgn.Status.Conditions, gen, metav1.ConditionFalse, ReasonNameCollision, msg)
			rgn.Status.ObservedGeneration = gen
			return ctrl.Result{}, nil
		case metricsapi.IsNotFound(err):
			// The parent workspace does not exist yet (or is still
			// creating). Poll until it shows up.
			setSynced(&rgn.Status.Conditions, gen, metav1.ConditionFalse, ReasonWorkspaceNotReady,
				fmt.Sprintf("workspace %s is not ready: %v", rgn.Spec.WorkspaceID, err))
			return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileCreating}, nil
		}
		return r.writeFailed(rgn, gen, "create", err)
	}

	logger.Info("Created rule groups namespace", "name", rgn.Spec.Name, "workspaceID", rgn.Spec.WorkspaceID)
	r.Recorder.Eventf(rgn, corev1.EventTypeNormal, "Created", "Created rule groups namespace %s", rgn.Spec.Name)

	rgn.Status.ARN = remote.ARN
	rgn.Status.StatusCode = metricsv1alpha1.StatusCode(remote.Status.Code)
	rgn.Status.StatusReason = remote.Status.Reason
	rgn.Status.ObservedGeneration = gen
	setSynced(&rgn.Status.Conditions, gen, metav1.ConditionFalse, ReasonCreating,
		fmt.Sprintf("rule groups namespace %s is being created", rgn.Spec.Name))

	return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileCreating}, nil
}

// put pushes spec.configuration to the service and transitions into the
// update poll loop. It serves both the ordinary update path and healing out
// of a failed state.
func (r *RuleGroupsNamespaceReconciler) put(ctx context.Context, rgn *metricsv1alpha1.RuleGroupsNamespace) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)
	gen := rgn.Generation

	logger.Info("Putting rule groups namespace configuration", "name", rgn.Spec.Name)
	remote, err := r.Remote.PutRuleGroupsNamespace(ctx, rgn.Spec.WorkspaceID, rgn.Spec.Name, rgn.Spec.Configuration)
	if err != nil {
		return r.writeFailed(rgn, gen, "update", err)
	}

	rgn.Status.StatusCode = metricsv1alpha1.StatusCode(remote.Status.Code)
	rgn.Status.StatusReason = remote.Status.Reason
	rgn.Status.ObservedGeneration = gen
	setSynced(&rgn.Status.Conditions, gen, metav1.ConditionFalse, ReasonUpdating,
		fmt.Sprintf("rule groups namespace %s is being updated", rgn.Spec.Name))

	return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileUpdating}, nil
}

// syncTags applies the partial tag patch. done reports that the sync pass
// must stop with the returned result; a terminal rejection carries no error,
// so done is what keeps the namespace from being reported available over a
// Terminal condition.
func (r *RuleGroupsNamespaceReconciler) syncTags(ctx context.Context, rgn *metricsv1alpha1.RuleGroupsNamespace, observed map[string]string) (ctrl.Result, bool, error) {
	set, remove := diffTags(rgn.Spec.Tags, observed)
	if len(set) > 0 {
		if err := r.Remote.TagResource(ctx, rgn.Status.ARN, set); err != nil {
			result, err := r.writeFailed(rgn, rgn.Generation, "tag update", err)
			return result, true, err
		}
	}
	if len(remove) > 0 {
		if err := r.Remote.UntagResource(ctx, rgn.Status.ARN, remove); err != nil {
			result, err := r.writeFailed(rgn, rgn.Generation, "tag removal", err)
			return result, true, err
		}
	}
	return ctrl.Result{}, false, nil
}

func (r *RuleGroupsNamespaceReconciler) writeFailed(rgn *metricsv1alpha1.RuleGroupsNamespace, gen int64, op string, err error) (ctrl.Result, error) {
	reason := ReasonUpdateError
	if op == "create" {
		reason = ReasonCreateError
	}
	if metricsapi.IsTerminal(err) {
		msg := fmt.Sprintf("rule groups namespace %s rejected: %v", op, err)
		r.Recorder.Event(rgn, corev1.EventTypeWarning, "TerminalFailure", msg)
		setTerminal(&rgn.Status.Conditions, gen, metav1.ConditionTrue, ReasonTerminalError, msg)
		setSynced(&rgn.Status.Conditions, gen, metav1.ConditionFalse, reason, msg)
		rgn.Status.ObservedGeneration = gen
		return ctrl.Result{}, nil
	}
	setSynced(&rgn.Status.Conditions, gen, metav1.ConditionFalse, reason,
		fmt.Sprintf("rule groups namespace %s failed: %v", op, err))
	return ctrl.Result{}, err
}

func (r *RuleGroupsNamespaceReconciler) markRemoteMissing(rgn *metricsv1alpha1.RuleGroupsNamespace, gen int64, msg string) {
	r.Recorder.Event(rgn, corev1.EventTypeWarning, ReasonRemoteResourceMissing, msg)
	setTerminal(&rgn.Status.Conditions, gen, metav1.ConditionTrue, ReasonRemoteResourceMissing, msg)
	setSynced(&rgn.Status.Conditions, gen, metav1.ConditionFalse, ReasonRemoteResourceMissing, msg)
	rgn.Status.ObservedGeneration = gen
}

func (r *RuleGroupsNamespaceReconciler) finalize(ctx context.Context, rgn *metricsv1alpha1.RuleGroupsNamespace) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(rgn, RuleGroupsNamespaceFinalizer) {
		return ctrl.Result{}, nil
	}

	key := cacheKey(rgn)
	if rgn.Status.StatusCode == "" {
		r.Observed.Forget(key)
		controllerutil.RemoveFinalizer(rgn, RuleGroupsNamespaceFinalizer)
		return ctrl.Result{}, r.Update(ctx, rgn)
	}

	_, err := r.Remote.DescribeRuleGroupsNamespace(ctx, rgn.Spec.WorkspaceID, rgn.Spec.Name)
	if metricsapi.IsNotFound(err) {
		logger.Info("Rule groups namespace deleted", "name", rgn.Spec.Name)
		r.Recorder.Eventf(rgn, corev1.EventTypeNormal, "Deleted", "Deleted rule groups namespace %s", rgn.Spec.Name)
		r.Observed.Forget(key)
		controllerutil.RemoveFinalizer(rgn, RuleGroupsNamespaceFinalizer)
		return ctrl.Result{}, r.Update(ctx, rgn)
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	if rgn.Status.StatusCode != metricsv1alpha1.StatusCodeDeleting {
		logger.Info("Deleting rule groups namespace", "name", rgn.Spec.Name)
		if err := r.Remote.DeleteRuleGroupsNamespace(ctx, rgn.Spec.WorkspaceID, rgn.Spec.Name); err != nil && !metricsapi.IsNotFound(err) {
			return ctrl.Result{}, err
		}
		r.Recorder.Eventf(rgn, corev1.EventTypeNormal, "Deleting", "Deleting rule groups namespace %s", rgn.Spec.Name)
	}

	rgn.Status.StatusCode = metricsv1alpha1.StatusCodeDeleting
	setSynced(&rgn.Status.Conditions, rgn.Generation, metav1.ConditionFalse, ReasonDeleting,
		fmt.Sprintf("rule groups namespace %s is being deleted", rgn.Spec.Name))
	if err := r.Status().Update(ctx, rgn); err != nil {
		logger.Error(err, "Failed to update status during deletion")
	}

	return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileDeleting}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *RuleGroupsNamespaceReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.Observed == nil {
		r.Observed = NewObservedStateCache(r.Options.ObservedTTL)
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&metricsv1alpha1.RuleGroupsNamespace{}).
		Named("rulegroupsnamespace").
		Complete(r)
}
