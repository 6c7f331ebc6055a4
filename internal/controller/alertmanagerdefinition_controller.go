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

// AlertManagerDefinitionFinalizer blocks CR deletion until the remote
// definition is gone.
const AlertManagerDefinitionFinalizer = "metrics.observeworks.io/alertmanagerdefinition-finalizer"

// AlertManagerDefinitionReconciler reconciles an AlertManagerDefinition
// against the managed metrics service. A workspace holds at most one
// definition, so the workspace ID is the whole remote identity. Finding a
// definition this CR did not create is a terminal error: the controller
// never adopts or overwrites a foreign singleton.
type AlertManagerDefinitionReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Remote   metricsapi.Client
	Observed *ObservedStateCache
	Options  Options

	locks lockMap
}

// +kubebuilder:rbac:groups=metrics.observeworks.io,resources=alertmanagerdefinitions,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=metrics.observeworks.io,resources=alertmanagerdefinitions/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=metrics.observeworks.io,resources=alertmanagerdefinitions/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile drives an AlertManagerDefinition toward its declared state.
func (r *AlertManagerDefinitionReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := logf.FromContext(ctx).WithValues("alertmanagerdefinition", req.NamespacedName)

	var amd metricsv1alpha1.AlertManagerDefinition
	if err := r.Get(ctx, req.NamespacedName, &amd); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	lock := r.locks.getOrCreateLock(req.String())
	if !lock.TryLock() {
		logger.Info("Reconcile already in progress, requeueing")
		return ctrl.Result{RequeueAfter: ReconcileInProgressRequeueAfter}, nil
	}
	defer lock.Unlock()

	if !amd.DeletionTimestamp.IsZero() {
		return r.finalize(ctx, &amd)
	}

	if !controllerutil.ContainsFinalizer(&amd, AlertManagerDefinitionFinalizer) {
		controllerutil.AddFinalizer(&amd, AlertManagerDefinitionFinalizer)
		if err := r.Update(ctx, &amd); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{}, nil
	}

	result, err := r.sync(ctx, &amd)

	if statusErr := r.Status().Update(ctx, &amd); statusErr != nil {
		logger.Error(statusErr, "Failed to update status")
		if err == nil {
			err = statusErr
		}
	}

	return result, err
}

func (r *AlertManagerDefinitionReconciler) sync(ctx context.Context, amd *metricsv1alpha1.AlertManagerDefinition) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)
	gen := amd.Generation

	if isTerminal(amd.Status.Conditions) {
		if amd.Status.ObservedGeneration == gen {
			return ctrl.Result{}, nil
		}
		clearTerminal(&amd.Status.Conditions, gen)
	}

	key := cacheKey(amd)
	hash := specHash(amd.Spec.WorkspaceID, amd.Spec.Configuration)
	if amd.Status.ObservedGeneration == gen && isSynced(amd.Status.Conditions) && r.Observed.Converged(key, hash) {
		return ctrl.Result{}, nil
	}

	remote, err := r.Remote.DescribeAlertManagerDefinition(ctx, amd.Spec.WorkspaceID)
	if metricsapi.IsNotFound(err) {
		if amd.Status.StatusCode != "" {
			logger.Info("Remote alert manager definition missing", "workspaceID", amd.Spec.WorkspaceID)
			r.Observed.Forget(key)
			r.markRemoteMissing(amd, gen, fmt.Sprintf("alert manager definition for workspace %s no longer exists", amd.Spec.WorkspaceID))
			return ctrl.Result{}, nil
		}
		return r.create(ctx, amd)
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	// The workspace already carries a definition this CR never created.
	if amd.Status.StatusCode == "" {
		msg := fmt.Sprintf("workspace %s already has an alert manager definition not managed by this resource", amd.Spec.WorkspaceID)
		r.Recorder.Event(amd, corev1.EventTypeWarning, ReasonAlreadyExists, msg)
		setTerminal(&amd.Status.Conditions, gen, metav1.ConditionTrue, ReasonAlreadyExists, msg)
		setSynced(&amd.Status.Conditions, gen, metav1.ConditionFalse, ReasonAlreadyExists, msg)
		amd.Status.ObservedGeneration = gen
		return ctrl.Result{}, nil
	}

	amd.Status.StatusCode = metricsv1alpha1.StatusCode(remote.Status.Code)
	amd.Status.StatusReason = remote.Status.Reason
	if remote.Data != "" {
		amd.Status.Data = remote.Data
	}

	switch {
	case amd.Status.StatusCode.Transient():
		setSynced(&amd.Status.Conditions, gen, metav1.ConditionFalse, reasonFor(amd.Status.StatusCode),
			fmt.Sprintf("alert manager definition for workspace %s is %s", amd.Spec.WorkspaceID, amd.Status.StatusCode))
		amd.Status.ObservedGeneration = gen
		return requeueFor(amd.Status.StatusCode, r.Options.withDefaults()), nil

	case amd.Status.StatusCode.Failed():
		if amd.Status.ObservedGeneration != gen {
			return r.put(ctx, amd)
		}
		reason := ReasonCreationFailed
		if amd.Status.StatusCode == metricsv1alpha1.StatusCodeUpdateFailed {
			reason = ReasonUpdateFailed
		}
		setSynced(&amd.Status.Conditions, gen, metav1.ConditionTrue, reason, amd.Status.StatusReason)
		amd.Status.ObservedGeneration = gen
		return ctrl.Result{}, nil
	}

	var observedData *string
	if remote.Data != "" {
		observedData = &remote.Data
	}
	if configChanged(amd.Spec.Configuration, observedData) {
		return r.put(ctx, amd)
	}

	setSynced(&amd.Status.Conditions, gen, metav1.ConditionTrue, ReasonAvailable,
		fmt.Sprintf("alert manager definition for workspace %s is active", amd.Spec.WorkspaceID))
	amd.Status.ObservedGeneration = gen
	r.Observed.Record(key, metricsv1alpha1.StatusCodeActive, hash)
	return ctrl.Result{}, nil
}

func (r *AlertManagerDefinitionReconciler) create(ctx context.Context, amd *metricsv1alpha1.AlertManagerDefinition) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)
	gen := amd.Generation

	remote, err := r.Remote.CreateAlertManagerDefinition(ctx, amd.Spec.WorkspaceID, amd.Spec.Configuration)
	if err != nil {
		switch {
		case metricsapi.IsConflict(err):
			msg := fmt.Sprintf("workspace %s already has an alert manager definition", amd.Spec.WorkspaceID)
			r.Recorder.Event(amd, corev1.EventTypeWarning, ReasonAlreadyExists, msg)
			setTerminal(&amd.Status.Conditions, gen, metav1.ConditionTrue, ReasonAlreadyExists, msg)
			setSynced(&amd.Status.Conditions, gen, metav1.ConditionFalse, ReasonAlreadyExists, msg)
			amd.Status.ObservedGeneration = gen
			return ctrl.Result{}, nil
		case metricsapi.IsNotFound(err):
			setSynced(&amd.Status.Conditions, gen, metav1.ConditionFalse, ReasonWorkspaceNotReady,
				fmt.Sprintf("workspace %s is not ready: %v", amd.Spec.WorkspaceID, err))
			return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileCreating}, nil
		}
		return r.writeFailed(amd, gen, "create", err)
	}

	logger.Info("Created alert manager definition", "workspaceID", amd.Spec.WorkspaceID)
	r.Recorder.Eventf(amd, corev1.EventTypeNormal, "Created", "Created alert manager definition for workspace %s", amd.Spec.WorkspaceID)

	amd.Status.StatusCode = metricsv1alpha1.StatusCode(remote.Status.Code)
	amd.Status.StatusReason = remote.Status.Reason
	amd.Status.ObservedGeneration = gen
	setSynced(&amd.Status.Conditions, gen, metav1.ConditionFalse, ReasonCreating,
		fmt.Sprintf("alert manager definition for workspace %s is being created", amd.Spec.WorkspaceID))

	return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileCreating}, nil
}

// put pushes spec.configuration, serving both updates and healing out of a
// failed state.
func (r *AlertManagerDefinitionReconciler) put(ctx context.Context, amd *metricsv1alpha1.AlertManagerDefinition) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)
	gen := amd.Generation

	logger.Info("Putting alert manager definition", "workspaceID", amd.Spec.WorkspaceID)
	remote, err := r.Remote.PutAlertManagerDefinition(ctx, amd.Spec.WorkspaceID, amd.Spec.Configuration)
	if err != nil {
		return r.writeFailed(amd, gen, "update", err)
	}

	amd.Status.StatusCode = metricsv1alpha1.StatusCode(remote.Status.Code)
	amd.Status.StatusReason = remote.Status.Reason
	amd.Status.ObservedGeneration = gen
	setSynced(&amd.Status.Conditions, gen, metav1.ConditionFalse, ReasonUpdating,
		fmt.Sprintf("alert manager definition for workspace %s is being updated", amd.Spec.WorkspaceID))

	return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileUpdating}, nil
}

func (r *AlertManagerDefinitionReconciler) writeFailed(amd *metricsv1alpha1.AlertManagerDefinition, gen int64, op string, err error) (ctrl.Result, error) {
	reason := ReasonUpdateError
	if op == "create" {
		reason = ReasonCreateError
	}
	if metricsapi.IsTerminal(err) {
		msg := fmt.Sprintf("alert manager definition %s rejected: %v", op, err)
		r.Recorder.Event(amd, corev1.EventTypeWarning, "TerminalFailure", msg)
		setTerminal(&amd.Status.Conditions, gen, metav1.ConditionTrue, ReasonTerminalError, msg)
		setSynced(&amd.Status.Conditions, gen, metav1.ConditionFalse, reason, msg)
		amd.Status.ObservedGeneration = gen
		return ctrl.Result{}, nil
	}
	setSynced(&amd.Status.Conditions, gen, metav1.ConditionFalse, reason,
		fmt.Sprintf("alert manager definition %s failed: %v", op, err))
	return ctrl.Result{}, err
}

func (r *AlertManagerDefinitionReconciler) markRemoteMissing(amd *metricsv1alpha1.AlertManagerDefinition, gen int64, msg string) {
	r.Recorder.Event(amd, corev1.EventTypeWarning, ReasonRemoteResourceMissing, msg)
	setTerminal(&amd.Status.Conditions, gen, metav1.ConditionTrue, ReasonRemoteResourceMissing, msg)
	setSynced(&amd.Status.Conditions, gen, metav1.ConditionFalse, ReasonRemoteResourceMissing, msg)
	amd.Status.ObservedGeneration = gen
}

func (r *AlertManagerDefinitionReconciler) finalize(ctx context.Context, amd *metricsv1alpha1.AlertManagerDefinition) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(amd, AlertManagerDefinitionFinalizer) {
		return ctrl.Result{}, nil
	}

	key := cacheKey(amd)
	if amd.Status.StatusCode == "" {
		r.Observed.Forget(key)
		controllerutil.RemoveFinalizer(amd, AlertManagerDefinitionFinalizer)
		return ctrl.Result{}, r.Update(ctx, amd)
	}

	_, err := r.Remote.DescribeAlertManagerDefinition(ctx, amd.Spec.WorkspaceID)
	if metricsapi.IsNotFound(err) {
		logger.Info("Alert manager definition deleted", "workspaceID", amd.Spec.WorkspaceID)
		r.Recorder.Eventf(amd, corev1.EventTypeNormal, "Deleted", "Deleted alert manager definition for workspace %s", amd.Spec.WorkspaceID)
		r.Observed.Forget(key)
		controllerutil.RemoveFinalizer(amd, AlertManagerDefinitionFinalizer)
		return ctrl.Result{}, r.Update(ctx, amd)
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	if amd.Status.StatusCode != metricsv1alpha1.StatusCodeDeleting {
		logger.Info("Deleting alert manager definition", "workspaceID", amd.Spec.WorkspaceID)
		if err := r.Remote.DeleteAlertManagerDefinition(ctx, amd.Spec.WorkspaceID); err != nil && !metricsapi.IsNotFound(err) {
			return ctrl.Result{}, err
		}
		r.Recorder.Eventf(amd, corev1.EventTypeNormal, "Deleting", "Deleting alert manager definition for workspace %s", amd.Spec.WorkspaceID)
	}

	amd.Status.StatusCode = metricsv1alpha1.StatusCodeDeleting
	setSynced(&amd.Status.Conditions, amd.Generation, metav1.ConditionFalse, ReasonDeleting,
		fmt.Sprintf("alert manager definition for workspace %s is being deleted", amd.Spec.WorkspaceID))
	if err := r.Status().Update(ctx, amd); err != nil {
		logger.Error(err, "Failed to update status during deletion")
	}

	return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileDeleting}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *AlertManagerDefinitionReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.Observed == nil {
		r.Observed = NewObservedStateCache(r.Options.ObservedTTL)
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&metricsv1alpha1.AlertManagerDefinition{}).
		Named("alertmanagerdefinition").
		Complete(r)
}
