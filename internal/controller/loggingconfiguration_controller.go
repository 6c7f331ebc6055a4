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

// LoggingConfigurationFinalizer blocks CR deletion until the remote
// configuration is gone.
const LoggingConfigurationFinalizer = "metrics.observeworks.io/loggingconfiguration-finalizer"

// LoggingConfigurationReconciler reconciles a LoggingConfiguration against
// the managed metrics service. Like the alert manager definition, a
// workspace holds at most one logging configuration, keyed by workspace ID
// alone. The only mutable field is the destination log group ARN.
type LoggingConfigurationReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Remote   metricsapi.Client
	Observed *ObservedStateCache
	Options  Options

	locks lockMap
}

// +kubebuilder:rbac:groups=metrics.observeworks.io,resources=loggingconfigurations,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=metrics.observeworks.io,resources=loggingconfigurations/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=metrics.observeworks.io,resources=loggingconfigurations/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile drives a LoggingConfiguration toward its declared state.
func (r *LoggingConfigurationReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := logf.FromContext(ctx).WithValues("loggingconfiguration", req.NamespacedName)

	var lc metricsv1alpha1.LoggingConfiguration
	if err := r.Get(ctx, req.NamespacedName, &lc); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	lock := r.locks.getOrCreateLock(req.String())
	if !lock.TryLock() {
		logger.Info("Reconcile already in progress, requeueing")
		return ctrl.Result{RequeueAfter: ReconcileInProgressRequeueAfter}, nil
	}
	defer lock.Unlock()

	if !lc.DeletionTimestamp.IsZero() {
		return r.finalize(ctx, &lc)
	}

	if !controllerutil.ContainsFinalizer(&lc, LoggingConfigurationFinalizer) {
		controllerutil.AddFinalizer(&lc, LoggingConfigurationFinalizer)
		if err := r.Update(ctx, &lc); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{}, nil
	}

	result, err := r.sync(ctx, &lc)

	if statusErr := r.Status().Update(ctx, &lc); statusErr != nil {
		logger.Error(statusErr, "Failed to update status")
		if err == nil {
			err = statusErr
		}
	}

	return result, err
}

func (r *LoggingConfigurationReconciler) sync(ctx context.Context, lc *metricsv1alpha1.LoggingConfiguration) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)
	gen := lc.Generation

	if isTerminal(lc.Status.Conditions) {
		if lc.Status.ObservedGeneration == gen {
			return ctrl.Result{}, nil
		}
		clearTerminal(&lc.Status.Conditions, gen)
	}

	key := cacheKey(lc)
	hash := specHash(lc.Spec.WorkspaceID, lc.Spec.LogGroupARN)
	if lc.Status.ObservedGeneration == gen && isSynced(lc.Status.Conditions) && r.Observed.Converged(key, hash) {
		return ctrl.Result{}, nil
	}

	remote, err := r.Remote.DescribeLoggingConfiguration(ctx, lc.Spec.WorkspaceID)
	if metricsapi.IsNotFound(err) {
		if lc.Status.StatusCode != "" {
			logger.Info("Remote logging configuration missing", "workspaceID", lc.Spec.WorkspaceID)
			r.Observed.Forget(key)
			r.markRemoteMissing(lc, gen, fmt.Sprintf("logging configuration for workspace %s no longer exists", lc.Spec.WorkspaceID))
			return ctrl.Result{}, nil
		}
		return r.create(ctx, lc)
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	// The workspace already carries a logging configuration this CR never
	// created.
	if lc.Status.StatusCode == "" {
		msg := fmt.Sprintf("workspace %s already has a logging configuration not managed by this resource", lc.Spec.WorkspaceID)
		r.Recorder.Event(lc, corev1.EventTypeWarning, ReasonAlreadyExists, msg)
		setTerminal(&lc.Status.Conditions, gen, metav1.ConditionTrue, ReasonAlreadyExists, msg)
		setSynced(&lc.Status.Conditions, gen, metav1.ConditionFalse, ReasonAlreadyExists, msg)
		lc.Status.ObservedGeneration = gen
		return ctrl.Result{}, nil
	}

	lc.Status.StatusCode = metricsv1alpha1.StatusCode(remote.Status.Code)
	lc.Status.StatusReason = remote.Status.Reason
	lc.Status.LogGroupARN = remote.LogGroupARN

	switch {
	case lc.Status.StatusCode.Transient():
		setSynced(&lc.Status.Conditions, gen, metav1.ConditionFalse, reasonFor(lc.Status.StatusCode),
			fmt.Sprintf("logging configuration for workspace %s is %s", lc.Spec.WorkspaceID, lc.Status.StatusCode))
		lc.Status.ObservedGeneration = gen
		return requeueFor(lc.Status.StatusCode, r.Options.withDefaults()), nil

	case lc.Status.StatusCode.Failed():
		if lc.Status.ObservedGeneration != gen {
			return r.update(ctx, lc)
		}
		reason := ReasonCreationFailed
		if lc.Status.StatusCode == metricsv1alpha1.StatusCodeUpdateFailed {
			reason = ReasonUpdateFailed
		}
		setSynced(&lc.Status.Conditions, gen, metav1.ConditionTrue, reason, lc.Status.StatusReason)
		lc.Status.ObservedGeneration = gen
		return ctrl.Result{}, nil
	}

	if remote.LogGroupARN != lc.Spec.LogGroupARN {
		return r.update(ctx, lc)
	}

	setSynced(&lc.Status.Conditions, gen, metav1.ConditionTrue, ReasonAvailable,
		fmt.Sprintf("logging configuration for workspace %s is active", lc.Spec.WorkspaceID))
	lc.Status.ObservedGeneration = gen
	r.Observed.Record(key, metricsv1alpha1.StatusCodeActive, hash)
	return ctrl.Result{}, nil
}

func (r *LoggingConfigurationReconciler) create(ctx context.Context, lc *metricsv1alpha1.LoggingConfiguration) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)
	gen := lc.Generation

	remote, err := r.Remote.CreateLoggingConfiguration(ctx, lc.Spec.WorkspaceID, lc.Spec.LogGroupARN)
	if err != nil {
		switch {
		case metricsapi.IsConflict(err):
			msg := fmt.Sprintf("workspace %s already has a logging configuration", lc.Spec.WorkspaceID)
			r.Recorder.Event(lc, corev1.EventTypeWarning, ReasonAlreadyExists, msg)
			setTerminal(&lc.Status.Conditions, gen, metav1.ConditionTrue, ReasonAlreadyExists, msg)
			setSynced(&lc.Status.Conditions, gen, metav1.ConditionFalse, ReasonAlreadyExists, msg)
			lc.Status.ObservedGeneration = gen
			return ctrl.Result{}, nil
		case metricsapi.IsNotFound(err):
			setSynced(&lc.Status.Conditions, gen, metav1.ConditionFalse, ReasonWorkspaceNotReady,
				fmt.Sprintf("workspace %s is not ready: %v", lc.Spec.WorkspaceID, err))
			return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileCreating}, nil
		}
		return r.writeFailed(lc, gen, "create", err)
	}

	logger.Info("Created logging configuration", "workspaceID", lc.Spec.WorkspaceID)
	r.Recorder.Eventf(lc, corev1.EventTypeNormal, "Created", "Created logging configuration for workspace %s", lc.Spec.WorkspaceID)

	lc.Status.StatusCode = metricsv1alpha1.StatusCode(remote.Status.Code)
	lc.Status.StatusReason = remote.Status.Reason
	lc.Status.ObservedGeneration = gen
	setSynced(&lc.Status.Conditions, gen, metav1.ConditionFalse, ReasonCreating,
		fmt.Sprintf("logging configuration for workspace %s is being created", lc.Spec.WorkspaceID))

	return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileCreating}, nil
}

func (r *LoggingConfigurationReconciler) update(ctx context.Context, lc *metricsv1alpha1.LoggingConfiguration) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)
	gen := lc.Generation

	logger.Info("Updating logging configuration", "workspaceID", lc.Spec.WorkspaceID)
	remote, err := r.Remote.UpdateLoggingConfiguration(ctx, lc.Spec.WorkspaceID, lc.Spec.LogGroupARN)
	if err != nil {
		return r.writeFailed(lc, gen, "update", err)
	}

	lc.Status.StatusCode = metricsv1alpha1.StatusCode(remote.Status.Code)
	lc.Status.StatusReason = remote.Status.Reason
	lc.Status.ObservedGeneration = gen

	// Some control planes apply the change synchronously; only poll when
	// the service reports an in-flight transition.
	if lc.Status.StatusCode.Transient() {
		setSynced(&lc.Status.Conditions, gen, metav1.ConditionFalse, ReasonUpdating,
			fmt.Sprintf("logging configuration for workspace %s is being updated", lc.Spec.WorkspaceID))
		return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileUpdating}, nil
	}

	lc.Status.LogGroupARN = remote.LogGroupARN
	setSynced(&lc.Status.Conditions, gen, metav1.ConditionTrue, ReasonAvailable,
		fmt.Sprintf("logging configuration for workspace %s is active", lc.Spec.WorkspaceID))
	r.Observed.Record(cacheKey(lc), metricsv1alpha1.StatusCodeActive, specHash(lc.Spec.WorkspaceID, lc.Spec.LogGroupARN))
	return ctrl.Result{}, nil
}

func (r *LoggingConfigurationReconciler) writeFailed(lc *metricsv1alpha1.LoggingConfiguration, gen int64, op string, err error) (ctrl.Result, error) {
	reason := ReasonUpdateError
	if op == "create" {
		reason = ReasonCreateError
	}
	if metricsapi.IsTerminal(err) {
		msg := fmt.Sprintf("logging configuration %s rejected: %v", op, err)
		r.Recorder.Event(lc, corev1.EventTypeWarning, "TerminalFailure", msg)
		setTerminal(&lc.Status.Conditions, gen, metav1.ConditionTrue, ReasonTerminalError, msg)
		setSynced(&lc.Status.Conditions, gen, metav1.ConditionFalse, reason, msg)
		lc.Status.ObservedGeneration = gen
		return ctrl.Result{}, nil
	}
	setSynced(&lc.Status.Conditions, gen, metav1.ConditionFalse, reason,
		fmt.Sprintf("logging configuration %s failed: %v", op, err))
	return ctrl.Result{}, err
}

func (r *LoggingConfigurationReconciler) markRemoteMissing(lc *metricsv1alpha1.LoggingConfiguration, gen int64, msg string) {
	r.Recorder.Event(lc, corev1.EventTypeWarning, ReasonRemoteResourceMissing, msg)
	setTerminal(&lc.Status.Conditions, gen, metav1.ConditionTrue, ReasonRemoteResourceMissing, msg)
	setSynced(&lc.Status.Conditions, gen, metav1.ConditionFalse, ReasonRemoteResourceMissing, msg)
	lc.Status.ObservedGeneration = gen
}

func (r *LoggingConfigurationReconciler) finalize(ctx context.Context, lc *metricsv1alpha1.LoggingConfiguration) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(lc, LoggingConfigurationFinalizer) {
		return ctrl.Result{}, nil
	}

	key := cacheKey(lc)
	if lc.Status.StatusCode == "" {
		r.Observed.Forget(key)
		controllerutil.RemoveFinalizer(lc, LoggingConfigurationFinalizer)
		return ctrl.Result{}, r.Update(ctx, lc)
	}

	_, err := r.Remote.DescribeLoggingConfiguration(ctx, lc.Spec.WorkspaceID)
	if metricsapi.IsNotFound(err) {
		logger.Info("Logging configuration deleted", "workspaceID", lc.Spec.WorkspaceID)
		r.Recorder.Eventf(lc, corev1.EventTypeNormal, "Deleted", "Deleted logging configuration for workspace %s", lc.Spec.WorkspaceID)
		r.Observed.Forget(key)
		controllerutil.RemoveFinalizer(lc, LoggingConfigurationFinalizer)
		return ctrl.Result{}, r.Update(ctx, lc)
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	if lc.Status.StatusCode != metricsv1alpha1.StatusCodeDeleting {
		logger.Info("Deleting logging configuration", "workspaceID", lc.Spec.WorkspaceID)
		if err := r.Remote.DeleteLoggingConfiguration(ctx, lc.Spec.WorkspaceID); err != nil && !metricsapi.IsNotFound(err) {
			return ctrl.Result{}, err
		}
		r.Recorder.Eventf(lc, corev1.EventTypeNormal, "Deleting", "Deleting logging configuration for workspace %s", lc.Spec.WorkspaceID)
	}

	lc.Status.StatusCode = metricsv1alpha1.StatusCodeDeleting
	setSynced(&lc.Status.Conditions, lc.Generation, metav1.ConditionFalse, ReasonDeleting,
		fmt.Sprintf("logging configuration for workspace %s is being deleted", lc.Spec.WorkspaceID))
	if err := r.Status().Update(ctx, lc); err != nil {
		logger.Error(err, "Failed to update status during deletion")
	}

	return ctrl.Result{RequeueAfter: r.Options.withDefaults().RequeueWhileDeleting}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *LoggingConfigurationReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.Observed == nil {
		r.Observed = NewObservedStateCache(r.Options.ObservedTTL)
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&metricsv1alpha1.LoggingConfiguration{}).
		Named("loggingconfiguration").
		Complete(r)
}
