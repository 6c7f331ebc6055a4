package controller

import (
	ctrl "sigs.k8s.io/controller-runtime"

	metricsv1alpha1 "github.com/observeworks/metrics-operator/api/v1alpha1"
)

// requeueFor returns the poll request for a transient remote status. Stable
// statuses (ACTIVE and the failed codes) return an empty result: they are
// only ever re-entered by an external trigger, never by a timer.
func requeueFor(code metricsv1alpha1.StatusCode, opts Options) ctrl.Result {
	switch code {
	case metricsv1alpha1.StatusCodeCreating:
		return ctrl.Result{RequeueAfter: opts.RequeueWhileCreating}
	case metricsv1alpha1.StatusCodeUpdating:
		return ctrl.Result{RequeueAfter: opts.RequeueWhileUpdating}
	case metricsv1alpha1.StatusCodeDeleting:
		return ctrl.Result{RequeueAfter: opts.RequeueWhileDeleting}
	}
	return ctrl.Result{}
}

// reasonFor maps a transient remote status to its Synced=False reason.
func reasonFor(code metricsv1alpha1.StatusCode) string {
	switch code {
	case metricsv1alpha1.StatusCodeCreating:
		return ReasonCreating
	case metricsv1alpha1.StatusCodeUpdating:
		return ReasonUpdating
	case metricsv1alpha1.StatusCodeDeleting:
		return ReasonDeleting
	}
	return ReasonAvailable
}
