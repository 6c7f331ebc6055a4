package controller

import (
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// ConditionTypeSynced is true exactly when the observed remote state
	// matches the latest applied desired state and the remote status is
	// stable. Failed statuses (CREATION_FAILED, UPDATE_FAILED) are stable:
	// they accurately describe reality and Synced is true while they hold.
	ConditionTypeSynced = "Synced"
	// ConditionTypeTerminal is true only for non-retryable failures. A
	// terminal object is never retried by the controller; only a spec change
	// or deletion moves it.
	ConditionTypeTerminal = "Terminal"
)

// Condition reasons.
const (
	ReasonCreating              = "Creating"
	ReasonUpdating              = "Updating"
	ReasonDeleting              = "Deleting"
	ReasonAvailable             = "Available"
	ReasonCreationFailed        = "CreationFailed"
	ReasonUpdateFailed          = "UpdateFailed"
	ReasonCreateError           = "CreateError"
	ReasonUpdateError           = "UpdateError"
	ReasonTerminalError         = "TerminalError"
	ReasonNameCollision         = "NameCollision"
	ReasonWorkspaceNotReady     = "WorkspaceNotReady"
	ReasonAlreadyExists         = "AlreadyExists"
	ReasonRemoteResourceMissing = "RemoteResourceMissing"
)

// setSynced sets the Synced condition. The message must explain the state to
// a human; nothing the controller reports is allowed to be reason-free.
func setSynced(conditions *[]metav1.Condition, generation int64, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(conditions, metav1.Condition{
		Type:               ConditionTypeSynced,
		Status:             status,
		ObservedGeneration: generation,
		Reason:             reason,
		Message:            message,
	})
}

// setTerminal sets the Terminal condition.
func setTerminal(conditions *[]metav1.Condition, generation int64, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(conditions, metav1.Condition{
		Type:               ConditionTypeTerminal,
		Status:             status,
		ObservedGeneration: generation,
		Reason:             reason,
		Message:            message,
	})
}

// clearTerminal resets an earlier terminal verdict after a spec change.
func clearTerminal(conditions *[]metav1.Condition, generation int64) {
	if meta.IsStatusConditionTrue(*conditions, ConditionTypeTerminal) {
		setTerminal(conditions, generation, metav1.ConditionFalse, "SpecChanged", "Spec changed since the terminal failure; retrying")
	}
}

// isTerminal reports whether the object has been declared terminally failed.
func isTerminal(conditions []metav1.Condition) bool {
	return meta.IsStatusConditionTrue(conditions, ConditionTypeTerminal)
}

// isSynced reports whether the Synced condition is currently true.
func isSynced(conditions []metav1.Condition) bool {
	return meta.IsStatusConditionTrue(conditions, ConditionTypeSynced)
}
