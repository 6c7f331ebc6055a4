package v1alpha1

// Common types shared across multiple CRDs

// StatusCode is the lifecycle status reported by the managed metrics service
// for a remote resource. Creation and updates settle asynchronously: a create
// returns CREATING immediately and only later becomes ACTIVE or
// CREATION_FAILED.
// +kubebuilder:validation:Enum=CREATING;ACTIVE;UPDATING;DELETING;CREATION_FAILED;UPDATE_FAILED
type StatusCode string

const (
	StatusCodeCreating       StatusCode = "CREATING"
	StatusCodeActive         StatusCode = "ACTIVE"
	StatusCodeUpdating       StatusCode = "UPDATING"
	StatusCodeDeleting       StatusCode = "DELETING"
	StatusCodeCreationFailed StatusCode = "CREATION_FAILED"
	StatusCodeUpdateFailed   StatusCode = "UPDATE_FAILED"
)

// Transient returns true for status codes the controller polls through.
// CREATION_FAILED and UPDATE_FAILED are stable: the service will not move
// the resource again without another write.
func (s StatusCode) Transient() bool {
	switch s {
	case StatusCodeCreating, StatusCodeUpdating, StatusCodeDeleting:
		return true
	}
	return false
}

// Failed returns true if the status code reports a failed create or update.
func (s StatusCode) Failed() bool {
	return s == StatusCodeCreationFailed || s == StatusCodeUpdateFailed
}
