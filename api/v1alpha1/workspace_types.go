package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// WorkspaceSpec defines the desired state of a metrics workspace in the
// managed metrics service. The workspace is the parent of every other
// resource kind: rule groups namespaces, the alert manager definition and
// the logging configuration all reference its remote ID.
type WorkspaceSpec struct {
	// Alias is a human-readable name for the workspace. It does not have to
	// be unique and can be changed at any time; the service applies alias
	// changes synchronously.
	// +optional
	Alias string `json:"alias,omitempty"`

	// Tags are key-value pairs attached to the remote workspace.
	// Tag updates are merged key-by-key: keys removed from the spec are
	// removed remotely, other remote tags are left untouched.
	// +optional
	Tags map[string]string `json:"tags,omitempty"`
}

// WorkspaceStatus defines the observed state of Workspace
type WorkspaceStatus struct {
	// WorkspaceID is the identifier assigned by the service on creation.
	// It is immutable once the workspace converges to ACTIVE.
	// +optional
	WorkspaceID string `json:"workspaceID,omitempty"`

	// ARN is the fully qualified resource name of the remote workspace,
	// used for tagging calls.
	// +optional
	ARN string `json:"arn,omitempty"`

	// StatusCode is the last observed lifecycle status of the remote workspace.
	// +optional
	StatusCode StatusCode `json:"statusCode,omitempty"`

	// StatusReason carries the service-supplied explanation for failed states.
	// +optional
	StatusReason string `json:"statusReason,omitempty"`

	// ObservedGeneration reflects the generation most recently acted on by the controller
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions represent the latest available observations of the workspace's state
	// +optional
	// +patchMergeKey=type
	// +patchStrategy=merge
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty" patchStrategy:"merge" patchMergeKey:"type"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=mws
// +kubebuilder:printcolumn:name="ID",type=string,JSONPath=`.status.workspaceID`,description="Remote workspace ID"
// +kubebuilder:printcolumn:name="Status",type=string,JSONPath=`.status.statusCode`,description="Remote status code"
// +kubebuilder:printcolumn:name="Synced",type=string,JSONPath=`.status.conditions[?(@.type=="Synced")].status`,description="Whether the remote state matches the spec"
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// Workspace is the Schema for the workspaces API.
// It declares a metrics workspace in the managed metrics service and tracks
// the remote workspace's asynchronous lifecycle in its status.
type Workspace struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   WorkspaceSpec   `json:"spec,omitempty"`
	Status WorkspaceStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// WorkspaceList contains a list of Workspace
type WorkspaceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Workspace `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Workspace{}, &WorkspaceList{})
}
