package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RuleGroupsNamespaceSpec defines the desired state of RuleGroupsNamespace
type RuleGroupsNamespaceSpec struct {
	// WorkspaceID is the remote ID of the workspace that owns this namespace.
	// Immutable.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	WorkspaceID string `json:"workspaceID"`

	// Name is the rule groups namespace name. The service enforces uniqueness
	// per workspace; colliding with a namespace this controller does not own
	// is a terminal error.
	// Immutable.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Name string `json:"name"`

	// Configuration is the rule groups definition in YAML form. The service
	// validates it asynchronously: an invalid configuration surfaces as
	// CREATION_FAILED or UPDATE_FAILED in status, never as a create error.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Configuration string `json:"configuration"`

	// Tags are key-value pairs attached to the remote namespace, merged
	// key-by-key on update.
	// +optional
	Tags map[string]string `json:"tags,omitempty"`
}

// RuleGroupsNamespaceStatus defines the observed state of RuleGroupsNamespace
type RuleGroupsNamespaceStatus struct {
	// ARN is the fully qualified resource name assigned on creation.
	// +optional
	ARN string `json:"arn,omitempty"`

	// StatusCode is the last observed lifecycle status.
	// +optional
	StatusCode StatusCode `json:"statusCode,omitempty"`

	// StatusReason explains failed states, e.g. a rule validation error.
	// +optional
	StatusReason string `json:"statusReason,omitempty"`

	// Data is the configuration blob last durably accepted by the service.
	// It intentionally diverges from spec.configuration while a failed update
	// is outstanding: the spec keeps user intent, data keeps remote reality.
	// +optional
	Data string `json:"data,omitempty"`

	// ObservedGeneration reflects the generation most recently acted on by the controller
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions represent the latest available observations of the namespace's state
	// +optional
	// +patchMergeKey=type
	// +patchStrategy=merge
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty" patchStrategy:"merge" patchMergeKey:"type"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=rgn
// +kubebuilder:printcolumn:name="Workspace",type=string,JSONPath=`.spec.workspaceID`
// +kubebuilder:printcolumn:name="Status",type=string,JSONPath=`.status.statusCode`
// +kubebuilder:printcolumn:name="Synced",type=string,JSONPath=`.status.conditions[?(@.type=="Synced")].status`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// RuleGroupsNamespace is the Schema for the rulegroupsnamespaces API.
// It declares a named collection of recording and alerting rule groups
// inside a workspace.
type RuleGroupsNamespace struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   RuleGroupsNamespaceSpec   `json:"spec,omitempty"`
	Status RuleGroupsNamespaceStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// RuleGroupsNamespaceList contains a list of RuleGroupsNamespace
type RuleGroupsNamespaceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []RuleGroupsNamespace `json:"items"`
}

func init() {
	SchemeBuilder.Register(&RuleGroupsNamespace{}, &RuleGroupsNamespaceList{})
}
