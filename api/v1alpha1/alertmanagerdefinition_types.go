package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// AlertManagerDefinitionSpec defines the desired state of AlertManagerDefinition.
// A workspace holds at most one alert manager definition; creating a second
// one is rejected by the service and reported as a terminal error.
type AlertManagerDefinitionSpec struct {
	// WorkspaceID is the remote ID of the workspace this definition belongs to.
	// Immutable.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	WorkspaceID string `json:"workspaceID"`

	// Configuration is the alert manager configuration in YAML form.
	// The service validates it asynchronously.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Configuration string `json:"configuration"`
}

// AlertManagerDefinitionStatus defines the observed state of AlertManagerDefinition
type AlertManagerDefinitionStatus struct {
	// StatusCode is the last observed lifecycle status.
	// +optional
	StatusCode StatusCode `json:"statusCode,omitempty"`

	// StatusReason explains failed states, e.g. a configuration validation error.
	// +optional
	StatusReason string `json:"statusReason,omitempty"`

	// Data is the configuration blob last durably accepted by the service.
	// +optional
	Data string `json:"data,omitempty"`

	// ObservedGeneration reflects the generation most recently acted on by the controller
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions represent the latest available observations of the definition's state
	// +optional
	// +patchMergeKey=type
	// +patchStrategy=merge
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty" patchStrategy:"merge" patchMergeKey:"type"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=amd
// +kubebuilder:printcolumn:name="Workspace",type=string,JSONPath=`.spec.workspaceID`
// +kubebuilder:printcolumn:name="Status",type=string,JSONPath=`.status.statusCode`
// +kubebuilder:printcolumn:name="Synced",type=string,JSONPath=`.status.conditions[?(@.type=="Synced")].status`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// AlertManagerDefinition is the Schema for the alertmanagerdefinitions API.
// It declares the single alert manager configuration of a workspace.
type AlertManagerDefinition struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   AlertManagerDefinitionSpec   `json:"spec,omitempty"`
	Status AlertManagerDefinitionStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// AlertManagerDefinitionList contains a list of AlertManagerDefinition
type AlertManagerDefinitionList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []AlertManagerDefinition `json:"items"`
}

func init() {
	SchemeBuilder.Register(&AlertManagerDefinition{}, &AlertManagerDefinitionList{})
}
