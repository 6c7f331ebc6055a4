package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// LoggingConfigurationSpec defines the desired state of LoggingConfiguration.
// A workspace holds at most one logging configuration.
type LoggingConfigurationSpec struct {
	// WorkspaceID is the remote ID of the workspace this configuration belongs to.
	// Immutable.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	WorkspaceID string `json:"workspaceID"`

	// LogGroupARN references the log group the workspace ships its vended
	// logs to. Changing it is applied with a synchronous update call.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	LogGroupARN string `json:"logGroupARN"`
}

// LoggingConfigurationStatus defines the observed state of LoggingConfiguration
type LoggingConfigurationStatus struct {
	// StatusCode is the last observed lifecycle status.
	// +optional
	StatusCode StatusCode `json:"statusCode,omitempty"`

	// StatusReason explains failed states.
	// +optional
	StatusReason string `json:"statusReason,omitempty"`

	// LogGroupARN is the log group reference last accepted by the service.
	// +optional
	LogGroupARN string `json:"logGroupARN,omitempty"`

	// ObservedGeneration reflects the generation most recently acted on by the controller
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions represent the latest available observations of the configuration's state
	// +optional
	// +patchMergeKey=type
	// +patchStrategy=merge
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty" patchStrategy:"merge" patchMergeKey:"type"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=mlc
// +kubebuilder:printcolumn:name="Workspace",type=string,JSONPath=`.spec.workspaceID`
// +kubebuilder:printcolumn:name="Status",type=string,JSONPath=`.status.statusCode`
// +kubebuilder:printcolumn:name="Synced",type=string,JSONPath=`.status.conditions[?(@.type=="Synced")].status`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// LoggingConfiguration is the Schema for the loggingconfigurations API.
// It declares where the workspace ships its vended logs.
type LoggingConfiguration struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   LoggingConfigurationSpec   `json:"spec,omitempty"`
	Status LoggingConfigurationStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// LoggingConfigurationList contains a list of LoggingConfiguration
type LoggingConfigurationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []LoggingConfiguration `json:"items"`
}

func init() {
	SchemeBuilder.Register(&LoggingConfiguration{}, &LoggingConfigurationList{})
}
