// Package metricsapi is the typed client boundary to the managed metrics
// control-plane API. Mutating calls either fail fast with a classified
// *APIError or succeed with the resource's initial status; the resource then
// settles into a terminal status (ACTIVE, CREATION_FAILED, UPDATE_FAILED)
// asynchronously and independently of the call that triggered the change.
package metricsapi

// StatusCode is the remote lifecycle status of a control-plane resource.
type StatusCode string

const (
	StatusCreating       StatusCode = "CREATING"
	StatusActive         StatusCode = "ACTIVE"
	StatusUpdating       StatusCode = "UPDATING"
	StatusDeleting       StatusCode = "DELETING"
	StatusCreationFailed StatusCode = "CREATION_FAILED"
	StatusUpdateFailed   StatusCode = "UPDATE_FAILED"
)

// Status pairs a lifecycle status code with the service's explanation for it.
// Reason is empty unless the code reports a failure.
type Status struct {
	Code   StatusCode `json:"statusCode"`
	Reason string     `json:"statusReason,omitempty"`
}

// Workspace is the remote representation of a metrics workspace.
type Workspace struct {
	ID     string            `json:"workspaceId"`
	ARN    string            `json:"arn"`
	Alias  string            `json:"alias,omitempty"`
	Status Status            `json:"status"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// RuleGroupsNamespace is the remote representation of a rule groups
// namespace. Data holds the configuration blob the service last durably
// accepted; after a failed update it lags behind what was submitted.
type RuleGroupsNamespace struct {
	ARN    string            `json:"arn"`
	Name   string            `json:"name"`
	Data   string            `json:"data,omitempty"`
	Status Status            `json:"status"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// AlertManagerDefinition is the remote representation of a workspace's
// single alert manager definition.
type AlertManagerDefinition struct {
	Data   string `json:"data,omitempty"`
	Status Status `json:"status"`
}

// LoggingConfiguration is the remote representation of a workspace's single
// logging configuration.
type LoggingConfiguration struct {
	Workspace   string `json:"workspace"`
	LogGroupARN string `json:"logGroupArn"`
	Status      Status `json:"status"`
}
