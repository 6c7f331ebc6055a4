package metricsapi

import "context"

// Client is the call boundary the reconcilers depend on. Every method is a
// blocking RPC with its own timeout. Implementations must classify failures
// into *APIError so callers can distinguish terminal rejections from
// transient ones without matching on message strings.
//
// Describe calls double as the existence/ownership probe for cross-resource
// validation (duplicate singleton, name collision), so implementations must
// report a missing resource through IsNotFound rather than an opaque error.
type Client interface {
	CreateWorkspace(ctx context.Context, alias string, tags map[string]string) (*Workspace, error)
	DescribeWorkspace(ctx context.Context, workspaceID string) (*Workspace, error)
	UpdateWorkspaceAlias(ctx context.Context, workspaceID, alias string) error
	DeleteWorkspace(ctx context.Context, workspaceID string) error

	// TagResource and UntagResource merge tag changes key-by-key: keys absent
	// from a TagResource call are left untouched remotely.
	TagResource(ctx context.Context, arn string, tags map[string]string) error
	UntagResource(ctx context.Context, arn string, keys []string) error

	CreateRuleGroupsNamespace(ctx context.Context, workspaceID, name, data string, tags map[string]string) (*RuleGroupsNamespace, error)
	DescribeRuleGroupsNamespace(ctx context.Context, workspaceID, name string) (*RuleGroupsNamespace, error)
	// PutRuleGroupsNamespace replaces the namespace's configuration blob. It
	// serves both update and the heal path out of a failed creation.
	PutRuleGroupsNamespace(ctx context.Context, workspaceID, name, data string) (*RuleGroupsNamespace, error)
	DeleteRuleGroupsNamespace(ctx context.Context, workspaceID, name string) error

	CreateAlertManagerDefinition(ctx context.Context, workspaceID, data string) (*AlertManagerDefinition, error)
	DescribeAlertManagerDefinition(ctx context.Context, workspaceID string) (*AlertManagerDefinition, error)
	PutAlertManagerDefinition(ctx context.Context, workspaceID, data string) (*AlertManagerDefinition, error)
	DeleteAlertManagerDefinition(ctx context.Context, workspaceID string) error

	CreateLoggingConfiguration(ctx context.Context, workspaceID, logGroupARN string) (*LoggingConfiguration, error)
	DescribeLoggingConfiguration(ctx context.Context, workspaceID string) (*LoggingConfiguration, error)
	UpdateLoggingConfiguration(ctx context.Context, workspaceID, logGroupARN string) (*LoggingConfiguration, error)
	DeleteLoggingConfiguration(ctx context.Context, workspaceID string) error
}
