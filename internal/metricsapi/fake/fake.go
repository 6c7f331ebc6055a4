// Package fake provides an in-memory control plane implementing
// metricsapi.Client. It reproduces the service's eventual consistency: a
// mutation returns a transitional status immediately, and the resource only
// settles into its terminal status after a configurable number of describe
// calls. Tests drive reconcilers against it without a network.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/observeworks/metrics-operator/internal/metricsapi"
)

type object struct {
	status  metricsapi.Status
	target  metricsapi.Status
	pending int
	deleted bool
}

// settle advances the object's asynchronous transition by one observation
// and reports whether the object still exists.
func (o *object) settle() bool {
	if o.pending > 0 {
		o.pending--
		if o.pending == 0 {
			if o.deleted {
				return false
			}
			o.status = o.target
		}
	}
	return !(o.deleted && o.pending == 0)
}

type workspace struct {
	object
	ws         metricsapi.Workspace
	ruleGroups map[string]*ruleGroupsNamespace
	alertMgr   *alertManagerDefinition
	logging    *loggingConfiguration
}

type ruleGroupsNamespace struct {
	object
	ns metricsapi.RuleGroupsNamespace
}

type alertManagerDefinition struct {
	object
	def metricsapi.AlertManagerDefinition
}

type loggingConfiguration struct {
	object
	lc metricsapi.LoggingConfiguration
}

// Server is an in-memory managed metrics control plane.
type Server struct {
	mu sync.Mutex

	// SettleAfter is the number of describe calls a transitional status
	// survives before the resource settles into its target status.
	SettleAfter int

	// ValidateConfig, when set, decides whether a configuration blob is
	// accepted. A rejection settles the resource into CREATION_FAILED or
	// UPDATE_FAILED with the error text as status reason, mirroring the
	// service's asynchronous validation.
	ValidateConfig func(data string) error

	// ValidateAlias, when set, decides whether a workspace alias is
	// accepted. A rejection settles the workspace into CREATION_FAILED,
	// the same way ValidateConfig settles configuration blobs.
	ValidateAlias func(alias string) error

	workspaces map[string]*workspace
	arnOwners  map[string]map[string]string
	failures   map[string][]error
}

var _ metricsapi.Client = (*Server)(nil)

// NewServer creates a fake control plane that settles transitions after a
// single describe call.
func NewServer() *Server {
	return &Server{
		SettleAfter: 1,
		workspaces:  map[string]*workspace{},
		arnOwners:   map[string]map[string]string{},
		failures:    map[string][]error{},
	}
}

// FailNext arranges for the next call of the named operation to return err
// instead of executing. Multiple queued failures are consumed in order.
func (s *Server) FailNext(operation string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[operation] = append(s.failures[operation], err)
}

func (s *Server) injected(operation string) error {
	queue := s.failures[operation]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.failures[operation] = queue[1:]
	return err
}

func (s *Server) transitional(code metricsapi.StatusCode, target metricsapi.Status) object {
	if s.SettleAfter <= 0 {
		// Settled before the first describe.
		return object{status: target, target: target}
	}
	return object{
		status:  metricsapi.Status{Code: code},
		target:  target,
		pending: s.SettleAfter,
	}
}

func (s *Server) validate(data string) error {
	if s.ValidateConfig == nil {
		return nil
	}
	return s.ValidateConfig(data)
}

func conflict(msg string) error {
	return &metricsapi.APIError{HTTPStatus: 409, Code: metricsapi.CodeConflict, Message: msg}
}

func (s *Server) CreateWorkspace(_ context.Context, alias string, tags map[string]string) (*metricsapi.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateWorkspace"); err != nil {
		return nil, err
	}

	target := metricsapi.Status{Code: metricsapi.StatusActive}
	if s.ValidateAlias != nil {
		if err := s.ValidateAlias(alias); err != nil {
			target = metricsapi.Status{Code: metricsapi.StatusCreationFailed, Reason: err.Error()}
		}
	}

	id := "ws-" + uuid.NewString()
	w := &workspace{
		object: s.transitional(metricsapi.StatusCreating, target),
		ws: metricsapi.Workspace{
			ID:    id,
			ARN:   "arn:obsw:metrics::workspace/" + id,
			Alias: alias,
			Tags:  cloneTags(tags),
		},
		ruleGroups: map[string]*ruleGroupsNamespace{},
	}
	s.workspaces[id] = w
	s.arnOwners[w.ws.ARN] = w.ws.Tags

	out := w.ws
	out.Status = w.status
	return &out, nil
}

func (s *Server) DescribeWorkspace(_ context.Context, workspaceID string) (*metricsapi.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DescribeWorkspace"); err != nil {
		return nil, err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, metricsapi.ErrNotFound
	}
	if !w.settle() {
		delete(s.workspaces, workspaceID)
		delete(s.arnOwners, w.ws.ARN)
		return nil, metricsapi.ErrNotFound
	}

	out := w.ws
	out.Status = w.status
	out.Tags = cloneTags(w.ws.Tags)
	return &out, nil
}

func (s *Server) UpdateWorkspaceAlias(_ context.Context, workspaceID, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdateWorkspaceAlias"); err != nil {
		return err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return metricsapi.ErrNotFound
	}
	// Alias changes apply synchronously; no status transition.
	w.ws.Alias = alias
	return nil
}

func (s *Server) DeleteWorkspace(_ context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeleteWorkspace"); err != nil {
		return err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return metricsapi.ErrNotFound
	}
	w.object = s.transitional(metricsapi.StatusDeleting, metricsapi.Status{})
	w.deleted = true
	return nil
}

func (s *Server) TagResource(_ context.Context, arn string, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("TagResource"); err != nil {
		return err
	}

	existing, ok := s.arnOwners[arn]
	if !ok {
		return metricsapi.ErrNotFound
	}
	for k, v := range tags {
		existing[k] = v
	}
	return nil
}

func (s *Server) UntagResource(_ context.Context, arn string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UntagResource"); err != nil {
		return err
	}

	existing, ok := s.arnOwners[arn]
	if !ok {
		return metricsapi.ErrNotFound
	}
	for _, k := range keys {
		delete(existing, k)
	}
	return nil
}

func (s *Server) CreateRuleGroupsNamespace(_ context.Context, workspaceID, name, data string, tags map[string]string) (*metricsapi.RuleGroupsNamespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateRuleGroupsNamespace"); err != nil {
		return nil, err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, metricsapi.ErrNotFound
	}
	if _, exists := w.ruleGroups[name]; exists {
		return nil, conflict(fmt.Sprintf("rule groups namespace %q already exists in workspace %s", name, workspaceID))
	}

	ns := &ruleGroupsNamespace{
		ns: metricsapi.RuleGroupsNamespace{
			ARN:  fmt.Sprintf("arn:obsw:metrics::rulegroupsnamespace/%s/%s", workspaceID, name),
			Name: name,
			Tags: cloneTags(tags),
		},
	}
	if err := s.validate(data); err != nil {
		ns.object = s.transitional(metricsapi.StatusCreating,
			metricsapi.Status{Code: metricsapi.StatusCreationFailed, Reason: err.Error()})
	} else {
		ns.object = s.transitional(metricsapi.StatusCreating, metricsapi.Status{Code: metricsapi.StatusActive})
		ns.ns.Data = data
	}
	w.ruleGroups[name] = ns
	s.arnOwners[ns.ns.ARN] = ns.ns.Tags

	out := ns.ns
	out.Status = ns.status
	return &out, nil
}

func (s *Server) DescribeRuleGroupsNamespace(_ context.Context, workspaceID, name string) (*metricsapi.RuleGroupsNamespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DescribeRuleGroupsNamespace"); err != nil {
		return nil, err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, metricsapi.ErrNotFound
	}
	ns, ok := w.ruleGroups[name]
	if !ok {
		return nil, metricsapi.ErrNotFound
	}
	if !ns.settle() {
		delete(w.ruleGroups, name)
		delete(s.arnOwners, ns.ns.ARN)
		return nil, metricsapi.ErrNotFound
	}

	out := ns.ns
	out.Status = ns.status
	out.Tags = cloneTags(ns.ns.Tags)
	return &out, nil
}

func (s *Server) PutRuleGroupsNamespace(_ context.Context, workspaceID, name, data string) (*metricsapi.RuleGroupsNamespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("PutRuleGroupsNamespace"); err != nil {
		return nil, err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, metricsapi.ErrNotFound
	}
	ns, ok := w.ruleGroups[name]
	if !ok {
		return nil, metricsapi.ErrNotFound
	}

	if err := s.validate(data); err != nil {
		// Accepted data is left untouched after a failed update.
		ns.object = s.transitional(metricsapi.StatusUpdating,
			metricsapi.Status{Code: metricsapi.StatusUpdateFailed, Reason: err.Error()})
	} else {
		ns.object = s.transitional(metricsapi.StatusUpdating, metricsapi.Status{Code: metricsapi.StatusActive})
		ns.ns.Data = data
	}

	out := ns.ns
	out.Status = ns.status
	return &out, nil
}

func (s *Server) DeleteRuleGroupsNamespace(_ context.Context, workspaceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeleteRuleGroupsNamespace"); err != nil {
		return err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return metricsapi.ErrNotFound
	}
	ns, ok := w.ruleGroups[name]
	if !ok {
		return metricsapi.ErrNotFound
	}
	ns.object = s.transitional(metricsapi.StatusDeleting, metricsapi.Status{})
	ns.deleted = true
	return nil
}

func (s *Server) CreateAlertManagerDefinition(_ context.Context, workspaceID, data string) (*metricsapi.AlertManagerDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateAlertManagerDefinition"); err != nil {
		return nil, err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, metricsapi.ErrNotFound
	}
	if w.alertMgr != nil {
		return nil, conflict(fmt.Sprintf("workspace %s already has an alert manager definition", workspaceID))
	}

	def := &alertManagerDefinition{}
	if err := s.validate(data); err != nil {
		def.object = s.transitional(metricsapi.StatusCreating,
			metricsapi.Status{Code: metricsapi.StatusCreationFailed, Reason: err.Error()})
	} else {
		def.object = s.transitional(metricsapi.StatusCreating, metricsapi.Status{Code: metricsapi.StatusActive})
		def.def.Data = data
	}
	w.alertMgr = def

	out := def.def
	out.Status = def.status
	return &out, nil
}

func (s *Server) DescribeAlertManagerDefinition(_ context.Context, workspaceID string) (*metricsapi.AlertManagerDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DescribeAlertManagerDefinition"); err != nil {
		return nil, err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, metricsapi.ErrNotFound
	}
	if w.alertMgr == nil {
		return nil, metricsapi.ErrNotFound
	}
	if !w.alertMgr.settle() {
		w.alertMgr = nil
		return nil, metricsapi.ErrNotFound
	}

	out := w.alertMgr.def
	out.Status = w.alertMgr.status
	return &out, nil
}

func (s *Server) PutAlertManagerDefinition(_ context.Context, workspaceID, data string) (*metricsapi.AlertManagerDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("PutAlertManagerDefinition"); err != nil {
		return nil, err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, metricsapi.ErrNotFound
	}
	if w.alertMgr == nil {
		return nil, metricsapi.ErrNotFound
	}

	if err := s.validate(data); err != nil {
		w.alertMgr.object = s.transitional(metricsapi.StatusUpdating,
			metricsapi.Status{Code: metricsapi.StatusUpdateFailed, Reason: err.Error()})
	} else {
		w.alertMgr.object = s.transitional(metricsapi.StatusUpdating, metricsapi.Status{Code: metricsapi.StatusActive})
		w.alertMgr.def.Data = data
	}

	out := w.alertMgr.def
	out.Status = w.alertMgr.status
	return &out, nil
}

func (s *Server) DeleteAlertManagerDefinition(_ context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeleteAlertManagerDefinition"); err != nil {
		return err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return metricsapi.ErrNotFound
	}
	if w.alertMgr == nil {
		return metricsapi.ErrNotFound
	}
	w.alertMgr.object = s.transitional(metricsapi.StatusDeleting, metricsapi.Status{})
	w.alertMgr.deleted = true
	return nil
}

func (s *Server) CreateLoggingConfiguration(_ context.Context, workspaceID, logGroupARN string) (*metricsapi.LoggingConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateLoggingConfiguration"); err != nil {
		return nil, err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, metricsapi.ErrNotFound
	}
	if w.logging != nil {
		return nil, conflict(fmt.Sprintf("workspace %s already has a logging configuration", workspaceID))
	}

	lc := &loggingConfiguration{
		object: s.transitional(metricsapi.StatusCreating, metricsapi.Status{Code: metricsapi.StatusActive}),
		lc: metricsapi.LoggingConfiguration{
			Workspace:   workspaceID,
			LogGroupARN: logGroupARN,
		},
	}
	w.logging = lc

	out := lc.lc
	out.Status = lc.status
	return &out, nil
}

func (s *Server) DescribeLoggingConfiguration(_ context.Context, workspaceID string) (*metricsapi.LoggingConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DescribeLoggingConfiguration"); err != nil {
		return nil, err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, metricsapi.ErrNotFound
	}
	if w.logging == nil {
		return nil, metricsapi.ErrNotFound
	}
	if !w.logging.settle() {
		w.logging = nil
		return nil, metricsapi.ErrNotFound
	}

	out := w.logging.lc
	out.Status = w.logging.status
	return &out, nil
}

func (s *Server) UpdateLoggingConfiguration(_ context.Context, workspaceID, logGroupARN string) (*metricsapi.LoggingConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdateLoggingConfiguration"); err != nil {
		return nil, err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, metricsapi.ErrNotFound
	}
	if w.logging == nil {
		return nil, metricsapi.ErrNotFound
	}

	// Log group changes apply synchronously; the configuration stays ACTIVE.
	w.logging.lc.LogGroupARN = logGroupARN

	out := w.logging.lc
	out.Status = w.logging.status
	return &out, nil
}

func (s *Server) DeleteLoggingConfiguration(_ context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeleteLoggingConfiguration"); err != nil {
		return err
	}

	w, ok := s.workspaces[workspaceID]
	if !ok {
		return metricsapi.ErrNotFound
	}
	if w.logging == nil {
		return metricsapi.ErrNotFound
	}
	w.logging.object = s.transitional(metricsapi.StatusDeleting, metricsapi.Status{})
	w.logging.deleted = true
	return nil
}

// WorkspaceTags returns a copy of the remote tags for the given ARN, for
// test assertions.
func (s *Server) WorkspaceTags(arn string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTags(s.arnOwners[arn])
}

func cloneTags(tags map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range tags {
		out[k] = v
	}
	return out
}
