package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	crfake "sigs.k8s.io/controller-runtime/pkg/client/fake"

	metricsv1alpha1 "github.com/observeworks/metrics-operator/api/v1alpha1"
	"github.com/observeworks/metrics-operator/internal/metricsapi"
	metricsfake "github.com/observeworks/metrics-operator/internal/metricsapi/fake"
)

const testRuleConfig = "groups:\n- name: latency\n  rules:\n  - record: job:latency:p99\n"

func newRGNReconciler(t *testing.T, server *metricsfake.Server, objs ...client.Object) (*RuleGroupsNamespaceReconciler, client.Client, *record.FakeRecorder) {
	t.Helper()
	scheme := newTestScheme(t)
	c := crfake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(&metricsv1alpha1.RuleGroupsNamespace{}).
		Build()
	recorder := record.NewFakeRecorder(20)
	return &RuleGroupsNamespaceReconciler{
		Client:   c,
		Scheme:   scheme,
		Recorder: recorder,
		Remote:   server,
		Observed: NewObservedStateCache(0),
		Options:  DefaultOptions(),
	}, c, recorder
}

// createActiveWorkspace provisions and settles a workspace directly against
// the fake control plane, returning its remote ID.
func createActiveWorkspace(t *testing.T, server *metricsfake.Server) string {
	t.Helper()
	ctx := context.Background()
	ws, err := server.CreateWorkspace(ctx, "test", nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		remote, err := server.DescribeWorkspace(ctx, ws.ID)
		require.NoError(t, err)
		if remote.Status.Code == metricsapi.StatusActive {
			return ws.ID
		}
	}
	t.Fatal("workspace did not settle")
	return ""
}

func rgnRequest(name string) ctrl.Request {
	return ctrl.Request{NamespacedName: types.NamespacedName{Name: name, Namespace: "default"}}
}

func TestRuleGroupsNamespaceReconciler_CreateLifecycle(t *testing.T) {
	server := metricsfake.NewServer()
	workspaceID := createActiveWorkspace(t, server)
	rgn := &metricsv1alpha1.RuleGroupsNamespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: "latency-rules", Namespace: "default", Generation: 1,
			Finalizers: []string{RuleGroupsNamespaceFinalizer},
		},
		Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
			WorkspaceID:   workspaceID,
			Name:          "latency",
			Configuration: testRuleConfig,
			Tags:          map[string]string{"team": "sre"},
		},
	}
	r, c, recorder := newRGNReconciler(t, server, rgn)
	ctx := context.Background()
	req := rgnRequest("latency-rules")

	// Create enters the poll loop.
	result, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DefaultRequeueWhileCreating, result.RequeueAfter)

	require.NoError(t, c.Get(ctx, req.NamespacedName, rgn))
	assert.Equal(t, metricsv1alpha1.StatusCodeCreating, rgn.Status.StatusCode)
	assert.NotEmpty(t, rgn.Status.ARN)

	select {
	case event := <-recorder.Events:
		assert.Contains(t, event, "Created")
	default:
		t.Error("expected Created event")
	}

	// The settled namespace converges.
	result, err = r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsZero())

	require.NoError(t, c.Get(ctx, req.NamespacedName, rgn))
	assert.Equal(t, metricsv1alpha1.StatusCodeActive, rgn.Status.StatusCode)
	assert.Equal(t, testRuleConfig, rgn.Status.Data)
	cond := findCondition(t, rgn.Status.Conditions, ConditionTypeSynced)
	assert.Equal(t, metav1.ConditionTrue, cond.Status)
	assert.Equal(t, ReasonAvailable, cond.Reason)
}

func TestRuleGroupsNamespaceReconciler_NameCollision(t *testing.T) {
	server := metricsfake.NewServer()
	workspaceID := createActiveWorkspace(t, server)
	ctx := context.Background()

	// Someone else owns the name already.
	_, err := server.CreateRuleGroupsNamespace(ctx, workspaceID, "latency", testRuleConfig, nil)
	require.NoError(t, err)

	rgn := &metricsv1alpha1.RuleGroupsNamespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: "latency-rules", Namespace: "default", Generation: 1,
			Finalizers: []string{RuleGroupsNamespaceFinalizer},
		},
		Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
			WorkspaceID:   workspaceID,
			Name:          "latency",
			Configuration: testRuleConfig,
		},
	}
	r, c, recorder := newRGNReconciler(t, server, rgn)
	req := rgnRequest("latency-rules")

	result, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsZero())

	require.NoError(t, c.Get(ctx, req.NamespacedName, rgn))
	term := findCondition(t, rgn.Status.Conditions, ConditionTypeTerminal)
	assert.Equal(t, metav1.ConditionTrue, term.Status)
	assert.Equal(t, ReasonNameCollision, term.Reason)
	// The foreign namespace is never adopted.
	assert.Empty(t, rgn.Status.StatusCode)

	select {
	case event := <-recorder.Events:
		assert.Contains(t, event, ReasonNameCollision)
	default:
		t.Error("expected NameCollision event")
	}
}

func TestRuleGroupsNamespaceReconciler_ValidationFailureThenHeal(t *testing.T) {
	server := metricsfake.NewServer()
	server.ValidateConfig = func(data string) error {
		if data == "not yaml at all" {
			return errors.New("error validating rule groups")
		}
		return nil
	}
	workspaceID := createActiveWorkspace(t, server)
	rgn := &metricsv1alpha1.RuleGroupsNamespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: "latency-rules", Namespace: "default", Generation: 1,
			Finalizers: []string{RuleGroupsNamespaceFinalizer},
		},
		Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
			WorkspaceID:   workspaceID,
			Name:          "latency",
			Configuration: "not yaml at all",
		},
	}
	r, c, _ := newRGNReconciler(t, server, rgn)
	ctx := context.Background()
	req := rgnRequest("latency-rules")

	// Create, then observe the asynchronous rejection.
	_, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	result, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsZero())

	require.NoError(t, c.Get(ctx, req.NamespacedName, rgn))
	assert.Equal(t, metricsv1alpha1.StatusCodeCreationFailed, rgn.Status.StatusCode)
	assert.Contains(t, rgn.Status.StatusReason, "error validating")
	// The failed state is accurately reported and stable: Synced is true,
	// Terminal stays false, and no requeue is scheduled.
	cond := findCondition(t, rgn.Status.Conditions, ConditionTypeSynced)
	assert.Equal(t, metav1.ConditionTrue, cond.Status)
	assert.Equal(t, ReasonCreationFailed, cond.Reason)
	assert.False(t, isTerminal(rgn.Status.Conditions))
	assert.Empty(t, rgn.Status.Data)

	// No spec change means no retry.
	result, err = r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsZero())

	// Fixing the configuration heals through a put, not delete-and-recreate.
	require.NoError(t, c.Get(ctx, req.NamespacedName, rgn))
	rgn.Spec.Configuration = testRuleConfig
	rgn.Generation++
	require.NoError(t, c.Update(ctx, rgn))

	result, err = r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DefaultRequeueWhileUpdating, result.RequeueAfter)

	result, err = r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsZero())

	require.NoError(t, c.Get(ctx, req.NamespacedName, rgn))
	assert.Equal(t, metricsv1alpha1.StatusCodeActive, rgn.Status.StatusCode)
	assert.Equal(t, testRuleConfig, rgn.Status.Data)
	assert.Equal(t, rgn.Generation, rgn.Status.ObservedGeneration)
}

func TestRuleGroupsNamespaceReconciler_FailedUpdateKeepsAcceptedData(t *testing.T) {
	server := metricsfake.NewServer()
	server.ValidateConfig = func(data string) error {
		if data == "broken update" {
			return errors.New("error validating rule groups")
		}
		return nil
	}
	workspaceID := createActiveWorkspace(t, server)
	rgn := &metricsv1alpha1.RuleGroupsNamespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: "latency-rules", Namespace: "default", Generation: 1,
			Finalizers: []string{RuleGroupsNamespaceFinalizer},
		},
		Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
			WorkspaceID:   workspaceID,
			Name:          "latency",
			Configuration: testRuleConfig,
		},
	}
	r, c, _ := newRGNReconciler(t, server, rgn)
	// Force a remote read every reconcile so the failed update is observed.
	r.Observed = NewObservedStateCache(time.Nanosecond)
	ctx := context.Background()
	req := rgnRequest("latency-rules")

	reconcileUntilStable(t, r, req)

	require.NoError(t, c.Get(ctx, req.NamespacedName, rgn))
	rgn.Spec.Configuration = "broken update"
	rgn.Generation++
	require.NoError(t, c.Update(ctx, rgn))

	// Put, then observe the rejection.
	_, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	result, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsZero())

	require.NoError(t, c.Get(ctx, req.NamespacedName, rgn))
	assert.Equal(t, metricsv1alpha1.StatusCodeUpdateFailed, rgn.Status.StatusCode)
	// Spec keeps the rejected intent; status.data keeps what the service
	// still serves.
	assert.Equal(t, "broken update", rgn.Spec.Configuration)
	assert.Equal(t, testRuleConfig, rgn.Status.Data)
	cond := findCondition(t, rgn.Status.Conditions, ConditionTypeSynced)
	assert.Equal(t, metav1.ConditionTrue, cond.Status)
	assert.Equal(t, ReasonUpdateFailed, cond.Reason)
}

func TestRuleGroupsNamespaceReconciler_TerminalTagRejection(t *testing.T) {
	server := metricsfake.NewServer()
	workspaceID := createActiveWorkspace(t, server)
	rgn := &metricsv1alpha1.RuleGroupsNamespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: "latency-rules", Namespace: "default", Generation: 1,
			Finalizers: []string{RuleGroupsNamespaceFinalizer},
		},
		Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
			WorkspaceID:   workspaceID,
			Name:          "latency",
			Configuration: testRuleConfig,
			Tags:          map[string]string{"team": "platform"},
		},
	}
	r, c, recorder := newRGNReconciler(t, server, rgn)
	ctx := context.Background()
	req := rgnRequest("latency-rules")

	reconcileUntilStable(t, r, req)
	require.NoError(t, c.Get(ctx, req.NamespacedName, rgn))
	drainEvents(recorder)

	server.FailNext("TagResource", &metricsapi.APIError{
		HTTPStatus: 400, Code: metricsapi.CodeValidation, Message: "tag key invalid",
	})
	rgn.Spec.Tags = map[string]string{"team": "platform", "bad key": "x"}
	rgn.Generation++
	require.NoError(t, c.Update(ctx, rgn))

	result, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsZero())

	// The terminal verdict must not be papered over by an Available report.
	require.NoError(t, c.Get(ctx, req.NamespacedName, rgn))
	term := findCondition(t, rgn.Status.Conditions, ConditionTypeTerminal)
	assert.Equal(t, metav1.ConditionTrue, term.Status)
	assert.Contains(t, term.Message, "tag key invalid")
	synced := findCondition(t, rgn.Status.Conditions, ConditionTypeSynced)
	assert.Equal(t, metav1.ConditionFalse, synced.Status)
	assert.Equal(t, ReasonUpdateError, synced.Reason)
}

func TestRuleGroupsNamespaceReconciler_WorkspaceNotReady(t *testing.T) {
	server := metricsfake.NewServer()
	rgn := &metricsv1alpha1.RuleGroupsNamespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: "latency-rules", Namespace: "default", Generation: 1,
			Finalizers: []string{RuleGroupsNamespaceFinalizer},
		},
		Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
			WorkspaceID:   "ws-missing",
			Name:          "latency",
			Configuration: testRuleConfig,
		},
	}
	r, c, _ := newRGNReconciler(t, server, rgn)
	ctx := context.Background()
	req := rgnRequest("latency-rules")

	// Missing parent workspace is retried on a timer, not treated as fatal.
	result, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DefaultRequeueWhileCreating, result.RequeueAfter)

	require.NoError(t, c.Get(ctx, req.NamespacedName, rgn))
	cond := findCondition(t, rgn.Status.Conditions, ConditionTypeSynced)
	assert.Equal(t, metav1.ConditionFalse, cond.Status)
	assert.Equal(t, ReasonWorkspaceNotReady, cond.Reason)
	assert.False(t, isTerminal(rgn.Status.Conditions))
}

func TestRuleGroupsNamespaceReconciler_Delete(t *testing.T) {
	server := metricsfake.NewServer()
	workspaceID := createActiveWorkspace(t, server)
	rgn := &metricsv1alpha1.RuleGroupsNamespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: "latency-rules", Namespace: "default", Generation: 1,
			Finalizers: []string{RuleGroupsNamespaceFinalizer},
		},
		Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
			WorkspaceID:   workspaceID,
			Name:          "latency",
			Configuration: testRuleConfig,
		},
	}
	r, c, _ := newRGNReconciler(t, server, rgn)
	ctx := context.Background()
	req := rgnRequest("latency-rules")

	reconcileUntilStable(t, r, req)
	require.NoError(t, c.Get(ctx, req.NamespacedName, rgn))
	require.NoError(t, c.Delete(ctx, rgn))

	result, err := r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DefaultRequeueWhileDeleting, result.RequeueAfter)

	result, err = r.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsZero())

	err = c.Get(ctx, req.NamespacedName, rgn)
	assert.True(t, apierrors.IsNotFound(err))

	_, err = server.DescribeRuleGroupsNamespace(ctx, workspaceID, "latency")
	assert.True(t, metricsapi.IsNotFound(err))
}
