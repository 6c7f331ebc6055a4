package integration

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	crfake "sigs.k8s.io/controller-runtime/pkg/client/fake"

	metricsv1alpha1 "github.com/observeworks/metrics-operator/api/v1alpha1"
	"github.com/observeworks/metrics-operator/internal/controller"
	"github.com/observeworks/metrics-operator/internal/metricsapi"
	metricsfake "github.com/observeworks/metrics-operator/internal/metricsapi/fake"
)

const testNamespace = "default"

const ruleConfig = `groups:
  - name: latency
    rules:
      - alert: HighLatency
        expr: histogram_quantile(0.99, request_duration_seconds_bucket) > 2
`

const alertConfig = `alertmanager_config: |
  route:
    receiver: pager
  receivers:
    - name: pager
`

type reconciler interface {
	Reconcile(context.Context, ctrl.Request) (ctrl.Result, error)
}

// testEnv wires all four reconcilers to one in-memory cluster and one
// in-memory control plane, the same topology cmd/main.go builds for real.
type testEnv struct {
	ctx    context.Context
	client client.Client
	server *metricsfake.Server

	workspaces *controller.WorkspaceReconciler
	ruleGroups *controller.RuleGroupsNamespaceReconciler
	alerting   *controller.AlertManagerDefinitionReconciler
	logging    *controller.LoggingConfigurationReconciler
}

func newEnv() *testEnv {
	GinkgoHelper()
	scheme := runtime.NewScheme()
	Expect(metricsv1alpha1.AddToScheme(scheme)).To(Succeed())
	c := crfake.NewClientBuilder().
		WithScheme(scheme).
		WithStatusSubresource(
			&metricsv1alpha1.Workspace{},
			&metricsv1alpha1.RuleGroupsNamespace{},
			&metricsv1alpha1.AlertManagerDefinition{},
			&metricsv1alpha1.LoggingConfiguration{},
		).
		Build()
	server := metricsfake.NewServer()

	// The scenarios below mutate the remote side behind the controller's
	// back, so every reconcile must re-describe instead of trusting a
	// cached observation.
	observed := controller.NewObservedStateCache(time.Nanosecond)
	opts := controller.DefaultOptions()

	return &testEnv{
		ctx:    context.Background(),
		client: c,
		server: server,
		workspaces: &controller.WorkspaceReconciler{
			Client: c, Scheme: scheme, Recorder: record.NewFakeRecorder(64),
			Remote: server, Observed: observed, Options: opts,
		},
		ruleGroups: &controller.RuleGroupsNamespaceReconciler{
			Client: c, Scheme: scheme, Recorder: record.NewFakeRecorder(64),
			Remote: server, Observed: observed, Options: opts,
		},
		alerting: &controller.AlertManagerDefinitionReconciler{
			Client: c, Scheme: scheme, Recorder: record.NewFakeRecorder(64),
			Remote: server, Observed: observed, Options: opts,
		},
		logging: &controller.LoggingConfigurationReconciler{
			Client: c, Scheme: scheme, Recorder: record.NewFakeRecorder(64),
			Remote: server, Observed: observed, Options: opts,
		},
	}
}

func key(name string) types.NamespacedName {
	return types.NamespacedName{Namespace: testNamespace, Name: name}
}

func (e *testEnv) reconcile(r reconciler, name string) ctrl.Result {
	GinkgoHelper()
	result, err := r.Reconcile(e.ctx, ctrl.Request{NamespacedName: key(name)})
	Expect(err).NotTo(HaveOccurred())
	return result
}

// driveUntil reconciles until done reports convergence, bailing out if the
// controller needs suspiciously many passes.
func (e *testEnv) driveUntil(r reconciler, name string, done func() bool) {
	GinkgoHelper()
	for i := 0; i < 15; i++ {
		e.reconcile(r, name)
		if done() {
			return
		}
	}
	Fail(fmt.Sprintf("reconciling %s did not converge", name))
}

func (e *testEnv) workspaceStatus(name string) metricsv1alpha1.WorkspaceStatus {
	GinkgoHelper()
	var ws metricsv1alpha1.Workspace
	Expect(e.client.Get(e.ctx, key(name), &ws)).To(Succeed())
	return ws.Status
}

// activeWorkspace creates a Workspace CR and drives it to ACTIVE, returning
// the remote workspace ID the service assigned.
func (e *testEnv) activeWorkspace(name string, spec metricsv1alpha1.WorkspaceSpec) string {
	GinkgoHelper()
	ws := &metricsv1alpha1.Workspace{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: testNamespace, Generation: 1},
		Spec:       spec,
	}
	Expect(e.client.Create(e.ctx, ws)).To(Succeed())
	e.driveUntil(e.workspaces, name, func() bool {
		return e.workspaceStatus(name).StatusCode == metricsv1alpha1.StatusCodeActive
	})
	return e.workspaceStatus(name).WorkspaceID
}

func hasCondition(conditions []metav1.Condition, condType, reason string) bool {
	for _, c := range conditions {
		if c.Type == condType {
			return c.Status == metav1.ConditionTrue && c.Reason == reason
		}
	}
	return false
}

func condition(conditions []metav1.Condition, condType string) metav1.Condition {
	GinkgoHelper()
	for _, c := range conditions {
		if c.Type == condType {
			return c
		}
	}
	Fail(fmt.Sprintf("condition %s not found", condType))
	return metav1.Condition{}
}

var _ = Describe("Workspace provisioning", func() {
	It("converges a workspace and its dependent resources", func() {
		env := newEnv()

		By("creating the workspace")
		workspaceID := env.activeWorkspace("prod", metricsv1alpha1.WorkspaceSpec{
			Alias: "production",
			Tags:  map[string]string{"team": "observability", "env": "prod"},
		})
		status := env.workspaceStatus("prod")
		Expect(status.ARN).NotTo(BeEmpty())
		Expect(env.server.WorkspaceTags(status.ARN)).To(Equal(
			map[string]string{"team": "observability", "env": "prod"}))

		By("creating a rule groups namespace against the assigned workspace ID")
		rgn := &metricsv1alpha1.RuleGroupsNamespace{
			ObjectMeta: metav1.ObjectMeta{Name: "latency-rules", Namespace: testNamespace, Generation: 1},
			Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
				WorkspaceID:   workspaceID,
				Name:          "latency",
				Configuration: ruleConfig,
				Tags:          map[string]string{"rules": "latency"},
			},
		}
		Expect(env.client.Create(env.ctx, rgn)).To(Succeed())
		env.driveUntil(env.ruleGroups, "latency-rules", func() bool {
			Expect(env.client.Get(env.ctx, key("latency-rules"), rgn)).To(Succeed())
			return rgn.Status.StatusCode == metricsv1alpha1.StatusCodeActive
		})
		Expect(rgn.Status.Data).To(Equal(ruleConfig))
		Expect(hasCondition(rgn.Status.Conditions, controller.ConditionTypeSynced, controller.ReasonAvailable)).To(BeTrue())

		remote, err := env.server.DescribeRuleGroupsNamespace(env.ctx, workspaceID, "latency")
		Expect(err).NotTo(HaveOccurred())
		Expect(remote.Data).To(Equal(ruleConfig))
		Expect(env.server.WorkspaceTags(remote.ARN)).To(Equal(map[string]string{"rules": "latency"}))

		By("creating the alert manager definition")
		amd := &metricsv1alpha1.AlertManagerDefinition{
			ObjectMeta: metav1.ObjectMeta{Name: "alerting", Namespace: testNamespace, Generation: 1},
			Spec: metricsv1alpha1.AlertManagerDefinitionSpec{
				WorkspaceID:   workspaceID,
				Configuration: alertConfig,
			},
		}
		Expect(env.client.Create(env.ctx, amd)).To(Succeed())
		env.driveUntil(env.alerting, "alerting", func() bool {
			Expect(env.client.Get(env.ctx, key("alerting"), amd)).To(Succeed())
			return amd.Status.StatusCode == metricsv1alpha1.StatusCodeActive
		})
		Expect(amd.Status.Data).To(Equal(alertConfig))

		By("creating the logging configuration")
		lc := &metricsv1alpha1.LoggingConfiguration{
			ObjectMeta: metav1.ObjectMeta{Name: "logging", Namespace: testNamespace, Generation: 1},
			Spec: metricsv1alpha1.LoggingConfigurationSpec{
				WorkspaceID: workspaceID,
				LogGroupARN: "arn:obsw:logs::group/prod-metrics",
			},
		}
		Expect(env.client.Create(env.ctx, lc)).To(Succeed())
		env.driveUntil(env.logging, "logging", func() bool {
			Expect(env.client.Get(env.ctx, key("logging"), lc)).To(Succeed())
			return lc.Status.StatusCode == metricsv1alpha1.StatusCodeActive
		})
		Expect(lc.Status.LogGroupARN).To(Equal("arn:obsw:logs::group/prod-metrics"))
	})

	It("holds a dependent resource until its workspace exists", func() {
		env := newEnv()

		rgn := &metricsv1alpha1.RuleGroupsNamespace{
			ObjectMeta: metav1.ObjectMeta{Name: "early-rules", Namespace: testNamespace, Generation: 1},
			Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
				WorkspaceID:   "ws-not-yet-created",
				Name:          "latency",
				Configuration: ruleConfig,
			},
		}
		Expect(env.client.Create(env.ctx, rgn)).To(Succeed())

		// The missing parent is transient, never terminal: the controller
		// keeps polling at the creation interval.
		env.reconcile(env.ruleGroups, "early-rules")
		result := env.reconcile(env.ruleGroups, "early-rules")
		Expect(result.RequeueAfter).To(Equal(controller.DefaultRequeueWhileCreating))

		Expect(env.client.Get(env.ctx, key("early-rules"), rgn)).To(Succeed())
		Expect(hasCondition(rgn.Status.Conditions, controller.ConditionTypeTerminal, controller.ReasonWorkspaceNotReady)).To(BeFalse())
		synced := condition(rgn.Status.Conditions, controller.ConditionTypeSynced)
		Expect(synced.Status).To(Equal(metav1.ConditionFalse))
		Expect(synced.Reason).To(Equal(controller.ReasonWorkspaceNotReady))
	})
})

var _ = Describe("Configuration rollout", func() {
	It("keeps the last accepted configuration across a failed update and heals on correction", func() {
		env := newEnv()
		env.server.ValidateConfig = func(data string) error {
			if data == "this is not a rules file" {
				return fmt.Errorf("invalid rule groups configuration")
			}
			return nil
		}

		workspaceID := env.activeWorkspace("prod", metricsv1alpha1.WorkspaceSpec{Alias: "production"})

		rgn := &metricsv1alpha1.RuleGroupsNamespace{
			ObjectMeta: metav1.ObjectMeta{Name: "latency-rules", Namespace: testNamespace, Generation: 1},
			Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
				WorkspaceID:   workspaceID,
				Name:          "latency",
				Configuration: ruleConfig,
			},
		}
		Expect(env.client.Create(env.ctx, rgn)).To(Succeed())
		env.driveUntil(env.ruleGroups, "latency-rules", func() bool {
			Expect(env.client.Get(env.ctx, key("latency-rules"), rgn)).To(Succeed())
			return rgn.Status.StatusCode == metricsv1alpha1.StatusCodeActive
		})

		By("pushing a configuration the service rejects")
		rgn.Spec.Configuration = "this is not a rules file"
		rgn.Generation++
		Expect(env.client.Update(env.ctx, rgn)).To(Succeed())
		env.driveUntil(env.ruleGroups, "latency-rules", func() bool {
			Expect(env.client.Get(env.ctx, key("latency-rules"), rgn)).To(Succeed())
			return rgn.Status.StatusCode == metricsv1alpha1.StatusCodeUpdateFailed
		})

		// The spec keeps the operator's intent, status keeps remote reality.
		Expect(rgn.Spec.Configuration).To(Equal("this is not a rules file"))
		Expect(rgn.Status.Data).To(Equal(ruleConfig))
		Expect(rgn.Status.StatusReason).To(ContainSubstring("invalid rule groups configuration"))
		Expect(hasCondition(rgn.Status.Conditions, controller.ConditionTypeSynced, controller.ReasonUpdateFailed)).To(BeTrue())
		Expect(hasCondition(rgn.Status.Conditions, controller.ConditionTypeTerminal, controller.ReasonTerminalError)).To(BeFalse())

		// A failed update is stable: no further remote calls until the spec
		// moves again.
		failedResult := env.reconcile(env.ruleGroups, "latency-rules")
		Expect(failedResult.IsZero()).To(BeTrue())

		By("correcting the configuration")
		fixed := ruleConfig + "      - alert: VeryHighLatency\n        expr: histogram_quantile(0.99, request_duration_seconds_bucket) > 5\n"
		Expect(env.client.Get(env.ctx, key("latency-rules"), rgn)).To(Succeed())
		rgn.Spec.Configuration = fixed
		rgn.Generation++
		Expect(env.client.Update(env.ctx, rgn)).To(Succeed())
		env.driveUntil(env.ruleGroups, "latency-rules", func() bool {
			Expect(env.client.Get(env.ctx, key("latency-rules"), rgn)).To(Succeed())
			return rgn.Status.StatusCode == metricsv1alpha1.StatusCodeActive
		})
		Expect(rgn.Status.Data).To(Equal(fixed))

		remote, err := env.server.DescribeRuleGroupsNamespace(env.ctx, workspaceID, "latency")
		Expect(err).NotTo(HaveOccurred())
		Expect(remote.Data).To(Equal(fixed))
	})

	It("applies log group changes with a synchronous update", func() {
		env := newEnv()
		workspaceID := env.activeWorkspace("prod", metricsv1alpha1.WorkspaceSpec{Alias: "production"})

		lc := &metricsv1alpha1.LoggingConfiguration{
			ObjectMeta: metav1.ObjectMeta{Name: "logging", Namespace: testNamespace, Generation: 1},
			Spec: metricsv1alpha1.LoggingConfigurationSpec{
				WorkspaceID: workspaceID,
				LogGroupARN: "arn:obsw:logs::group/old",
			},
		}
		Expect(env.client.Create(env.ctx, lc)).To(Succeed())
		env.driveUntil(env.logging, "logging", func() bool {
			Expect(env.client.Get(env.ctx, key("logging"), lc)).To(Succeed())
			return lc.Status.StatusCode == metricsv1alpha1.StatusCodeActive
		})

		lc.Spec.LogGroupARN = "arn:obsw:logs::group/new"
		lc.Generation++
		Expect(env.client.Update(env.ctx, lc)).To(Succeed())

		// One pass: the update call itself returns the settled state.
		updateResult := env.reconcile(env.logging, "logging")
		Expect(updateResult.IsZero()).To(BeTrue())
		Expect(env.client.Get(env.ctx, key("logging"), lc)).To(Succeed())
		Expect(lc.Status.LogGroupARN).To(Equal("arn:obsw:logs::group/new"))

		remote, err := env.server.DescribeLoggingConfiguration(env.ctx, workspaceID)
		Expect(err).NotTo(HaveOccurred())
		Expect(remote.LogGroupARN).To(Equal("arn:obsw:logs::group/new"))
	})
})

var _ = Describe("Ownership", func() {
	It("refuses to adopt a rule groups namespace it did not create", func() {
		env := newEnv()
		workspaceID := env.activeWorkspace("prod", metricsv1alpha1.WorkspaceSpec{Alias: "production"})

		// Someone creates the namespace outside Kubernetes.
		_, err := env.server.CreateRuleGroupsNamespace(env.ctx, workspaceID, "latency", ruleConfig, nil)
		Expect(err).NotTo(HaveOccurred())

		rgn := &metricsv1alpha1.RuleGroupsNamespace{
			ObjectMeta: metav1.ObjectMeta{Name: "latency-rules", Namespace: testNamespace, Generation: 1},
			Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
				WorkspaceID:   workspaceID,
				Name:          "latency",
				Configuration: ruleConfig,
			},
		}
		Expect(env.client.Create(env.ctx, rgn)).To(Succeed())

		env.reconcile(env.ruleGroups, "latency-rules")
		collisionResult := env.reconcile(env.ruleGroups, "latency-rules")
		Expect(collisionResult.IsZero()).To(BeTrue())

		Expect(env.client.Get(env.ctx, key("latency-rules"), rgn)).To(Succeed())
		Expect(hasCondition(rgn.Status.Conditions, controller.ConditionTypeTerminal, controller.ReasonNameCollision)).To(BeTrue())
	})

	It("refuses a second alert manager definition for the same workspace", func() {
		env := newEnv()
		workspaceID := env.activeWorkspace("prod", metricsv1alpha1.WorkspaceSpec{Alias: "production"})

		first := &metricsv1alpha1.AlertManagerDefinition{
			ObjectMeta: metav1.ObjectMeta{Name: "alerting", Namespace: testNamespace, Generation: 1},
			Spec: metricsv1alpha1.AlertManagerDefinitionSpec{
				WorkspaceID:   workspaceID,
				Configuration: alertConfig,
			},
		}
		Expect(env.client.Create(env.ctx, first)).To(Succeed())
		env.driveUntil(env.alerting, "alerting", func() bool {
			Expect(env.client.Get(env.ctx, key("alerting"), first)).To(Succeed())
			return first.Status.StatusCode == metricsv1alpha1.StatusCodeActive
		})

		second := &metricsv1alpha1.AlertManagerDefinition{
			ObjectMeta: metav1.ObjectMeta{Name: "alerting-shadow", Namespace: testNamespace, Generation: 1},
			Spec: metricsv1alpha1.AlertManagerDefinitionSpec{
				WorkspaceID:   workspaceID,
				Configuration: alertConfig,
			},
		}
		Expect(env.client.Create(env.ctx, second)).To(Succeed())

		env.reconcile(env.alerting, "alerting-shadow")
		shadowResult := env.reconcile(env.alerting, "alerting-shadow")
		Expect(shadowResult.IsZero()).To(BeTrue())

		Expect(env.client.Get(env.ctx, key("alerting-shadow"), second)).To(Succeed())
		Expect(hasCondition(second.Status.Conditions, controller.ConditionTypeTerminal, controller.ReasonAlreadyExists)).To(BeTrue())

		// The owning definition is untouched.
		Expect(env.client.Get(env.ctx, key("alerting"), first)).To(Succeed())
		Expect(first.Status.StatusCode).To(Equal(metricsv1alpha1.StatusCodeActive))
	})

	It("flags dependents whose workspace was deleted out of band", func() {
		env := newEnv()
		workspaceID := env.activeWorkspace("prod", metricsv1alpha1.WorkspaceSpec{Alias: "production"})

		rgn := &metricsv1alpha1.RuleGroupsNamespace{
			ObjectMeta: metav1.ObjectMeta{Name: "latency-rules", Namespace: testNamespace, Generation: 1},
			Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
				WorkspaceID:   workspaceID,
				Name:          "latency",
				Configuration: ruleConfig,
			},
		}
		Expect(env.client.Create(env.ctx, rgn)).To(Succeed())
		env.driveUntil(env.ruleGroups, "latency-rules", func() bool {
			Expect(env.client.Get(env.ctx, key("latency-rules"), rgn)).To(Succeed())
			return rgn.Status.StatusCode == metricsv1alpha1.StatusCodeActive
		})

		By("deleting the workspace behind the controller's back")
		Expect(env.server.DeleteWorkspace(env.ctx, workspaceID)).To(Succeed())
		_, err := env.server.DescribeWorkspace(env.ctx, workspaceID)
		Expect(metricsapi.IsNotFound(err)).To(BeTrue())

		orphanResult := env.reconcile(env.ruleGroups, "latency-rules")
		Expect(orphanResult.IsZero()).To(BeTrue())
		Expect(env.client.Get(env.ctx, key("latency-rules"), rgn)).To(Succeed())
		Expect(hasCondition(rgn.Status.Conditions, controller.ConditionTypeTerminal, controller.ReasonRemoteResourceMissing)).To(BeTrue())

		workspaceResult := env.reconcile(env.workspaces, "prod")
		Expect(workspaceResult.IsZero()).To(BeTrue())
		status := env.workspaceStatus("prod")
		Expect(hasCondition(status.Conditions, controller.ConditionTypeTerminal, controller.ReasonRemoteResourceMissing)).To(BeTrue())
	})
})

var _ = Describe("Teardown", func() {
	It("releases finalizers once remote deletes settle", func() {
		env := newEnv()
		workspaceID := env.activeWorkspace("prod", metricsv1alpha1.WorkspaceSpec{Alias: "production"})

		rgn := &metricsv1alpha1.RuleGroupsNamespace{
			ObjectMeta: metav1.ObjectMeta{Name: "latency-rules", Namespace: testNamespace, Generation: 1},
			Spec: metricsv1alpha1.RuleGroupsNamespaceSpec{
				WorkspaceID:   workspaceID,
				Name:          "latency",
				Configuration: ruleConfig,
			},
		}
		Expect(env.client.Create(env.ctx, rgn)).To(Succeed())
		env.driveUntil(env.ruleGroups, "latency-rules", func() bool {
			Expect(env.client.Get(env.ctx, key("latency-rules"), rgn)).To(Succeed())
			return rgn.Status.StatusCode == metricsv1alpha1.StatusCodeActive
		})

		By("deleting the rule groups namespace CR")
		Expect(env.client.Delete(env.ctx, rgn)).To(Succeed())
		env.driveUntil(env.ruleGroups, "latency-rules", func() bool {
			err := env.client.Get(env.ctx, key("latency-rules"), &metricsv1alpha1.RuleGroupsNamespace{})
			return apierrors.IsNotFound(err)
		})
		_, err := env.server.DescribeRuleGroupsNamespace(env.ctx, workspaceID, "latency")
		Expect(metricsapi.IsNotFound(err)).To(BeTrue())

		By("deleting the workspace CR")
		var ws metricsv1alpha1.Workspace
		Expect(env.client.Get(env.ctx, key("prod"), &ws)).To(Succeed())
		Expect(env.client.Delete(env.ctx, &ws)).To(Succeed())
		env.driveUntil(env.workspaces, "prod", func() bool {
			err := env.client.Get(env.ctx, key("prod"), &metricsv1alpha1.Workspace{})
			return apierrors.IsNotFound(err)
		})
		_, err = env.server.DescribeWorkspace(env.ctx, workspaceID)
		Expect(metricsapi.IsNotFound(err)).To(BeTrue())
	})
})
