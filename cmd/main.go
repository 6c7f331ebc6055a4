package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/yaml"

	metricsv1alpha1 "github.com/observeworks/metrics-operator/api/v1alpha1"
	"github.com/observeworks/metrics-operator/internal/controller"
	"github.com/observeworks/metrics-operator/internal/metricsapi"
	"github.com/observeworks/metrics-operator/internal/shutdown"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(metricsv1alpha1.AddToScheme(scheme))
}

// controlPlaneConfig is the operator's connection configuration, loaded from
// an optional YAML file and overridable by flags. The auth token is read
// from a file so it can be mounted as a secret and rotated without a
// restartable flag change.
type controlPlaneConfig struct {
	// Endpoint is the metrics control-plane base URL.
	Endpoint string `json:"endpoint"`
	// AuthTokenFile is a path to a file holding the bearer token.
	AuthTokenFile string `json:"authTokenFile,omitempty"`
	// ReadRetries is the retry budget for describe calls.
	ReadRetries *int `json:"readRetries,omitempty"`
	// RequeueWhileCreating overrides the poll interval for CREATING resources.
	RequeueWhileCreating *metav1.Duration `json:"requeueWhileCreating,omitempty"`
	// RequeueWhileUpdating overrides the poll interval for UPDATING resources.
	RequeueWhileUpdating *metav1.Duration `json:"requeueWhileUpdating,omitempty"`
	// RequeueWhileDeleting overrides the poll interval for DELETING resources.
	RequeueWhileDeleting *metav1.Duration `json:"requeueWhileDeleting,omitempty"`
	// ObservedTTL overrides how long a cached remote observation may satisfy
	// a reconcile without a fresh describe.
	ObservedTTL *metav1.Duration `json:"observedTTL,omitempty"`
}

func loadControlPlaneConfig(path string) (*controlPlaneConfig, error) {
	cfg := &controlPlaneConfig{}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *controlPlaneConfig) authToken() (string, error) {
	if token := os.Getenv("METRICS_API_TOKEN"); token != "" {
		return token, nil
	}
	if c.AuthTokenFile == "" {
		return "", nil
	}
	raw, err := os.ReadFile(c.AuthTokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read auth token file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func (c *controlPlaneConfig) options() controller.Options {
	opts := controller.DefaultOptions()
	if c.RequeueWhileCreating != nil {
		opts.RequeueWhileCreating = c.RequeueWhileCreating.Duration
	}
	if c.RequeueWhileUpdating != nil {
		opts.RequeueWhileUpdating = c.RequeueWhileUpdating.Duration
	}
	if c.RequeueWhileDeleting != nil {
		opts.RequeueWhileDeleting = c.RequeueWhileDeleting.Duration
	}
	if c.ObservedTTL != nil {
		opts.ObservedTTL = c.ObservedTTL.Duration
	}
	return opts
}

func main() {
	var metricsAddr string
	var enableLeaderElection bool
	var probeAddr string
	var secureMetrics bool
	var enableHTTP2 bool
	var configFile string
	var endpoint string
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&secureMetrics, "metrics-secure", false,
		"If set the metrics endpoint is served securely.")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics and webhook servers.")
	flag.StringVar(&configFile, "config", "",
		"Path to a YAML file with the control-plane connection configuration.")
	flag.StringVar(&endpoint, "control-plane-endpoint", "",
		"Metrics control-plane base URL. Overrides the config file.")
	opts := zap.Options{
		Development: true,
		TimeEncoder: zapcore.ISO8601TimeEncoder,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg, err := loadControlPlaneConfig(configFile)
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if cfg.Endpoint == "" {
		setupLog.Error(nil, "no control-plane endpoint configured, set --control-plane-endpoint or the config file")
		os.Exit(1)
	}
	token, err := cfg.authToken()
	if err != nil {
		setupLog.Error(err, "unable to load auth token")
		os.Exit(1)
	}

	// HTTP/2 stays off unless asked for (CVE-2023-44487 mitigation).
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}
	tlsOpts := []func(*tls.Config){}
	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress:   metricsAddr,
			SecureServing: secureMetrics,
			TLSOpts:       tlsOpts,
		},
		WebhookServer:          webhook.NewServer(webhook.Options{TLSOpts: tlsOpts}),
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "metrics-operator.observeworks.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	remote := metricsapi.NewHTTPClient(metricsapi.HTTPClientConfig{
		BaseURL:     cfg.Endpoint,
		AuthToken:   token,
		ReadRetries: cfg.ReadRetries,
	})
	ctrlOpts := cfg.options()

	if err = (&controller.WorkspaceReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("workspace-controller"),
		Remote:   remote,
		Options:  ctrlOpts,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Workspace")
		os.Exit(1)
	}
	if err = (&controller.RuleGroupsNamespaceReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("rulegroupsnamespace-controller"),
		Remote:   remote,
		Options:  ctrlOpts,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "RuleGroupsNamespace")
		os.Exit(1)
	}
	if err = (&controller.AlertManagerDefinitionReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("alertmanagerdefinition-controller"),
		Remote:   remote,
		Options:  ctrlOpts,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "AlertManagerDefinition")
		os.Exit(1)
	}
	if err = (&controller.LoggingConfigurationReconciler{
		Client:   mgr.GetClient(),
		Scheme:   mgr.GetScheme(),
		Recorder: mgr.GetEventRecorderFor("loggingconfiguration-controller"),
		Remote:   remote,
		Options:  ctrlOpts,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "LoggingConfiguration")
		os.Exit(1)
	}

	tracker := shutdown.NewTracker()
	readyChecker := shutdown.NewHealthChecker(tracker)

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", readyChecker.Check); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	ctx := shutdown.SetupSignalHandler(tracker)

	setupLog.Info("starting manager", "endpoint", cfg.Endpoint)
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
