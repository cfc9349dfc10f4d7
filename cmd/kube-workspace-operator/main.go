package main

import (
	"flag"
	"os"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/joho/godotenv"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/refaktory/kube-workspace/internal/auth"
	"github.com/refaktory/kube-workspace/internal/config"
	"github.com/refaktory/kube-workspace/internal/metrics"
	"github.com/refaktory/kube-workspace/internal/monitor"
	"github.com/refaktory/kube-workspace/internal/reconciler"
	"github.com/refaktory/kube-workspace/internal/server"
	"github.com/refaktory/kube-workspace/internal/template"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "",
		"Path to the operator config file. Falls back to the "+
			config.EnvConfigPath+" environment variable.")
	opts := zap.Options{}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	// A .env file is optional; it mainly serves local development.
	_ = godotenv.Load()

	if configPath == "" {
		configPath = os.Getenv(config.EnvConfigPath)
	}
	if configPath == "" {
		setupLog.Error(nil, "no config file given: set --config or "+config.EnvConfigPath)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load config", "path", configPath)
		os.Exit(1)
	}
	setupLog.Info("config loaded", "path", configPath, "users", len(cfg.Users))

	authn, err := auth.New(cfg.Users)
	if err != nil {
		setupLog.Error(err, "unable to build the key whitelist")
		os.Exit(1)
	}
	engine, err := template.NewEngine(cfg.Workspace)
	if err != nil {
		setupLog.Error(err, "invalid workspace template")
		os.Exit(1)
	}

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		setupLog.Error(err, "unable to load kubeconfig")
		os.Exit(1)
	}
	k8sClient, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		setupLog.Error(err, "unable to build cluster client")
		os.Exit(1)
	}

	recorder := metrics.NewRecorder()
	rec := reconciler.New(k8sClient, cfg, engine, ctrl.Log.WithName("reconciler"),
		reconciler.Options{
			ReadyTimeout: cfg.Workspace.ReadyTimeout.Duration,
			Metrics:      recorder,
		})

	ctx := ctrl.SetupSignalHandler()

	if cfg.AutoShutdown.Enabled {
		probe, err := monitor.NewExecSessionProbe(restConfig, cfg.AutoShutdown.IgnoredPorts)
		if err != nil {
			setupLog.Error(err, "unable to build session probe")
			os.Exit(1)
		}
		var sampler monitor.CPUSampler
		cpuSampler, err := monitor.NewMetricsCPUSampler(restConfig)
		if err != nil {
			// Without metrics-server the monitor still works on the
			// session signal alone.
			setupLog.Info("cpu sampling disabled", "reason", err.Error())
		} else {
			sampler = cpuSampler
		}
		mon := monitor.New(k8sClient, probe, sampler, rec, cfg.AutoShutdown,
			ctrl.Log.WithName("monitor"),
			monitor.Options{Metrics: recorder})
		go mon.Run(ctx)
	}

	srv := server.New(authn, rec, ctrl.Log.WithName("server"), recorder)
	setupLog.Info("starting control-plane api", "addr", cfg.ListenAddr)
	if err := srv.Run(ctx, cfg.ListenAddr); err != nil {
		setupLog.Error(err, "control-plane api failed")
		os.Exit(1)
	}
}
