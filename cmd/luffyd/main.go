package main

import (
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	appclientset "github.com/argoproj/argo-cd/engine/pkg/client/clientset/versioned"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics/prometheus"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	k8sclient "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog"

	"github.com/openluffy/luffy/pkg/cluster/kubernetes"
	"github.com/openluffy/luffy/pkg/config"
	"github.com/openluffy/luffy/pkg/daemon"
	"github.com/openluffy/luffy/pkg/github"
	"github.com/openluffy/luffy/pkg/gitops"
	"github.com/openluffy/luffy/pkg/history"
	"github.com/openluffy/luffy/pkg/http/server"
	"github.com/openluffy/luffy/pkg/integration"
	luffymetrics "github.com/openluffy/luffy/pkg/metrics"
	"github.com/openluffy/luffy/pkg/pipeline"
	"github.com/openluffy/luffy/pkg/pipeline/memcached"
	"github.com/openluffy/luffy/pkg/promote"
	"github.com/openluffy/luffy/pkg/provision"
	"github.com/openluffy/luffy/pkg/retry"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/templates"
)

var version = "unversioned"

const (
	memcacheRediscover = time.Minute
	shutdownTimeout    = 30 * time.Second
)

var pipelineLookups = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
	Namespace: "luffy",
	Subsystem: "pipeline",
	Name:      "cache_lookups_total",
	Help:      "Pipeline summary lookups, by cache and result.",
}, []string{luffymetrics.LabelCache, luffymetrics.LabelResult})

func main() {
	// A .env file in the working directory is optional; values already
	// in the environment win.
	_ = godotenv.Load()

	// Flag domain.
	fs := pflag.NewFlagSet("default", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  luffyd provisions customers and promotes their releases.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "  Every flag can also be given in the environment, e.g.,\n")
		fmt.Fprintf(os.Stderr, "  %s for --github-token.\n", envName("github-token"))
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}

	v := viper.New()
	bail := func(err error) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	defineConfigFlags(fs, v, bail)

	var (
		configFile  = fs.String("config", "", "path to a YAML config file; flags given on the command line take precedence")
		versionFlag = fs.Bool("version", false, "get version number")
	)

	err := fs.Parse(os.Args[1:])
	switch {
	case err == pflag.ErrHelp:
		os.Exit(0)
	case err != nil:
		bail(err)
	case *versionFlag:
		fmt.Println(version)
		os.Exit(0)
	}

	var cfg config.Config
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		v.SetConfigType(config.ConfigType)
		if err := v.ReadInConfig(); err != nil {
			bail(errors.Wrapf(err, "reading config file %s", *configFile))
		}
		if err := v.Unmarshal(&cfg); err != nil {
			bail(errors.Wrap(err, "decoding config"))
		}
		if err := cfg.IsValid(); err != nil {
			bail(err)
		}
	} else {
		if err := v.Unmarshal(&cfg); err != nil {
			bail(errors.Wrap(err, "decoding config"))
		}
		if err := cfg.Check(); err != nil {
			bail(err)
		}
	}

	// Logger component.
	var logger log.Logger
	{
		switch cfg.LogFormat {
		case "json":
			logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
		case "fmt":
			logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		default:
			bail(fmt.Errorf("unsupported log format %q", cfg.LogFormat))
		}
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	logger.Log("version", version)

	// client-go logs through klog; send it to our logger at the
	// verbosity asked for.
	{
		klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
		klog.InitFlags(klogFlags)
		klogFlags.Set("logtostderr", "false")
		klogFlags.Set("v", strconv.Itoa(cfg.K8sVerbosity))
		klog.SetOutput(log.NewStdlibAdapter(log.With(logger, "component", "klog")))
	}

	retries := retry.Policy{
		Attempts: cfg.RetryAttempts,
		Initial:  retry.DefaultPolicy.Initial,
		Max:      retry.DefaultPolicy.Max,
	}

	// Kubernetes and Argo CD share the connection config. Calls that
	// only read go through clients with the shorter poll timeout.
	var (
		k8s  *kubernetes.Cluster
		apps *gitops.Controller
	)
	{
		restConfig, err := clientcmd.BuildConfigFromFlags("", cfg.K8sKubeconfig)
		if err != nil {
			bail(errors.Wrap(err, "building Kubernetes client config"))
		}
		pollConfig := rest.CopyConfig(restConfig)
		restConfig.Timeout = cfg.ControlTimeout
		pollConfig.Timeout = cfg.PollTimeout

		clientset, err := k8sclient.NewForConfig(restConfig)
		if err != nil {
			bail(errors.Wrap(err, "creating Kubernetes client"))
		}
		pollClientset, err := k8sclient.NewForConfig(pollConfig)
		if err != nil {
			bail(errors.Wrap(err, "creating Kubernetes client"))
		}
		k8sLogger := log.With(logger, "component", "cluster")
		k8s = kubernetes.NewCluster(clientset, k8sLogger).WithPollClient(pollClientset)
		if err := k8s.Ping(); err != nil {
			k8sLogger.Log("warning", "cluster not reachable at startup", "err", err)
		}

		argoClient, err := appclientset.NewForConfig(restConfig)
		if err != nil {
			bail(errors.Wrap(err, "creating Argo CD client"))
		}
		argoPollClient, err := appclientset.NewForConfig(pollConfig)
		if err != nil {
			bail(errors.Wrap(err, "creating Argo CD client"))
		}
		apps = gitops.NewController(argoClient, gitops.Config{
			Namespace:         cfg.ArgoCDNamespace,
			Project:           cfg.ArgoCDProject,
			DestinationServer: cfg.ArgoCDDestinationServer,
		}, log.With(logger, "component", "argocd")).WithPollClient(argoPollClient)
	}

	gh, err := github.NewClient(github.Config{
		Token:          cfg.GitHubToken,
		APIURL:         cfg.GitHubAPIURL,
		OwnerIsOrg:     cfg.GitHubOwnerIsOrg,
		Private:        cfg.GitHubPrivateRepos,
		RPS:            cfg.GitHubRPS,
		ControlTimeout: cfg.ControlTimeout,
		PollTimeout:    cfg.PollTimeout,
	}, log.With(logger, "component", "github"))
	if err != nil {
		bail(errors.Wrap(err, "creating GitHub client"))
	}

	// History and integrations live in Postgres if there is one.
	var (
		events       history.DB
		integrations integration.Store
	)
	if cfg.DatabaseURL != "" {
		dbLogger := log.With(logger, "component", "db")
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			bail(errors.Wrap(err, "opening database"))
		}
		defer db.Close()
		if events, err = history.NewSQL(db, dbLogger); err != nil {
			bail(errors.Wrap(err, "preparing history table"))
		}
		if integrations, err = integration.NewSQLStore(db, dbLogger); err != nil {
			bail(errors.Wrap(err, "preparing integrations table"))
		}
	} else {
		logger.Log("warning", "no --database-url; history and integrations are kept in memory")
		events = history.NewInMemDB()
		integrations = integration.NewInMemStore()
	}

	// Pipeline summaries, shared through memcached if there is one.
	var aggregator *pipeline.Aggregator
	{
		pipelineConfig := pipeline.Config{
			Refresh: cfg.PipelineRefresh,
			Lookups: pipelineLookups,
		}
		if addr := cfg.MemcachedAddr(); addr != "" {
			memcacheConfig := memcached.Config{
				Host:         cfg.MemcachedHostname,
				Service:      cfg.MemcachedService,
				Timeout:      cfg.MemcachedTimeout,
				Rediscover:   memcacheRediscover,
				MaxIdleConns: 16,
				Logger:       log.With(logger, "component", "memcached"),
			}
			var mc *memcached.Summaries
			if cfg.MemcachedService != "" {
				mc = memcached.New(memcacheConfig)
			} else {
				mc = memcached.NewFixed(memcacheConfig, addr)
			}
			defer mc.Stop()
			pipelineConfig.Shared = mc
		}
		aggregator = pipeline.NewAggregator(gh, pipelineConfig, log.With(logger, "component", "pipelines"))
	}

	s := store.New()

	provisioner := provision.New(s, gh, apps, k8s, integrations, events, provision.Config{
		Reserved:      cfg.ReservedTenantIDs,
		DefaultOwner:  cfg.GitHubOwner,
		DefaultBranch: cfg.GitHubBranch,
		ArgoNamespace: cfg.ArgoCDNamespace,
		Templates: templates.Options{
			Registry: cfg.ImageRegistry + "/" + cfg.GitHubOwner,
			Port:     cfg.AppPort,
		},
		Retry:     retries,
		KeepRepos: !cfg.GitHubDeleteRepos,
	}, log.With(logger, "component", "provisioner"))

	promoter := promote.New(s, apps, k8s, aggregator, events, promote.Config{
		Timeout:            cfg.PromotionTimeout,
		TenantTimeout:      cfg.ControlTimeout,
		Concurrency:        cfg.ReconcileConcurrency,
		AutoPromotePreprod: cfg.AutoPromotePreprod,
		Retry:              retries,
	}, log.With(logger, "component", "promoter"))

	daemonLogger := log.With(logger, "component", "daemon")
	d := &daemon.Daemon{
		V:                version,
		Store:            s,
		Cluster:          k8s,
		Provisioner:      provisioner,
		Promoter:         promoter,
		Pipelines:        aggregator,
		IntegrationStore: integrations,
		Events:           events,
		Logger:           daemonLogger,
		LoopVars: &daemon.LoopVars{
			ReconcileInterval: cfg.ReconcileInterval,
		},
	}

	// Mechanical components.

	// When we can receive from this channel, it indicates that we
	// are ready to shut down.
	errc := make(chan error)
	// This signals other routines to shut down;
	shutdown := make(chan struct{})
	// .. and this is to wait for other routines to shut down cleanly.
	shutdownWg := &sync.WaitGroup{}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	shutdownWg.Add(1)
	go d.Loop(shutdown, shutdownWg, daemonLogger)

	scheduler := cron.New()
	if err := d.Schedule(scheduler, daemon.Schedules{
		PipelineRefresh:  cfg.PipelineSchedule,
		HistoryPrune:     cfg.HistoryPrune,
		HistoryRetention: cfg.HistoryRetention,
		Timeout:          cfg.ControlTimeout,
	}, log.With(logger, "component", "cron")); err != nil {
		bail(err)
	}
	scheduler.Start()

	// Transport domain.
	var apiServer = daemon.NewErrorLoggingServer(daemon.Instrument(d), log.With(logger, "component", "api"))
	handler := server.NewHandler(apiServer, server.NewRouter(), server.RateLimit{
		Requests: cfg.RateLimitRequests,
		Window:   cfg.RateLimitWindow,
	}, log.With(logger, "component", "http"))
	handler = server.RequireToken(cfg.Token).Wrap(handler)

	mux := http.NewServeMux()
	if cfg.ListenMetrics == "" {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			logger.Log("addr", cfg.ListenMetrics, "msg", "serving metrics")
			errc <- http.ListenAndServe(cfg.ListenMetrics, metricsMux)
		}()
	}
	mux.Handle("/", handler)

	go func() {
		logger.Log("addr", cfg.Listen, "msg", "serving API")
		errc <- http.ListenAndServe(cfg.Listen, mux)
	}()

	// Go!
	logger.Log("exiting", <-errc)

	// Stop the background work, then wait for what the engines have
	// started, but not forever.
	close(shutdown)
	<-scheduler.Stop().Done()
	done := make(chan struct{})
	go func() {
		shutdownWg.Wait()
		provisioner.Wait()
		promoter.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Log("warning", "engines still busy at shutdown")
	}
	klog.Flush()
}
