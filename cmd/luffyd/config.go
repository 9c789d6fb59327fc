package main

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/openluffy/luffy/pkg/config"
	"github.com/openluffy/luffy/pkg/promote"
	"github.com/openluffy/luffy/pkg/tenant"
)

// envName is the environment variable that can stand in for a flag,
// e.g., LUFFY_GITHUB_TOKEN for --github-token.
func envName(flagName string) string {
	return config.EnvPrefix + "_" + strings.ToUpper(strings.Replace(flagName, "-", "_", -1))
}

// defineConfigFlags defines the flags that can also be set in a config
// file or the environment. These need special treatment, because some
// care must be taken to match them ("bind") with config file field
// names.
func defineConfigFlags(fs *pflag.FlagSet, v *viper.Viper, bail func(error)) {

	bind := func(fieldName, flagName string) error {
		configStruct := reflect.TypeOf(config.Config{})
		field, ok := configStruct.FieldByName(fieldName)
		if !ok {
			return fmt.Errorf("attempt to bind a flag to a field not present in config.Config, %q", fieldName)
		}
		tag := field.Tag
		// this parallels the logic in
		// github.com/mitchellh/mapstructure, except that we want to
		// bail if a field is mentioned that is marked ignore, like
		// this: `mapstructure:"-"`
		mappedName := field.Name
		mapstructureTagParts := strings.Split(tag.Get("mapstructure"), ",")
		if namePart := mapstructureTagParts[0]; namePart != "" {
			if namePart == "-" { // means ignore this field
				return fmt.Errorf(`attempt to bind a flag to a config field tagged as ignored, %q`, field.Name)
			}
			mappedName = namePart
		}
		if err := v.BindEnv(mappedName, envName(flagName)); err != nil {
			return err
		}
		return v.BindPFlag(mappedName, fs.Lookup(flagName))
	}

	bindOrBail := func(fieldName, flagName string) {
		if err := bind(fieldName, flagName); err != nil {
			bail(err)
		}
	}

	defineString := func(fieldName, flagName, def, desc string) {
		fs.String(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineStringP := func(fieldName, flagName, short, def, desc string) {
		fs.StringP(flagName, short, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineStringSlice := func(fieldName, flagName string, def []string, desc string) {
		fs.StringSlice(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineBool := func(fieldName, flagName string, def bool, desc string) {
		fs.Bool(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineDuration := func(fieldName, flagName string, def time.Duration, desc string) {
		fs.Duration(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineInt := func(fieldName, flagName string, def int, desc string) {
		fs.Int(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineFloat64 := func(fieldName, flagName string, def float64, desc string) {
		fs.Float64(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineString("LogFormat", "log-format", "fmt", "change the log format; one of {fmt,json}")
	defineStringP("Listen", "listen", "l", config.DefaultListen, "listen address where /metrics and API will be served")
	defineString("ListenMetrics", "listen-metrics", "", "listen address for /metrics endpoint")
	defineString("Token", "token", "", "if set, API requests must carry this bearer token")
	defineInt("RateLimitRequests", "rate-limit-requests", 10, "requests each client may make to the routes that change customers, per --rate-limit-window; 0 turns limiting off")
	defineDuration("RateLimitWindow", "rate-limit-window", time.Minute, "window for --rate-limit-requests")

	// GitHub
	defineString("GitHubToken", "github-token", "", "token for the GitHub API; needs the repo and workflow scopes")
	defineString("GitHubOwner", "github-owner", "", "user or organisation owning customer repositories, unless the request names another")
	defineBool("GitHubOwnerIsOrg", "github-owner-is-org", false, "create new repositories in the owner's organisation rather than under the authenticated user")
	defineString("GitHubAPIURL", "github-api-url", "", "base URL of a GitHub Enterprise API; empty means github.com")
	defineString("GitHubBranch", "github-branch", "main", "branch templates are pushed to, unless the request names another")
	defineFloat64("GitHubRPS", "github-rps", 10, "maximum GitHub API requests per second; 0 means no limit")
	defineBool("GitHubPrivateRepos", "github-private-repos", true, "create customer repositories as private")
	defineBool("GitHubDeleteRepos", "github-delete-repos", true, "allow deleting a customer to delete its repository when asked")

	// Argo CD
	defineString("ArgoCDNamespace", "argocd-namespace", "argocd", "namespace where Argo CD looks for Applications")
	defineString("ArgoCDProject", "argocd-project", "default", "Argo CD project customer Applications belong to")
	defineString("ArgoCDDestinationServer", "argocd-destination-server", "https://kubernetes.default.svc", "cluster Argo CD deploys customer Applications to")

	// Kubernetes
	defineString("K8sKubeconfig", "k8s-kubeconfig", "", "path to a kubeconfig; empty means in-cluster configuration")
	defineInt("K8sVerbosity", "k8s-verbosity", 0, "klog verbosity level")

	// Templates
	defineString("ImageRegistry", "image-registry", "ghcr.io", "registry CI pushes customer images to; the repository owner is appended")
	defineInt("AppPort", "app-port", 3000, "port customer applications listen on")

	// Timeouts and retries
	defineDuration("ControlTimeout", "control-timeout", 30*time.Second, "duration after which calls that change GitHub, Argo CD or Kubernetes time out")
	defineDuration("PollTimeout", "poll-timeout", 5*time.Second, "duration after which calls that only read time out")
	defineInt("RetryAttempts", "retry-attempts", 3, "attempts at each call that fails transiently, including the first")
	defineDuration("PromotionTimeout", "promotion-timeout", 5*time.Minute, "how long prod may take to converge after a promotion is approved")

	// Background work
	defineDuration("ReconcileInterval", "reconcile-interval", 15*time.Second, "period at which deployments are compared with what is running, and approvals opened")
	defineInt("ReconcileConcurrency", "reconcile-concurrency", promote.DefaultConcurrency, "customers reconciled at once; each gets --control-timeout")
	defineDuration("PipelineRefresh", "pipeline-refresh", 30*time.Second, "how long pipeline summaries are cached")
	defineString("PipelineSchedule", "pipeline-schedule", "@every 30s", "cron schedule for refreshing pipeline summaries in the background; empty turns it off")
	defineString("HistoryPrune", "history-prune", "@daily", "cron schedule for pruning old history; empty turns it off")
	defineDuration("HistoryRetention", "history-retention", 90*24*time.Hour, "how long history events are kept")
	defineBool("AutoPromotePreprod", "auto-promote-preprod", true, "send an image deployed to dev on to preprod without approval")

	defineString("MemcachedHostname", "memcached-hostname", "", "hostname for memcached service; empty means pipeline summaries are only cached in-process")
	defineInt("MemcachedPort", "memcached-port", config.DefaultMemcachePort, "memcached service port")
	defineString("MemcachedService", "memcached-service", "", "SRV service used to discover memcache servers; empty means use --memcached-hostname and --memcached-port as given")
	defineDuration("MemcachedTimeout", "memcached-timeout", time.Second, "maximum time to wait before giving up on memcached requests")

	defineString("DatabaseURL", "database-url", "", "Postgres URL for history and integrations; empty means keep them in memory")
	defineStringSlice("ReservedTenantIDs", "reserved-tenant-ids", tenant.DefaultReserved, "glob patterns of customer ids that may not be used")
}
