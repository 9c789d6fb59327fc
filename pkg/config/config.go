// config is the package containing configuration for luffyd, shared
// so it can be read by luffyd itself as well as by tooling that
// generates its config files.
package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	ConfigPath          = "/etc/luffyd/conf"
	ConfigName          = "luffy-config.yaml"
	ConfigType          = "yaml"
	LuffyConfigVersion  = "v1"
	EnvPrefix           = "LUFFY"
	DefaultListen       = ":3030"
	DefaultMemcachePort = 11211
)

type Config struct {
	// This is expected to be present in a config file (and will not
	// correspond to a flag). If it is not equal to LuffyConfigVersion
	// above, the file is considered an invalid configuration.
	ConfigVersion string `mapstructure:"luffyConfigVersion"`

	LogFormat     string `mapstructure:"logFormat"`
	Listen        string `mapstructure:"listen"`
	ListenMetrics string `mapstructure:"listenMetrics"`

	// Rate limit for the routes that change things.
	RateLimitRequests int           `mapstructure:"rateLimitRequests"`
	RateLimitWindow   time.Duration `mapstructure:"rateLimitWindow"`

	GitHubToken        string  `mapstructure:"githubToken"`
	GitHubOwner        string  `mapstructure:"githubOwner"`
	GitHubOwnerIsOrg   bool    `mapstructure:"githubOwnerIsOrg"`
	GitHubAPIURL       string  `mapstructure:"githubApiUrl"`
	GitHubBranch       string  `mapstructure:"githubBranch"`
	GitHubRPS          float64 `mapstructure:"githubRps"`
	GitHubPrivateRepos bool    `mapstructure:"githubPrivateRepos"`
	GitHubDeleteRepos  bool    `mapstructure:"githubDeleteRepos"`

	ArgoCDNamespace         string `mapstructure:"argocdNamespace"`
	ArgoCDProject           string `mapstructure:"argocdProject"`
	ArgoCDDestinationServer string `mapstructure:"argocdDestinationServer"`

	K8sKubeconfig string `mapstructure:"k8sKubeconfig"`
	K8sVerbosity  int    `mapstructure:"k8sVerbosity"`

	ImageRegistry string `mapstructure:"imageRegistry"`
	AppPort       int    `mapstructure:"appPort"`

	ControlTimeout   time.Duration `mapstructure:"controlTimeout"`
	PollTimeout      time.Duration `mapstructure:"pollTimeout"`
	RetryAttempts    int           `mapstructure:"retryAttempts"`
	PromotionTimeout time.Duration `mapstructure:"promotionTimeout"`

	ReconcileInterval    time.Duration `mapstructure:"reconcileInterval"`
	ReconcileConcurrency int           `mapstructure:"reconcileConcurrency"`
	PipelineRefresh      time.Duration `mapstructure:"pipelineRefresh"`
	PipelineSchedule     string        `mapstructure:"pipelineSchedule"`
	HistoryPrune         string        `mapstructure:"historyPrune"`
	HistoryRetention     time.Duration `mapstructure:"historyRetention"`
	AutoPromotePreprod   bool          `mapstructure:"autoPromotePreprod"`

	MemcachedHostname string        `mapstructure:"memcachedHostname"`
	MemcachedPort     int           `mapstructure:"memcachedPort"`
	MemcachedService  string        `mapstructure:"memcachedService"`
	MemcachedTimeout  time.Duration `mapstructure:"memcachedTimeout"`

	DatabaseURL       string   `mapstructure:"databaseUrl"`
	ReservedTenantIDs []string `mapstructure:"reservedTenantIds"`

	Token string `mapstructure:"token"`
}

// IsValid checks a config read from a file.
func (c Config) IsValid() error {
	if c.ConfigVersion != LuffyConfigVersion {
		return fmt.Errorf("config file is expected to include `luffyConfigVersion: %s` to mark it as a luffy config", LuffyConfigVersion)
	}
	return c.Check()
}

// Check makes sure the values that have no usable zero value were
// given.
func (c Config) Check() error {
	if c.GitHubToken == "" {
		return fmt.Errorf("--github-token is required")
	}
	if c.GitHubOwner == "" {
		return fmt.Errorf("--github-owner is required")
	}
	if c.GitHubAPIURL != "" {
		if _, err := url.Parse(c.GitHubAPIURL); err != nil {
			return fmt.Errorf("--github-api-url: %s", err)
		}
	}
	if c.HistoryPrune != "" && c.HistoryRetention <= 0 {
		return fmt.Errorf("--history-retention must be positive when --history-prune is set")
	}
	if c.RateLimitRequests > 0 && c.RateLimitWindow <= 0 {
		return fmt.Errorf("--rate-limit-window must be positive when --rate-limit-requests is set")
	}
	return nil
}

// MemcachedAddr is where to find memcached, or empty if it is not
// configured.
func (c Config) MemcachedAddr() string {
	if c.MemcachedHostname == "" {
		return ""
	}
	port := c.MemcachedPort
	if port == 0 {
		port = DefaultMemcachePort
	}
	return fmt.Sprintf("%s:%d", c.MemcachedHostname, port)
}
