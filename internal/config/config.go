// Package config loads and validates the operator configuration file.
//
// The file is JSON or YAML (both are accepted) and is pointed to by the
// --config flag or the KUBE_WORKSPACE_CONFIG environment variable.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

// EnvConfigPath is the environment variable holding the config file path
// when the --config flag is not given.
const EnvConfigPath = "KUBE_WORKSPACE_CONFIG"

// usernames become part of DNS-constrained object names, so they must be
// RFC 1123 label compatible.
var usernamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Config is the full operator configuration.
type Config struct {
	// ListenAddr is the address the control-plane API binds to.
	ListenAddr string `json:"listenAddr,omitempty"`

	// Users is the whitelist of accounts allowed to own workspaces.
	// Immutable after load; a reload builds a new Config.
	Users []User `json:"users"`

	// Workspace configures the resources provisioned per user.
	Workspace Workspace `json:"workspace"`

	// AutoShutdown configures idle detection and automatic stop.
	AutoShutdown AutoShutdown `json:"autoShutdown,omitempty"`
}

// User is a single whitelisted account.
type User struct {
	// Username is the stable, cluster-name-safe account name.
	Username string `json:"username"`

	// SSHPublicKeys are the authorized keys in OpenSSH format. Any of
	// them authenticates the user.
	SSHPublicKeys []string `json:"sshPublicKeys"`

	// Resources optionally overrides the pod template resource limits
	// for this user.
	Resources *ResourceOverrides `json:"resources,omitempty"`
}

// ResourceOverrides are per-user resource limit overrides, expressed as
// Kubernetes quantities ("500m", "2Gi").
type ResourceOverrides struct {
	CPULimit    string `json:"cpuLimit,omitempty"`
	MemoryLimit string `json:"memoryLimit,omitempty"`
}

// Workspace configures the per-user resource topology.
type Workspace struct {
	// PodTemplate is the base pod spec merged with per-user settings when
	// a workspace pod is rendered. Consumed, never mutated.
	PodTemplate corev1.PodSpec `json:"podTemplate,omitempty"`

	// DefaultImage is used when the pod template does not set one.
	DefaultImage string `json:"defaultImage,omitempty"`

	// HomeVolumeSize is the size of the user home PVC.
	HomeVolumeSize string `json:"homeVolumeSize,omitempty"`

	// StorageClass for the home PVC. Nil uses the cluster default.
	StorageClass *string `json:"storageClass,omitempty"`

	// ReadyTimeout bounds how long a start request waits for the pod to
	// report ready before returning the current (provisioning) state.
	ReadyTimeout metav1.Duration `json:"readyTimeout,omitempty"`
}

// AutoShutdown configures the activity monitor.
type AutoShutdown struct {
	Enabled bool `json:"enabled,omitempty"`

	// Interval between monitor sweeps.
	Interval metav1.Duration `json:"interval,omitempty"`

	// IdleThreshold is how long a workspace must stay idle (no sessions,
	// CPU below the floor) before it is stopped.
	IdleThreshold metav1.Duration `json:"idleThreshold,omitempty"`

	// SampleValidity bounds the gap between two samples. A larger gap
	// means the recorded idle state is stale and the idle clock restarts.
	SampleValidity metav1.Duration `json:"sampleValidity,omitempty"`

	// CPUIdleMillis is the per-pod CPU usage floor in millicores. Usage
	// at or below the floor counts as idle.
	CPUIdleMillis int64 `json:"cpuIdleMillis,omitempty"`

	// IgnoredPorts are TCP ports excluded from session counting, e.g.
	// health-check ports that always have a connection open.
	IgnoredPorts []int32 `json:"ignoredPorts,omitempty"`
}

// Defaults applied by Load for unset fields.
const (
	DefaultListenAddr     = ":8080"
	DefaultImage          = "ubuntu:24.04"
	DefaultHomeVolumeSize = "10Gi"
)

var (
	defaultReadyTimeout   = 5 * time.Minute
	defaultInterval       = time.Minute
	defaultIdleThreshold  = time.Hour
	defaultSampleValidity = 5 * time.Minute
)

// Load reads, decodes, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("could not decode config file %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Workspace.DefaultImage == "" {
		c.Workspace.DefaultImage = DefaultImage
	}
	if c.Workspace.HomeVolumeSize == "" {
		c.Workspace.HomeVolumeSize = DefaultHomeVolumeSize
	}
	if c.Workspace.ReadyTimeout.Duration == 0 {
		c.Workspace.ReadyTimeout.Duration = defaultReadyTimeout
	}
	if c.AutoShutdown.Interval.Duration == 0 {
		c.AutoShutdown.Interval.Duration = defaultInterval
	}
	if c.AutoShutdown.IdleThreshold.Duration == 0 {
		c.AutoShutdown.IdleThreshold.Duration = defaultIdleThreshold
	}
	if c.AutoShutdown.SampleValidity.Duration == 0 {
		c.AutoShutdown.SampleValidity.Duration = defaultSampleValidity
	}
}

// Validate checks structural constraints that would otherwise surface much
// later as cluster API rejections.
func (c *Config) Validate() error {
	if len(c.Users) == 0 {
		return fmt.Errorf("config: at least one user must be whitelisted")
	}

	seen := make(map[string]bool, len(c.Users))
	for i, user := range c.Users {
		if !usernamePattern.MatchString(user.Username) {
			return fmt.Errorf("config: users[%d]: username %q is not a valid DNS label", i, user.Username)
		}
		if seen[user.Username] {
			return fmt.Errorf("config: duplicate username %q", user.Username)
		}
		seen[user.Username] = true

		if len(user.SSHPublicKeys) == 0 {
			return fmt.Errorf("config: user %q has no SSH public keys", user.Username)
		}
		if user.Resources != nil {
			if err := validateQuantity(user.Resources.CPULimit); err != nil {
				return fmt.Errorf("config: user %q: invalid cpuLimit: %w", user.Username, err)
			}
			if err := validateQuantity(user.Resources.MemoryLimit); err != nil {
				return fmt.Errorf("config: user %q: invalid memoryLimit: %w", user.Username, err)
			}
		}
	}

	if _, err := resource.ParseQuantity(c.Workspace.HomeVolumeSize); err != nil {
		return fmt.Errorf("config: invalid homeVolumeSize %q: %w", c.Workspace.HomeVolumeSize, err)
	}
	return nil
}

// UserByName returns the whitelisted user with the given name, or nil.
func (c *Config) UserByName(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}

func validateQuantity(q string) error {
	if q == "" {
		return nil
	}
	_, err := resource.ParseQuantity(q)
	return err
}
