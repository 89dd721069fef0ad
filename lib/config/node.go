package config

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// DirectoryConfig locates the relay descriptor store.
type DirectoryConfig struct {
	// Path to the descriptor YAML file.
	Path string
}

// BuildConfig tunes circuit construction.
type BuildConfig struct {
	// Retries after a transient build failure.
	Retries int
	// Timeout for one build attempt.
	Timeout time.Duration
	// Rate and Burst limit circuit launches per second.
	Rate  float64
	Burst int
	// MinPathLen and MaxPathLen bound the hop count.
	MinPathLen int
	MaxPathLen int
	// ExtendBias is the probability of each extra hop beyond the
	// minimum.
	ExtendBias float64
}

// node.config options
type NodeConfig struct {
	// the path to the base config directory where per-system defaults are stored
	BaseDir string
	// the path to the working directory where keys and state are changed
	WorkingDir string
	// Nickname identifies this node in its own descriptor.
	Nickname string
	// ORPort is the TCP port the relay listens on; 0 disables the
	// listener and the node runs as a pure client.
	ORPort uint16
	// Address is the IPv4 address advertised in the descriptor.
	Address string
	// Exit permits streams to leave the network at this node.
	Exit bool
	// FirstHopFast uses the lightweight first-hop handshake; only
	// sound when the link layer authenticates peers.
	FirstHopFast bool
	// relay directory configuration
	Directory *DirectoryConfig
	// circuit build configuration
	Build *BuildConfig
	// IdleCutoff is how long an unused streamless circuit lives.
	IdleCutoff time.Duration
}

func defaultBase() string {
	return filepath.Join(BuildOnionDirPath(), "base")
}

func defaultWorking() string {
	return filepath.Join(BuildOnionDirPath(), "config")
}

// defaults for the node
var defaultNodeConfig = &NodeConfig{
	BaseDir:    defaultBase(),
	WorkingDir: defaultWorking(),
	Nickname:   "unnamed",
	ORPort:     9001,
	Address:    "127.0.0.1",
	Directory: &DirectoryConfig{
		Path: filepath.Join(defaultWorking(), "directory.yaml"),
	},
	Build: &BuildConfig{
		Retries:    3,
		Timeout:    30 * time.Second,
		Rate:       8,
		Burst:      16,
		MinPathLen: 3,
		MaxPathLen: 8,
		ExtendBias: 0.25,
	},
	IdleCutoff: 10 * time.Minute,
}

func DefaultNodeConfig() *NodeConfig {
	return defaultNodeConfig
}

var NodeConfigProperties = DefaultNodeConfig()

// NewNodeConfigFromViper creates a new NodeConfig from current viper
// settings. This is the preferred way to get config instead of using
// the global NodeConfigProperties.
func NewNodeConfigFromViper() *NodeConfig {
	return &NodeConfig{
		BaseDir:      viper.GetString("base_dir"),
		WorkingDir:   viper.GetString("working_dir"),
		Nickname:     viper.GetString("node.nickname"),
		ORPort:       uint16(viper.GetUint32("node.or_port")),
		Address:      viper.GetString("node.address"),
		Exit:         viper.GetBool("node.exit"),
		FirstHopFast: viper.GetBool("node.first_hop_fast"),
		Directory: &DirectoryConfig{
			Path: viper.GetString("directory.path"),
		},
		Build: &BuildConfig{
			Retries:    viper.GetInt("build.retries"),
			Timeout:    viper.GetDuration("build.timeout"),
			Rate:       viper.GetFloat64("build.rate"),
			Burst:      viper.GetInt("build.burst"),
			MinPathLen: viper.GetInt("build.min_path_len"),
			MaxPathLen: viper.GetInt("build.max_path_len"),
			ExtendBias: viper.GetFloat64("build.extend_bias"),
		},
		IdleCutoff: viper.GetDuration("circuit.idle_cutoff"),
	}
}

// UpdateNodeConfig updates the global NodeConfigProperties from viper
// settings.
func UpdateNodeConfig() {
	NodeConfigProperties = NewNodeConfigFromViper()
}
