package config

import (
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/spf13/viper"
)

var (
	// CfgFile overrides the config file location when set by a flag.
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const GOONION_BASE_DIR = ".go-onion"

// InitConfig loads configuration: defaults first, then the config file
// (created on first run), then updates NodeConfigProperties.
func InitConfig() {
	if CfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(CfgFile)
	} else {
		// Set up viper to use the default config path $HOME/.go-onion/
		viper.AddConfigPath(BuildOnionDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()

	// handle config file creating it if needed
	handleConfigFile()

	UpdateNodeConfig()
}

func setDefaults() {
	def := DefaultNodeConfig()

	viper.SetDefault("base_dir", def.BaseDir)
	viper.SetDefault("working_dir", def.WorkingDir)

	// Node defaults
	viper.SetDefault("node.nickname", def.Nickname)
	viper.SetDefault("node.or_port", def.ORPort)
	viper.SetDefault("node.address", def.Address)
	viper.SetDefault("node.exit", def.Exit)
	viper.SetDefault("node.first_hop_fast", def.FirstHopFast)

	// Directory defaults
	viper.SetDefault("directory.path", def.Directory.Path)

	// Build defaults
	viper.SetDefault("build.retries", def.Build.Retries)
	viper.SetDefault("build.timeout", def.Build.Timeout)
	viper.SetDefault("build.rate", def.Build.Rate)
	viper.SetDefault("build.burst", def.Build.Burst)
	viper.SetDefault("build.min_path_len", def.Build.MinPathLen)
	viper.SetDefault("build.max_path_len", def.Build.MaxPathLen)
	viper.SetDefault("build.extend_bias", def.Build.ExtendBias)

	// Circuit defaults
	viper.SetDefault("circuit.idle_cutoff", def.IdleCutoff)
}

func handleConfigFile() {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if CfgFile != "" {
				log.Fatalf("Config file %s is not found: %s", CfgFile, err)
			} else {
				createDefaultConfig(BuildOnionDirPath())
			}
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	} else {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

func createDefaultConfig(defaultConfigDir string) {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	// Ensure directory exists
	if err := os.MkdirAll(defaultConfigDir, 0o755); err != nil {
		log.Fatalf("Could not create config directory: %s", err)
	}

	// Write current config file
	if err := viper.WriteConfigAs(defaultConfigFile); err != nil {
		log.Fatalf("Could not write default config file: %s", err)
	}

	log.Debugf("Created default configuration at: %s", defaultConfigFile)
}

// BuildOnionDirPath returns the node's base directory under the user's
// home.
func BuildOnionDirPath() string {
	return filepath.Join(userHome(), GOONION_BASE_DIR)
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Warnf("Could not determine home directory: %s", err)
		return "."
	}
	return home
}
