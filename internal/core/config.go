package core

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to any of
// Bulwark's server components.
type Config struct {
	// Hostname or IP address on which the servers will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// IP address broadcast to clients in the stream handshake line.
	ExternalIP string `mapstructure:"external_ip"`
	// Maximum number of concurrently bound sessions the server will allow.
	// In-flight handshakes are not counted against this limit.
	MaxSessions int `mapstructure:"max_sessions"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"logging"`

	Gateway struct {
		// Port on which the stream (TCP) listener will accept clients.
		StreamPort int `mapstructure:"stream_port"`
		// Port on which the shared datagram (UDP) socket will be bound.
		DatagramPort int `mapstructure:"datagram_port"`
		// Greeting sent over the stream once a client has authenticated.
		WelcomeMessage string `mapstructure:"welcome_message"`
	} `mapstructure:"gateway"`

	Auth struct {
		// HMAC key shared between the server and its clients. Falls back to
		// the built-in default when unset.
		SharedSecret string `mapstructure:"shared_secret"`
	} `mapstructure:"auth"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log the contents of sent and received datagrams.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
	} `mapstructure:"debugging"`
}

// DefaultSharedSecret is the authentication key used when no shared_secret is
// configured. Deployments should override it in config.yaml.
const DefaultSharedSecret = "bulwark-dev-shared-secret"

const envVarPrefix = "BULWARK"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("error reading config file: %v", err)
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, gateway.stream_port can be set using:
	// <envVarPrefix>_GATEWAY_STREAM_PORT
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v", err)
		os.Exit(1)
	}
	return config
}

func setDefaults() {
	viper.SetDefault("hostname", "10.0.0.84")
	viper.SetDefault("max_sessions", 9)
	viper.SetDefault("logging.log_level", "info")
	viper.SetDefault("gateway.stream_port", 9997)
	viper.SetDefault("gateway.datagram_port", 9998)
	viper.SetDefault("gateway.welcome_message", "Welcome to Bulwark")
}

// AdvertisedAddress returns the server address broadcast to clients in the
// handshake line, preferring the configured external IP over the bind
// hostname.
func (c *Config) AdvertisedAddress() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	return c.Hostname
}

// SharedSecret returns the configured authentication key, or the built-in
// default when the config does not provide one.
func (c *Config) SharedSecret() []byte {
	if c.Auth.SharedSecret == "" {
		return []byte(DefaultSharedSecret)
	}
	return []byte(c.Auth.SharedSecret)
}
