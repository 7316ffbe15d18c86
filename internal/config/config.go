package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/LibreQoE/bufferbloat-test/internal/core/constants"
	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/internal/util"
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	personaPorts := make(map[string]int, len(domain.DefaultPersonaPorts))
	for p, port := range domain.DefaultPersonaPorts {
		personaPorts[string(p)] = port
	}

	return &Config{
		Server: ServerConfig{
			Host:             constants.DefaultHost,
			Port:             constants.DefaultFrontDoorPort,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     0, // streaming endpoints manage their own deadlines
			IdleTimeout:      120 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			RequestLogging:   true,
			MaxDownloadBytes: constants.MaxDownloadSize,
			MaxUploadBytes:   constants.MaxUploadSize,
		},
		Ping: PingConfig{
			Port: constants.DefaultPingPort,
		},
		Personas: PersonasConfig{
			Ports: personaPorts,
		},
		Test: TestConfig{
			MaxDuration:       constants.MaxTestDuration,
			HouseholdDuration: constants.HouseholdTestDuration,
			SpeedProbe:        constants.SpeedProbeDuration,
		},
		Telemetry: TelemetryConfig{
			RingSize: constants.DefaultTelemetryRingSize,
			DBPath:   "telemetry.db",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Theme:     "default",
			Directory: "./logs",
		},
	}
}

// Load reads configuration from file and environment variables. The
// documented flat environment options take precedence over the file.
func Load(onReload func()) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("BLOAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindFlatEnv()

	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("BLOAT_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyFlatEnv(config)

	if err := Validate(config); err != nil {
		return nil, err
	}

	if onReload != nil {
		viper.OnConfigChange(func(in fsnotify.Event) { onReload() })
		viper.WatchConfig()
	}

	return config, nil
}

// bindFlatEnv registers the documented flat environment names alongside the
// viper-mapped ones.
func bindFlatEnv() {
	flat := []string{
		"FRONT_DOOR_PORT", "PING_PORT", "MAX_TEST_DURATION_S",
		"TELEMETRY_RING_SIZE", "TELEMETRY_API_KEY",
		"WEBHOOK_URL", "WEBHOOK_SECRET", "TLS_CERT", "TLS_KEY",
	}
	for _, name := range flat {
		_ = viper.BindEnv(strings.ToLower(name), name)
	}
}

func applyFlatEnv(config *Config) {
	if v := viper.GetInt("front_door_port"); v != 0 {
		config.Server.Port = v
	}
	if v := viper.GetInt("ping_port"); v != 0 {
		config.Ping.Port = v
	}
	if v := viper.GetInt("max_test_duration_s"); v != 0 {
		config.Test.MaxDuration = time.Duration(v) * time.Second
	}
	if v := viper.GetInt("telemetry_ring_size"); v != 0 {
		config.Telemetry.RingSize = v
	}
	if v := viper.GetString("telemetry_api_key"); v != "" {
		config.Telemetry.APIKey = v
	}
	if v := viper.GetString("webhook_url"); v != "" {
		config.Webhook.URL = v
	}
	if v := viper.GetString("webhook_secret"); v != "" {
		config.Webhook.Secret = v
	}
	if v := viper.GetString("tls_cert"); v != "" {
		config.TLS.CertFile = v
	}
	if v := viper.GetString("tls_key"); v != "" {
		config.TLS.KeyFile = v
	}

	// PERSONA_PORTS is "gaming:8002,video-call:8003,..."
	if v := os.Getenv("PERSONA_PORTS"); v != "" {
		for _, pair := range strings.Split(v, ",") {
			parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
			if len(parts) != 2 {
				continue
			}
			var port int
			if _, err := fmt.Sscanf(parts[1], "%d", &port); err == nil && port > 0 {
				if config.Personas.Ports == nil {
					config.Personas.Ports = map[string]int{}
				}
				config.Personas.Ports[parts[0]] = port
			}
		}
	}
}

// Validate rejects a partially-valid configuration at startup. A server that
// came up with a bad port map would fail in confusing ways mid-test.
func Validate(config *Config) error {
	seen := map[int]string{}
	claim := func(port int, owner string) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("config: %s port %d out of range", owner, port)
		}
		if prev, ok := seen[port]; ok {
			return fmt.Errorf("config: %s port %d collides with %s", owner, port, prev)
		}
		seen[port] = owner
		return nil
	}

	if err := claim(config.Server.Port, "front-door"); err != nil {
		return err
	}
	if err := claim(config.Ping.Port, "ping"); err != nil {
		return err
	}
	for _, persona := range domain.AllPersonas() {
		if err := claim(config.Personas.PortFor(persona), string(persona)+" worker"); err != nil {
			return err
		}
	}

	for name := range config.Personas.Ports {
		if _, ok := domain.ParsePersona(name); !ok {
			return fmt.Errorf("config: unknown persona %q in port map", name)
		}
	}

	if config.Test.MaxDuration <= 0 {
		return fmt.Errorf("config: max test duration must be positive")
	}
	if config.Telemetry.RingSize <= 0 {
		return fmt.Errorf("config: telemetry ring size must be positive")
	}
	if config.Webhook.Secret != "" && config.Webhook.URL == "" {
		return fmt.Errorf("config: webhook secret set without webhook url")
	}
	if (config.TLS.CertFile == "") != (config.TLS.KeyFile == "") {
		return fmt.Errorf("config: TLS requires both cert and key")
	}

	parsed, err := util.ParseTrustedCIDRs(config.Server.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	config.Server.TrustedProxyCIDRsParsed = parsed

	return nil
}
