package config

import (
	"fmt"
	"net"
	"time"

	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
)

// Config holds all configuration for the application
type Config struct {
	Filename  string          `yaml:"-"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Ping      PingConfig      `yaml:"ping"`
	Personas  PersonasConfig  `yaml:"personas"`
	Test      TestConfig      `yaml:"test"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	TLS       TLSConfig       `yaml:"tls"`
}

// ServerConfig holds the front-door HTTP server configuration
type ServerConfig struct {
	Host                    string        `yaml:"host"`
	Port                    int           `yaml:"port"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`
	RequestLogging          bool          `yaml:"request_logging"`
	TrustProxyHeaders       bool          `yaml:"trust_proxy_headers"`
	TrustedProxyCIDRs       []string      `yaml:"trusted_proxy_cidrs"`
	TrustedProxyCIDRsParsed []*net.IPNet  `yaml:"-"` // to avoid parsing every time :D
	MaxDownloadBytes        int64         `yaml:"max_download_bytes"`
	MaxUploadBytes          int64         `yaml:"max_upload_bytes"`
}

// GetAddress returns the server address in host:port format
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PingConfig holds the isolated ping listener configuration
type PingConfig struct {
	Port int `yaml:"port"`
}

// PersonasConfig maps each household persona to its dedicated worker port
type PersonasConfig struct {
	Ports map[string]int `yaml:"ports"`
}

// PortFor resolves a persona's worker port, falling back to the defaults.
func (p *PersonasConfig) PortFor(persona domain.Persona) int {
	if port, ok := p.Ports[string(persona)]; ok {
		return port
	}
	return domain.DefaultPersonaPorts[persona]
}

// TestConfig bounds test execution
type TestConfig struct {
	MaxDuration       time.Duration `yaml:"max_duration"`
	HouseholdDuration time.Duration `yaml:"household_duration"`
	SpeedProbe        time.Duration `yaml:"speed_probe"`
}

// TelemetryConfig holds the result ring store configuration
type TelemetryConfig struct {
	RingSize int    `yaml:"ring_size"`
	APIKey   string `yaml:"api_key"`
	DBPath   string `yaml:"db_path"`
}

// WebhookConfig mirrors submitted results to an external URL
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// TLSConfig enables native HTTPS when both files are set
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

func (t *TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Theme      string `yaml:"theme"`
	Directory  string `yaml:"directory"`
	FileOutput bool   `yaml:"file_output"`
}
