// Package bootstrap loads the engine's Config the same two-layer way the
// teacher's internal/delivery/server/bootstrap.LoadConfig does: a defaults
// struct, overlaid by an optional on-disk YAML file, overlaid by
// environment variables bound through spf13/viper.
package bootstrap

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting cmd/engine needs to wire the worker engine's
// collaborators together.
type Config struct {
	Port string

	AllowedOrigins []string

	// WaitTokenSecret signs/validates the suspend/resume/cancel wait token
	// (spec.md section 6). Never given a default — cmd/engine refuses to
	// start with an empty secret so a deployment cannot silently run
	// unsigned.
	WaitTokenSecret string

	HTTPClientTimeout time.Duration

	// PersistHost fronts both the "Get paused-invocation payload" and
	// "Persist paused invocation" outbound dependencies of spec.md
	// section 6.
	PersistHost string
	// UserHost resolves the triggering user; defaults to PersistHost when
	// unset, since both are commonly fronted by the same gateway.
	UserHost string
	// AssetsHost and IntegrationsHost front the "Assets by tag" and
	// "Integration lookup" outbound dependencies. Both default to
	// http://localhost:8082.
	AssetsHost       string
	IntegrationsHost string

	Telemetry TelemetryConfig
}

// TelemetryConfig mirrors internal/telemetry.Config, kept as a distinct
// type here so bootstrap doesn't need to import the telemetry package just
// to describe its own file/env shape.
type TelemetryConfig struct {
	ServiceName    string
	Exporter       string
	OTLPEndpoint   string
	JaegerEndpoint string
	ZipkinEndpoint string
}

// LoadConfig builds a Config from defaults, an optional config file (path
// from ALEX_WORKER_CONFIG_FILE, default "./config.yaml"), and environment
// variables prefixed ALEX_WORKER_.
func LoadConfig() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ALEX_WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	configPath := v.GetString("config_file")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
		// Absent config file is fine; defaults + env still apply, matching
		// the teacher's own LoadConfig tolerance for a missing overlay file.
	}

	cfg := Config{
		Port:              v.GetString("port"),
		AllowedOrigins:    v.GetStringSlice("allowed_origins"),
		WaitTokenSecret:   v.GetString("wait_token_secret"),
		HTTPClientTimeout: v.GetDuration("http_client_timeout"),
		PersistHost:       v.GetString("persist_host"),
		UserHost:          v.GetString("user_host"),
		AssetsHost:        v.GetString("assets_host"),
		IntegrationsHost:  v.GetString("integrations_host"),
		Telemetry: TelemetryConfig{
			ServiceName:    v.GetString("telemetry.service_name"),
			Exporter:       v.GetString("telemetry.exporter"),
			OTLPEndpoint:   v.GetString("telemetry.otlp_endpoint"),
			JaegerEndpoint: v.GetString("telemetry.jaeger_endpoint"),
			ZipkinEndpoint: v.GetString("telemetry.zipkin_endpoint"),
		},
	}
	if cfg.UserHost == "" {
		cfg.UserHost = cfg.PersistHost
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("http_client_timeout", 30*time.Second)
	v.SetDefault("persist_host", "http://localhost:8081")
	v.SetDefault("assets_host", "http://localhost:8082")
	v.SetDefault("integrations_host", "http://localhost:8082")
	v.SetDefault("telemetry.service_name", "alex-worker-engine")
	v.SetDefault("telemetry.exporter", "")
}
