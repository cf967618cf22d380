package config

import (
	"github.com/Ryan0v0/flower-profiler/internal/common"
	"github.com/Ryan0v0/flower-profiler/internal/metrics"
)

// Config carries everything the profiler needs for one process: scheduling
// parameters, per-participant training profiles, and the backend and
// observability wiring.
type Config struct {
	PolyDegree          int     `yaml:"poly_degree" validate:"min=1,max=15"`
	FractionFit         float64 `yaml:"fraction_fit" validate:"min=0,max=1"`
	MinFitClients       int     `yaml:"min_fit_clients" validate:"min=1"`
	MinAvailableClients int     `yaml:"min_available_clients" validate:"min=1"`
	AcceptFailures      bool    `yaml:"accept_failures"`
	ProbeSteps          int     `yaml:"probe_steps" validate:"min=1"`
	DefaultSteps        int     `yaml:"default_steps" validate:"min=1"`

	// CalibrationSeed drives the calibration step sizes and client sampling.
	// Zero means derive a seed from the clock; the chosen seed is logged so
	// a run can still be replayed.
	CalibrationSeed int64 `yaml:"calibration_seed"`

	// Profiles maps participant IDs to their steady-state step counts.
	// Participants without a profile fall back to DefaultSteps.
	Profiles map[string]int `yaml:"profiles"`

	// Participants are the client IDs registered at startup and sampled
	// each round.
	Participants []string `yaml:"participants"`

	HTTP    HTTPConfig     `yaml:"http"`
	Metrics metrics.Config `yaml:"metrics"`
	Kube    KubeConfig     `yaml:"kube"`
}

type HTTPConfig struct {
	Port        int `yaml:"port" validate:"min=1"`
	MetricsPort int `yaml:"metrics_port"`
}

type KubeConfig struct {
	ConfigPath  string `yaml:"config_path"`
	Namespace   string `yaml:"namespace"`
	Image       string `yaml:"image"`
	PollSeconds int    `yaml:"poll_seconds"`
}

// Default returns the configuration used when no file overrides a value.
func Default() Config {
	return Config{
		PolyDegree:          common.DEFAULT_POLY_DEGREE,
		FractionFit:         common.DEFAULT_FRACTION_FIT,
		MinFitClients:       common.DEFAULT_MIN_FIT_CLIENTS,
		MinAvailableClients: common.DEFAULT_MIN_AVAILABLE_CLIENTS,
		AcceptFailures:      true,
		ProbeSteps:          common.DEFAULT_PROBE_STEPS,
		DefaultSteps:        common.DEFAULT_LOCAL_STEPS,
		HTTP: HTTPConfig{
			Port:        8080,
			MetricsPort: 9090,
		},
		Kube: KubeConfig{
			Namespace:   common.KUBE_NAMESPACE_DEFAULT,
			PollSeconds: 5,
		},
	}
}
