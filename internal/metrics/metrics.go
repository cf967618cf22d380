package metrics

import (
	"fmt"
	"io"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/cactus/go-statsd-client/statsd"
	"github.com/hashicorp/go-hclog"
	"github.com/uber-go/tally"
	tallyprom "github.com/uber-go/tally/prometheus"
	tallystatsd "github.com/uber-go/tally/statsd"
)

// Config selects the metrics backend
type Config struct {
	Prometheus *prometheusConfig `yaml:"prometheus"`
	Statsd     *statsdConfig     `yaml:"statsd"`
}

type prometheusConfig struct {
	Enable bool `yaml:"enable"`
}

type statsdConfig struct {
	Enable   bool   `yaml:"enable"`
	Endpoint string `yaml:"endpoint"`
}

// InitMetricScope initializes a root scope and its closer, with a http
// server mux serving /metrics and /health
func InitMetricScope(
	logger hclog.Logger,
	cfg *Config,
	rootMetricScope string,
	metricFlushInterval time.Duration) (tally.Scope, io.Closer, *nethttp.ServeMux) {
	mux := nethttp.NewServeMux()
	var reporter tally.StatsReporter
	var cachedReporter tally.CachedStatsReporter
	var promHandler nethttp.Handler
	metricSeparator := "."
	if cfg.Prometheus != nil && cfg.Prometheus.Enable {
		// tally panics if the scope name contains "-", hence force convert to "_"
		rootMetricScope = strings.Replace(rootMetricScope, "-", "_", -1)
		metricSeparator = "_"
		promReporter := tallyprom.NewReporter(tallyprom.Options{})
		cachedReporter = promReporter
		promHandler = promReporter.HTTPHandler()
	} else if cfg.Statsd != nil && cfg.Statsd.Enable {
		logger.Info(fmt.Sprintf("Metrics configured with statsd endpoint %s", cfg.Statsd.Endpoint))
		c, err := statsd.NewClient(cfg.Statsd.Endpoint, "")
		if err != nil {
			logger.Error(fmt.Sprintf("Unable to setup Statsd client: %v", err))
			panic(err)
		}
		reporter = tallystatsd.NewReporter(c, tallystatsd.Options{})
	} else {
		logger.Warn("No metrics backends configured, using the statsd.NoopClient")
		c, _ := statsd.NewNoopClient()
		reporter = tallystatsd.NewReporter(c, tallystatsd.Options{})
	}

	if promHandler != nil {
		// if prometheus support is enabled, handle /metrics to serve prom metrics
		logger.Info("Setting up prometheus metrics handler at /metrics")
		mux.Handle("/metrics", promHandler)
	}
	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	scopeOptions := tally.ScopeOptions{
		Prefix:    rootMetricScope,
		Tags:      map[string]string{},
		Separator: metricSeparator,
	}
	if cachedReporter != nil {
		scopeOptions.CachedReporter = cachedReporter
	} else {
		scopeOptions.Reporter = reporter
	}
	metricScope, scopeCloser := tally.NewRootScope(scopeOptions, metricFlushInterval)

	return metricScope, scopeCloser, mux
}
