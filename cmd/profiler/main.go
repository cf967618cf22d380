package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/Ryan0v0/flower-profiler/internal/backend"
	kubebackend "github.com/Ryan0v0/flower-profiler/internal/backend/kube"
	simbackend "github.com/Ryan0v0/flower-profiler/internal/backend/sim"
	"github.com/Ryan0v0/flower-profiler/internal/clientmgr"
	"github.com/Ryan0v0/flower-profiler/internal/common"
	"github.com/Ryan0v0/flower-profiler/internal/config"
	"github.com/Ryan0v0/flower-profiler/internal/events"
	"github.com/Ryan0v0/flower-profiler/internal/metrics"
	"github.com/Ryan0v0/flower-profiler/internal/server"
	"github.com/Ryan0v0/flower-profiler/internal/strategy"
)

const (
	FlagConfig    = "config"
	FlagBackend   = "backend"
	FlagDebug     = "debug"
	FlagSimJitter = "sim-jitter"
)

func main() {
	app := cli.NewApp()
	app.Name = "flower-profiler"
	app.Usage = "Resource-aware round scheduler for federated training fleets"
	app.Flags = []cli.Flag{
		cli.StringSliceFlag{
			Name:  FlagConfig + ", c",
			Usage: "config file, repeatable; later files override earlier ones",
		},
		cli.StringFlag{
			Name:  FlagBackend + ", b",
			Value: "kube",
			Usage: "execution backend, kube or sim",
		},
		cli.BoolFlag{
			Name:  FlagDebug + ", d",
			Usage: "enable debug logging level",
		},
		cli.Float64Flag{
			Name:  FlagSimJitter,
			Value: 0.05,
			Usage: "relative timing noise of the sim backend",
		},
	}
	app.Action = func(c *cli.Context) error {
		return startProfiler(c)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Critical error: %v\n", err)
		os.Exit(1)
	}
}

func startProfiler(c *cli.Context) error {
	_ = os.Mkdir("log", 0777)
	logFile, err := os.OpenFile("log/run.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return errors.Wrap(err, "opening log file")
	}
	defer logFile.Close()

	logLevel := "INFO"
	if c.Bool(FlagDebug) {
		logLevel = "DEBUG"
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "flower-profiler",
		Level:  hclog.LevelFromString(logLevel),
		Output: io.MultiWriter(os.Stdout, logFile),
	})

	cfg := config.Default()
	if configFiles := c.StringSlice(FlagConfig); len(configFiles) > 0 {
		if err := config.Parse(&cfg, configFiles...); err != nil {
			return errors.Wrap(err, "parsing config")
		}
	}

	rootScope, scopeCloser, metricsMux := metrics.InitMetricScope(logger, &cfg.Metrics,
		common.MONITOR_NAMESPACE, 10*time.Second)
	defer scopeCloser.Close()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTP.MetricsPort)
		logger.Info(fmt.Sprintf("Serving metrics on %s", addr))
		if err := http.ListenAndServe(addr, metricsMux); err != nil {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()

	eventBus := events.NewEventBus()

	var execBackend backend.IExecutionBackend
	switch c.String(FlagBackend) {
	case "sim":
		execBackend = simbackend.New(logger, eventBus, simbackend.DefaultFleet(),
			cfg.CalibrationSeed, c.Float64(FlagSimJitter))
	case "kube":
		kubeBackend, err := kubebackend.New(logger, eventBus, cfg.Kube.ConfigPath,
			cfg.Kube.Namespace, cfg.Kube.Image, time.Duration(cfg.Kube.PollSeconds)*time.Second)
		if err != nil {
			return errors.Wrap(err, "initializing kube backend")
		}
		execBackend = kubeBackend
	default:
		return errors.Errorf("unknown backend %q", c.String(FlagBackend))
	}

	execBackend.StartDeviceStateChangeNotifier()
	defer execBackend.StopAllNotifiers()

	registry := clientmgr.NewRegistry(cfg.CalibrationSeed, logger)
	for _, participantId := range cfg.Participants {
		registry.Register(&clientmgr.Participant{Id: participantId})
	}
	logger.Info(fmt.Sprintf("Registered %d participants", registry.AvailableCount()))

	handler := server.NewHandler(logger, eventBus, execBackend, registry, rootScope,
		optionsFromConfig(cfg))

	defaultRouter := mux.NewRouter()
	defaultRouter.HandleFunc("/runs/start", handler.StartRun)
	defaultRouter.HandleFunc("/runs/stop/{runId}", handler.StopRun)
	defaultRouter.HandleFunc("/runs/status/{runId}", handler.GetRun)

	server.StartHttpServer(logger, cfg.HTTP.Port, defaultRouter)

	return nil
}

func optionsFromConfig(cfg config.Config) strategy.Options {
	options := strategy.DefaultOptions()
	options.PolyDegree = cfg.PolyDegree
	options.FractionFit = cfg.FractionFit
	options.MinFitClients = cfg.MinFitClients
	options.MinAvailableClients = cfg.MinAvailableClients
	options.AcceptFailures = cfg.AcceptFailures
	options.ProbeSteps = cfg.ProbeSteps
	options.DefaultSteps = cfg.DefaultSteps
	options.Profiles = cfg.Profiles
	options.Seed = cfg.CalibrationSeed

	return options
}
