package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/uber-go/tally"
	"github.com/urfave/cli"

	simbackend "github.com/Ryan0v0/flower-profiler/internal/backend/sim"
	"github.com/Ryan0v0/flower-profiler/internal/clientmgr"
	"github.com/Ryan0v0/flower-profiler/internal/common"
	"github.com/Ryan0v0/flower-profiler/internal/events"
	"github.com/Ryan0v0/flower-profiler/internal/strategy"
)

const (
	FlagRounds       = "rounds"
	FlagParticipants = "participants"
	FlagSeed         = "seed"
	FlagDegree       = "degree"
	FlagJitter       = "jitter"
)

// Runs the full bootstrap against the simulated fleet, without the HTTP
// surface. Useful for eyeballing scheduling decisions.
func main() {
	app := cli.NewApp()
	app.Name = "profiler-sim"
	app.Usage = "Run the profiling rounds against a simulated device fleet"
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  FlagRounds + ", r",
			Value: common.DEFAULT_NUM_ROUNDS,
			Usage: "number of rounds to run",
		},
		cli.IntFlag{
			Name:  FlagParticipants + ", p",
			Value: 16,
			Usage: "number of registered participants",
		},
		cli.Int64Flag{
			Name:  FlagSeed + ", s",
			Usage: "calibration and sampling seed, 0 derives one from the clock",
		},
		cli.IntFlag{
			Name:  FlagDegree,
			Value: common.DEFAULT_POLY_DEGREE,
			Usage: "degree of the per-device duration polynomial",
		},
		cli.Float64Flag{
			Name:  FlagJitter,
			Value: 0.05,
			Usage: "relative timing noise of the simulated devices",
		},
	}
	app.Action = func(c *cli.Context) error {
		return runSim(c)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Critical error: %v\n", err)
		os.Exit(1)
	}
}

func runSim(c *cli.Context) error {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "profiler-sim",
		Level: hclog.LevelFromString("DEBUG"),
	})

	eventBus := events.NewEventBus()
	execBackend := simbackend.New(logger, eventBus, simbackend.DefaultFleet(),
		c.Int64(FlagSeed), c.Float64(FlagJitter))
	execBackend.StartDeviceStateChangeNotifier()
	defer execBackend.StopAllNotifiers()

	registry := clientmgr.NewRegistry(c.Int64(FlagSeed), logger)
	for i := 0; i < c.Int(FlagParticipants); i++ {
		registry.Register(&clientmgr.Participant{Id: fmt.Sprintf("client-%d", i)})
	}

	options := strategy.DefaultOptions()
	options.PolyDegree = c.Int(FlagDegree)
	options.Seed = c.Int64(FlagSeed)

	orchestrator, err := strategy.New(execBackend, registry, eventBus, logger, tally.NoopScope, options)
	if err != nil {
		return err
	}

	if err := orchestrator.Run(context.Background(), c.Int(FlagRounds)); err != nil {
		return err
	}

	logger.Info(fmt.Sprintf("Finished in phase %s after round %d, last projected makespan %.3f seconds",
		orchestrator.Phase(), orchestrator.Round(), orchestrator.LastMakespan()))

	return nil
}
