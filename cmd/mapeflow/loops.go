package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/c360/mapeflow/engine"
	"github.com/c360/mapeflow/examples/ambulance"
	"github.com/c360/mapeflow/examples/highway"
	"github.com/c360/mapeflow/examples/speedenforcement"
	"github.com/c360/mapeflow/metric"
	"github.com/c360/mapeflow/output/file"
)

// speedEnforcementCars are the slave loops declared by -example=speedenforcement.
var speedEnforcementCars = []string{"veyron", "countach", "panda"}

// declareExample declares the selected example in the runtime's app and
// returns the function that starts it once the runtime is initialized.
func declareExample(rt *engine.Runtime, cliCfg *CLIConfig, logger *slog.Logger) (func(context.Context) error, error) {
	switch cliCfg.Example {
	case exampleAmbulance:
		return declareAmbulance(rt, cliCfg, logger)
	case exampleHighway:
		return declareHighway(rt, cliCfg, logger)
	case exampleSpeedEnforcement:
		return declareSpeedEnforcement(rt, logger)
	default:
		return nil, nil
	}
}

func declareAmbulance(rt *engine.Runtime, cliCfg *CLIConfig, logger *slog.Logger) (func(context.Context) error, error) {
	name := cliCfg.Name
	if name == "" {
		name = "Ambulance"
	}
	a, err := ambulance.New(rt.App(), ambulance.LoggingVehicle{Name: name, Logger: logger})
	if err != nil {
		return nil, err
	}

	// Emergencies detected by the cars reach the local policy too.
	remote, err := rt.Subscriber(ambulance.RemoteDetectors())
	if err != nil {
		return nil, err
	}
	remote.Subscribe(a.Policy)

	return func(context.Context) error {
		a.Loop.StartMonitors()
		return nil
	}, nil
}

func declareHighway(rt *engine.Runtime, cliCfg *CLIConfig, logger *slog.Logger) (func(context.Context) error, error) {
	opts := []highway.Option{
		highway.WithMaxLanes(cliCfg.Lanes),
		highway.WithLogger(logger),
	}
	if reg := rt.Registry(); reg != nil {
		sink, err := metric.NewSink(reg, "highway_"+cliCfg.Name, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, highway.WithTelemetry(sink))
	}

	h, err := highway.New(rt.App(), cliCfg.Name, opts...)
	if err != nil {
		return nil, err
	}
	return h.Start, nil
}

func declareSpeedEnforcement(rt *engine.Runtime, logger *slog.Logger) (func(context.Context) error, error) {
	enf, err := speedenforcement.NewEnforcement(rt.App())
	if err != nil {
		return nil, err
	}

	cars := make([]*speedenforcement.Car, 0, len(speedEnforcementCars))
	for _, name := range speedEnforcementCars {
		carLogger := logger.With("car", name)
		c, err := speedenforcement.NewCar(rt.App(), name, enf, func(kmh int) {
			carLogger.Info("Speed limit imposed", "kmh", kmh)
		})
		if err != nil {
			return nil, fmt.Errorf("car %s: %w", name, err)
		}
		cars = append(cars, c)
	}

	return func(context.Context) error {
		for _, c := range cars {
			c.Loop.StartMonitors()
		}
		return nil
	}, nil
}

// recordOutputs taps a recorder on the output port of every declared element.
func recordOutputs(rt *engine.Runtime, dir string) error {
	for _, loop := range rt.App().Loops() {
		for _, e := range loop.Elements() {
			rec, err := rt.Recorder(filepath.Join(dir, e.Path()+".jsonl"))
			if err != nil {
				return fmt.Errorf("record %s: %w", e.Path(), err)
			}
			e.Tap(rec)
		}
	}
	return nil
}

// replayRecording returns a starter feeding the recording into the element
// at target in the background.
func replayRecording(rt *engine.Runtime, cliCfg *CLIConfig, logger *slog.Logger) (func(context.Context) error, error) {
	target, err := rt.App().Element(cliCfg.ReplayInto)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		go func() {
			n, err := file.Replay(ctx, cliCfg.ReplayFile, target,
				file.WithScheduler(rt.Scheduler()),
				file.WithPacing(cliCfg.ReplayPacing),
				file.WithReplayLogger(logger))
			if err != nil && ctx.Err() == nil {
				logger.Error("Replay failed", "file", cliCfg.ReplayFile, "error", err)
				return
			}
			logger.Info("Replay done", "file", cliCfg.ReplayFile, "into", target.Path(), "signals", n)
		}()
		return nil
	}, nil
}

// listenUDP feeds datagrams received on the -udp address into its element.
func listenUDP(rt *engine.Runtime, input string) error {
	addr, path, err := splitUDPInput(input)
	if err != nil {
		return err
	}
	target, err := rt.App().Element(path)
	if err != nil {
		return err
	}
	_, err = rt.UDPListener(addr, target)
	return err
}

// chain runs starters in order, skipping nil ones.
func chain(starters ...func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, start := range starters {
			if start == nil {
				continue
			}
			if err := start(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
