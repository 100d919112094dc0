package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dronelink/internal/config"
	"dronelink/internal/logging"
	"dronelink/internal/mavlink"
	"dronelink/internal/recorder"
	"dronelink/internal/serial"
	"dronelink/internal/session"
	"dronelink/internal/sim"
	"dronelink/internal/telemetry"
	"dronelink/internal/udp"
	"dronelink/internal/web"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return fmt.Errorf("config load failed: %w", err)
				}
			}
			if listen != "" {
				cfg.HTTP.Listen = listen
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config")
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides http.listen)")
	return cmd
}

// app is everything serve owns for the life of the process.
type app struct {
	log      *zap.Logger
	logs     *web.LogBuffer
	bus      *telemetry.Broadcaster
	sessions *session.Manager
	rec      *recorder.Recorder
	fwd      *udp.Forwarder
}

func newApp(cfg config.Config) (*app, error) {
	logs := web.NewLogBuffer(cfg.Log.BufferLines)
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, logs)
	if err != nil {
		return nil, err
	}
	return newAppWithLogger(cfg, log, logs)
}

func newAppWithLogger(cfg config.Config, log *zap.Logger, logs *web.LogBuffer) (*app, error) {
	r := &app{log: log, logs: logs, bus: telemetry.NewBroadcaster()}

	if cfg.Record.Enable {
		rec, err := recorder.Open(cfg.Record.Path, log.Named("recorder"))
		if err != nil {
			return nil, err
		}
		r.rec = rec
	}

	if cfg.Forward.Enable {
		fwd, err := udp.NewForwarder(cfg.Forward.Dest)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("forward: %w", err)
		}
		r.fwd = fwd
	}

	opener := session.DeviceOpener{
		Node: mavlink.NodeConfig{
			SystemID:        uint8(cfg.Link.SystemID),
			ComponentID:     uint8(cfg.Link.ComponentID),
			HeartbeatPeriod: cfg.Link.HeartbeatPeriod,
		},
		SimEnabled: cfg.Sim.Enable,
		Sim: sim.VehicleConfig{
			Kind:     cfg.Sim.Vehicle,
			SystemID: uint8(cfg.Sim.SystemID),
			Rate:     cfg.Sim.Rate,
			Track: sim.Track{
				CenterLatDeg: cfg.Sim.CenterLatDeg,
				CenterLonDeg: cfg.Sim.CenterLonDeg,
				AltM:         cfg.Sim.AltM,
				RadiusM:      cfg.Sim.RadiusM,
				Period:       cfg.Sim.Period,
			},
		},
	}

	mcfg := session.Config{
		Opener:           opener,
		HandshakeTimeout: cfg.Link.HandshakeTimeout,
		DefaultBaud:      cfg.Link.DefaultBaud,
		Bus:              r.bus,
		Log:              log.Named("session"),
	}
	if r.rec != nil {
		rec := r.rec
		mcfg.OnConnect = func(info session.Info) {
			if err := rec.BeginSession(context.Background(), info); err != nil {
				log.Warn("record session", zap.Uint64("session", info.ID), zap.Error(err))
			}
		}
	}
	r.sessions = session.NewManager(mcfg)
	return r, nil
}

func (r *app) handler(version string) web.Deps {
	return web.Deps{
		Sessions: r.sessions,
		Ports:    serial.ListPorts,
		Bus:      r.bus,
		Logs:     r.logs,
		Status:   web.NewStatus(),
		Version:  version,
		Log:      r.log.Named("http"),
	}
}

// Close releases whatever serve left open. serve itself disconnects before
// stopping the recorder so the last samples land.
func (r *app) Close() {
	if r == nil {
		return
	}
	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.rec != nil {
		_ = r.rec.Close()
	}
	if r.fwd != nil {
		_ = r.fwd.Close()
	}
	_ = r.log.Sync()
}

func serve(ctx context.Context, cfg config.Config) error {
	rt, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt.log.Info("dronelink starting",
		zap.String("version", Version),
		zap.String("listen", cfg.HTTP.Listen),
		zap.Bool("sim", cfg.Sim.Enable),
		zap.Bool("record", cfg.Record.Enable),
		zap.Bool("forward", cfg.Forward.Enable),
	)

	var wg sync.WaitGroup
	if rt.rec != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.rec.Run(ctx, rt.bus); err != nil {
				rt.log.Warn("recorder stopped", zap.Error(err))
			}
		}()
	}
	if rt.fwd != nil {
		rt.log.Info("forwarding telemetry", zap.String("dest", rt.fwd.Dest()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.fwd.Run(ctx, rt.bus, rt.log.Named("forward")); err != nil {
				rt.log.Warn("forwarder stopped", zap.Error(err))
			}
		}()
	}

	err = web.Serve(ctx, cfg.HTTP.Listen, web.Handler(rt.handler(Version)))
	// Stop the ingestor first; the recorder writes what is still queued.
	rt.sessions.Disconnect()
	cancel()
	wg.Wait()
	rt.log.Info("dronelink stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
