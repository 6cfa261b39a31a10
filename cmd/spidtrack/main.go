// spidtrack points a SPID rotator at a celestial target and serves its
// pointing over HTTP, rotctld and optionally MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/josephwkania/gospid/astro"
	"github.com/josephwkania/gospid/spid"
	"github.com/josephwkania/gospid/tracker"
)

type Config struct {
	Lat    float64
	Lon    float64
	Height float64

	RA  float64
	Dec float64

	Tolerance float64
	Cadence   time.Duration

	Port string
	Baud int

	HTTPAddr    string
	RotctldAddr string
	MQTTBroker  string
	MQTTTopic   string

	Simulate bool
	Verbose  bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// .env is optional; flags below pick up whatever it set.
	_ = godotenv.Load()

	var cfg Config
	rootCmd := &cobra.Command{
		Use:   "spidtrack",
		Short: "SPID rotator tracking daemon",
		Long: `Drives a SPID (Rot2Prog) azimuth/elevation rotator over serial and
keeps it pointed at a celestial target. Without --ra/--dec it only
reports the current pointing.

Example:
  spidtrack --lat 42.623 --lon -71.488 --height 131 \
    --ra 350.85 --dec 58.815 --port /dev/ttyUSB0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			hasTarget := cmd.Flags().Changed("ra") && cmd.Flags().Changed("dec")
			if cmd.Flags().Changed("ra") != cmd.Flags().Changed("dec") {
				return errors.New("--ra and --dec must be given together")
			}
			return run(cfg, hasTarget)
		},
		SilenceUsage: true,
	}

	flags := rootCmd.Flags()
	flags.Float64Var(&cfg.Lat, "lat", 0, "observer latitude (degrees, north positive)")
	flags.Float64Var(&cfg.Lon, "lon", 0, "observer longitude (degrees, east positive)")
	flags.Float64Var(&cfg.Height, "height", 0, "observer height above sea level (meters)")
	flags.Float64Var(&cfg.RA, "ra", 0, "target right ascension (degrees)")
	flags.Float64Var(&cfg.Dec, "dec", 0, "target declination (degrees)")
	flags.Float64VarP(&cfg.Tolerance, "tolerance", "t", 2, "on-source tolerance (degrees, [0,30))")
	flags.DurationVarP(&cfg.Cadence, "cadence", "c", tracker.DefaultCadence, "interval between tracking evaluations")
	flags.StringVarP(&cfg.Port, "port", "p", envOr("SPID_PORT", "/dev/ttyUSB0"), "serial device path")
	flags.IntVar(&cfg.Baud, "baud", spid.DefaultBaud, "serial baud rate")
	flags.StringVar(&cfg.HTTPAddr, "http-addr", envOr("SPID_HTTP_ADDR", "127.0.0.1:8502"), "HTTP status server address (empty to disable)")
	flags.StringVar(&cfg.RotctldAddr, "rotctld-addr", envOr("SPID_ROTCTLD_ADDR", ""), "rotctld listen address (empty to disable)")
	flags.StringVar(&cfg.MQTTBroker, "mqtt-broker", envOr("SPID_MQTT_BROKER", ""), "MQTT broker URL for pointing telemetry (empty to disable)")
	flags.StringVar(&cfg.MQTTTopic, "mqtt-topic", envOr("SPID_MQTT_TOPIC", "spid/pointing"), "MQTT topic for pointing telemetry")
	flags.BoolVar(&cfg.Simulate, "simulate", false, "run against a simulated rotator instead of a serial port")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "verbose logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg Config, hasTarget bool) error {
	logger := logrus.New()
	if cfg.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	obs := astro.Observer{Lat: cfg.Lat, Lon: cfg.Lon, Height: cfg.Height}
	tcfg := tracker.Config{
		Observer:  obs,
		Tolerance: cfg.Tolerance,
		Cadence:   cfg.Cadence,
		Logger:    logger,
	}
	if hasTarget {
		target := astro.SkyCoord{RA: cfg.RA, Dec: cfg.Dec}
		tcfg.Target = &target
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var trk *tracker.Tracker
	var err error
	if cfg.Simulate {
		sim, conn := spid.NewSimulator()
		g.Go(func() error {
			if serr := sim.Run(ctx); !errors.Is(serr, context.Canceled) {
				return serr
			}
			return nil
		})
		lcfg := spid.DefaultConfig("")
		lcfg.Logger = logger
		link, lerr := spid.NewLink(conn, lcfg)
		if lerr != nil {
			return lerr
		}
		trk, err = tracker.NewWithRotator(link, obs, tcfg)
	} else {
		lcfg := spid.DefaultConfig(cfg.Port)
		lcfg.Baud = cfg.Baud
		lcfg.Logger = logger
		tcfg.Link = lcfg
		trk, err = tracker.New(tcfg)
	}
	if err != nil {
		return err
	}
	defer trk.End()

	srv := NewServer(trk, logger)
	if cfg.HTTPAddr != "" {
		g.Go(func() error { return srv.ListenHTTP(ctx, cfg.HTTPAddr) })
	}
	if cfg.RotctldAddr != "" {
		if err := srv.ListenRotctld(ctx, cfg.RotctldAddr); err != nil {
			return err
		}
	}
	if cfg.MQTTBroker != "" {
		g.Go(func() error {
			return srv.PublishMQTT(ctx, cfg.MQTTBroker, cfg.MQTTTopic, cfg.Cadence)
		})
	}
	// Surface loop termination (target set, tracking lost, dead link)
	// as the daemon exit status.
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-trk.Done():
			return trk.Err()
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}
