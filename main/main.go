package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stratodyne/skylink"
	"github.com/stratodyne/skylink/forwarder"
	"github.com/stratodyne/skylink/transport/rylr896"
)

var (
	configPath     = flag.String("config", "skylink.toml", "path to configuration file")
	testMode       = flag.Bool("testmode", false, "generate simulated sensor data")
	printTelemetry = flag.Bool("print-telemetry", false, "print decoded telemetry to stdout")
)

type logConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

type mainConfig struct {
	// Role is "balloon" (airborne unit) or "ground" (receiver).
	Role            string
	MetricsAddr     string
	ForwarderConfig string

	Link  skylink.Config
	Radio rylr896.Config
	Log   logConfig
}

func main() {
	flag.Parse()

	cfg := mainConfig{
		Role:            "balloon",
		ForwarderConfig: "udpforwarder.toml",
		Link:            skylink.DefaultConfig(),
	}
	if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
		log.Fatal("unable to load configuration: ", err)
	}
	setupLogging(cfg.Log)

	ctx := context.Background()

	radio := &radio{cfg: cfg.Radio}
	link, err := skylink.NewLink(cfg.Link, radio)
	if err != nil {
		log.Fatal("unable to create link: ", err)
	}

	go func() {
		if err := skylink.Retry(ctx, radio); err != nil {
			log.Errorf("radio done: %v", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		prometheus.MustRegister(skylink.NewMetricsCollector(link))
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				log.Errorf("metrics listener done: %v", err)
			}
		}()
	}

	go func() {
		_ = link.Run(ctx)
	}()

	if cfg.Role == "ground" {
		runGround(ctx, link, cfg)
		return
	}
	runBalloon(ctx, link)
}

func runBalloon(ctx context.Context, link *skylink.Link) {
	unit := skylink.NewUnit(link)
	unit.SetTestMode(*testMode)
	unit.Start(ctx)

	// Inbound traffic on the balloon is command/ping only; pings are
	// answered by the link itself.
	go func() {
		for f := range link.Inbound() {
			log.WithField("type", f.Type).Info("inbound frame")
		}
	}()

	unit.Run(ctx)
}

func runGround(ctx context.Context, link *skylink.Link, cfg mainConfig) {
	fwder, err := forwarder.NewUDPForwarder(cfg.ForwarderConfig)
	if err != nil {
		log.Fatal("unable to load UDP forwarder: ", err)
	}
	go func() {
		_ = fwder.Start(ctx)
	}()

	for f := range link.Inbound() {
		dispatch(f, fwder)
	}
}

func dispatch(f *skylink.Frame, fwder skylink.Forwarder) {
	switch f.Type {
	case skylink.TypeTelemetry:
		sample := skylink.TelemetrySample{}
		if err := sample.UnmarshalBinary(f.Payload); err != nil {
			log.Warnf("bad telemetry payload: %v", err)
			return
		}
		if *printTelemetry {
			fmt.Printf("%+v\n", sample)
		}
		if err := fwder.Forward(&sample); err != nil {
			log.Error("unable to forward telemetry: ", err)
		}
	case skylink.TypePosition:
		fix := skylink.PositionFix{}
		if err := fix.UnmarshalBinary(f.Payload); err != nil {
			log.Warnf("bad position payload: %v", err)
			return
		}
		if err := fwder.ForwardPosition(&fix); err != nil {
			log.Error("unable to forward position: ", err)
		}
	case skylink.TypeStatus:
		status := skylink.StatusReport{}
		_ = status.UnmarshalBinary(f.Payload)
		log.WithField("device", f.Header.DeviceID).Info("status: ", status.Text)
	case skylink.TypeEmergency:
		alert := skylink.EmergencyAlert{}
		if err := alert.UnmarshalBinary(f.Payload); err != nil {
			log.Warnf("bad emergency payload: %v", err)
			return
		}
		log.WithField("alert", alert.Alert).
			WithField("severity", alert.Severity).
			Error("EMERGENCY: ", alert.Message)
	default:
		log.WithField("type", f.Type).Debug("unhandled frame type")
	}
}

func setupLogging(cfg logConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rotated))
	}
}
