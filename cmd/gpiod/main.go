package main

import (
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"
)

const defaultPollTimeout = "1s"

var (
	Version string
	Build   string

	config       = flag.String("config", "config.json", "path of the configuration file")
	flagInstall  = flag.Bool("install", false, "Install service in os")
	pollInterval = flag.String("poll", defaultPollTimeout, "readiness poll timeout (time.Duration)")

	gpiodService = servicemaker.ServiceMaker{
		User:               "gpiod",
		UserGroups:         []string{"gpio"},
		ServicePath:        "/etc/systemd/system/gpiod.service",
		ServiceDescription: "gpiod service: gpio interrupt, tcp command and pwm daemon. github.com/hubertat/gpiokit",
		ExecDir:            "/srv/gpiod",
		ExecName:           "gpiod",
	}
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "gpiod"})
	logger.Info("gpiod started", "version", Version, "build", Build)
	flag.Parse()

	if *flagInstall {
		err := gpiodService.InstallService()
		if err != nil {
			logger.Fatal("service install failed", "err", err)
		}
		logger.Info("service installed!")
		return
	}

	pollTimeout, err := time.ParseDuration(*pollInterval)
	if err != nil {
		logger.Fatal("failed to parse poll interval", "err", err)
	}

	cfg := Config{}
	configFile, err := os.Open(*config)
	if err != nil {
		logger.Fatal("can't find/open config file, will terminate", "path", *config, "err", err)
	}
	cBuff, err := io.ReadAll(configFile)
	configFile.Close()
	if err != nil {
		logger.Fatal("failed reading config file", "err", err)
	}
	err = json.Unmarshal(cBuff, &cfg)
	if err != nil {
		logger.Fatal("failed unmarshalling json config", "err", err)
	}

	d := &daemon{cfg: cfg, logger: logger}
	err = d.setup()
	if err != nil {
		logger.Fatal("daemon setup failed", "err", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info("signal received, stopping", "signal", s)
		d.reactor.Stop()
	}()

	err = d.reactor.Run(pollTimeout, false)
	if err != nil {
		logger.Error("reactor loop terminated", "err", err)
	}

	d.shutdown()
}
