package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vew/server"
	"github.com/cyclopcam/vew/server/config"
	"github.com/cyclopcam/vew/server/router"
)

func main() {
	parser := argparse.NewParser("vew", "Detect events in videos, and route them through a durable queue")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file (YAML)", Default: "vew.yaml"})

	processCmd := parser.NewCommand("process", "Run the watcher over a video, and send its events to the queue")
	video := processCmd.String("v", "video", &argparse.Options{Help: "Video file", Required: true})

	consumeCmd := parser.NewCommand("consume", "Drain the queue into the event database and notifiers")
	follow := consumeCmd.Flag("f", "follow", &argparse.Options{Help: "Keep polling the queue until interrupted", Default: false})
	interval := consumeCmd.Int("i", "interval", &argparse.Options{Help: "Seconds between polls, with --follow", Default: 5})

	serveCmd := parser.NewCommand("serve", "Run the HTTP API")
	listen := serveCmd.String("l", "listen", &argparse.Options{Help: "Listen address, overriding the config file (eg :8080)", Default: ""})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(ctx, logger, cfg, nil)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	exitCode := 0
	switch {
	case processCmd.Happened():
		evs, err := srv.ProcessVideo(ctx, *video)
		if err != nil {
			logger.Errorf("Processing %v failed: %v", *video, err)
			exitCode = 1
		} else {
			logger.Infof("Sent %v events from %v", len(evs), *video)
		}
	case consumeCmd.Happened():
		if *follow {
			err = srv.ConsumeForever(ctx, time.Duration(*interval)*time.Second)
			if err == context.Canceled {
				err = nil
			}
		} else {
			var stats router.ReceiveStats
			stats, err = srv.Consume(ctx)
			if err == nil {
				logger.Infof("Consumed: %v", stats)
			}
		}
		if err != nil {
			logger.Errorf("Consume failed: %v", err)
			exitCode = 1
		}
	case serveCmd.Happened():
		addr := cfg.HTTP.Listen
		if *listen != "" {
			addr = *listen
		}
		srv.ListenForKillSignals()
		// Tell systemd that we're alive
		daemon.SdNotify(false, daemon.SdNotifyReady)
		if err := srv.ListenHTTP(addr); err != nil {
			logger.Errorf("ListenHTTP returned: %v", err)
			srv.Close()
			exitCode = 1
		} else {
			<-srv.ShutdownComplete
		}
	}

	if !serveCmd.Happened() {
		srv.Close()
	}
	logger.Close()
	os.Exit(exitCode)
}
