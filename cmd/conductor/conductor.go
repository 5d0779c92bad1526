// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/exp"

	"github.com/astriaorg/conductor/cmd/genericconf"
	"github.com/astriaorg/conductor/conductor"
)

func init() {
	http.DefaultServeMux = http.NewServeMux()
}

func main() {
	os.Exit(mainImpl())
}

func printSampleUsage() {
	progname := os.Args[0]
	fmt.Printf("\n")
	fmt.Printf("Sample usage:                  %s --execution.url <url> --sequencer.url <url> --celestia.rpc <url> \n", progname)
	fmt.Printf("Full options:                  %s --help \n", progname)
}

// Checks metrics and pprof flags, runs them if enabled.
// Note: they are separate so one can enable/disable them as they wish, the only
// requirement is that they can't run on the same address and port.
func startMetrics(cfg *conductor.Config) error {
	mAddr := fmt.Sprintf("%v:%v", cfg.MetricsServer.Addr, cfg.MetricsServer.Port)
	pAddr := fmt.Sprintf("%v:%v", cfg.PprofCfg.Addr, cfg.PprofCfg.Port)
	if cfg.Metrics && !metrics.Enabled {
		return fmt.Errorf("metrics must be enabled via command line by adding --metrics, json config has no effect")
	}
	if cfg.Metrics && cfg.PprofCfg.Enable && mAddr == pAddr {
		return fmt.Errorf("metrics and pprof cannot be enabled on the same address:port: %s", mAddr)
	}
	if cfg.Metrics {
		go metrics.CollectProcessMetrics(cfg.MetricsServer.UpdateInterval)
		exp.Setup(mAddr)
	}
	if cfg.PprofCfg.Enable {
		genericconf.StartPprof(pAddr)
	}
	return nil
}

func mainImpl() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config, err := conductor.ParseConductor(ctx, os.Args[1:])
	if err != nil {
		printSampleUsage()
		if !strings.Contains(err.Error(), "help requested") {
			fmt.Printf("%s\n", err.Error())
		}
		return 1
	}

	if err := genericconf.InitLog(config.LogType, config.LogLevel, &config.FileLogging); err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logging: %v\n", err)
		return 1
	}

	if err := startMetrics(config); err != nil {
		log.Error("error starting metrics", "err", err)
		return 1
	}

	fatalErrChan := make(chan error, 10)
	c, err := conductor.NewConductor(config, fatalErrChan)
	if err != nil {
		log.Error("error creating conductor", "err", err)
		return 1
	}
	if err := c.Start(ctx); err != nil {
		log.Error("error starting conductor", "err", err)
		return 1
	}

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-fatalErrChan:
		log.Error("shutting down due to fatal error", "err", err)
		defer log.Error("shut down due to fatal error", "err", err)
		exitCode = 1
	case <-sigint:
		log.Info("shutting down because of sigint")
	}

	// cause future ctrl+c's to panic
	close(sigint)

	c.StopAndWait()
	return exitCode
}
