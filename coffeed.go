package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btclog"
	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// coffeedMain is the true entry point. Separated from main so that deferred
// cleanup still runs on a graceful return, mirroring lnd.go's lndMain/main
// split (defers at the top level of main are skipped by os.Exit).
func coffeedMain() error {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	if cfg.LogDir != "" {
		logFile := fmt.Sprintf("%s/coffeed-%d.log", cfg.LogDir, cfg.MyID)
		if err := initLogRotator(logFile, 10); err != nil {
			return fmt.Errorf("unable to init log rotator: %w", err)
		}
	}
	level, ok := btclog.LevelFromString(cfg.LogLevel)
	if !ok {
		level = btclog.LevelInfo
	}
	initSubsystemLoggers(level)
	if backendLog != nil {
		defer backendLog.Flush()
	}

	mainLog.Infof("starting site %d of %d", cfg.MyID, cfg.PeerCount)

	if cfg.DebugHTTP != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			mainLog.Infof("pprof/metrics listening on %s", cfg.DebugHTTP)
			if err := http.ListenAndServe(cfg.DebugHTTP, nil); err != nil {
				mainLog.Errorf("debug http server exited: %v", err)
			}
		}()
	}

	s := newSite(cfg)
	if err := s.Start(); err != nil {
		return fmt.Errorf("unable to start site: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	mainLog.Infof("shutdown signal received, stopping site %d", cfg.MyID)
	s.Stop()
	mainLog.Infof("site %d shutdown complete", cfg.MyID)
	return nil
}

func main() {
	if err := coffeedMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
