// Command sfsd is the key daemon. It holds the private keys of logged in
// users and answers block requests from sfs clients over a mangos socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absfs/sfs"
	"github.com/absfs/sfs/internal/hostfs"
	"github.com/absfs/sfs/sfsd"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	listen := flag.String("listen", "", "mangos listen URL (overrides the configuration)")
	metricsAddr := flag.String("metrics", "", "HTTP address for /metrics (overrides the configuration)")
	root := flag.String("root", "/", "directory the key directory and files are resolved against")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := run(log, *configPath, *listen, *metricsAddr, *root); err != nil {
		log.WithError(err).Fatal("sfsd failed")
	}
}

func run(log *logrus.Logger, configPath, listen, metricsAddr, root string) error {
	config := sfs.DefaultConfig()
	if configPath != "" {
		var err error
		if config, err = sfs.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if listen != "" {
		config.Daemon.Listen = listen
	}
	if metricsAddr != "" {
		config.Daemon.MetricsListen = metricsAddr
	}
	config.Logger = log

	base, err := hostfs.New(root)
	if err != nil {
		return err
	}
	accounts, err := sfs.NewAccounts(base, config)
	if err != nil {
		return err
	}

	metrics := sfsd.NewMetrics()
	daemon, err := sfsd.New(accounts, sfsd.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer daemon.Close()

	server, err := sfsd.Listen(daemon, config.Daemon.Listen, sfsd.Codec{Compress: config.Daemon.Compress}, config.Daemon.RecvTimeout)
	if err != nil {
		return err
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Daemon.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{
			Addr:              config.Daemon.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.WithField("addr", srv.Addr).Info("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	log.WithFields(logrus.Fields{
		"listen":    config.Daemon.Listen,
		"key_dir":   config.KeyDir,
		"max_users": config.Daemon.MaxUsers,
		"max_files": config.Daemon.MaxFiles,
	}).Info("sfsd started")

	if config.Daemon.RecvTimeout <= 0 {
		// without a receive deadline Serve only returns once the socket closes
		go func() {
			<-ctx.Done()
			server.Close()
		}()
	}
	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	stats := daemon.Stats()
	log.WithFields(logrus.Fields{"users": stats.Users, "files": stats.Files}).Info("shutting down")
	return nil
}
