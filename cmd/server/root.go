package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/omochice/toy-socket-relay/internal/chat"
	"github.com/omochice/toy-socket-relay/internal/metrics"
	"github.com/omochice/toy-socket-relay/internal/server"
	"github.com/omochice/toy-socket-relay/internal/util"
)

type Config struct {
	ListenAddress   string
	WSListenAddress string
	PollInterval    time.Duration
	WriteTimeout    time.Duration
	Echo            bool
	MetricsAddress  string
	LogLevel        string
	LogFile         string
}

func (c Config) serverConfig() server.Config {
	return server.Config{
		ListenAddress:   c.ListenAddress,
		WSListenAddress: c.WSListenAddress,
		PollInterval:    c.PollInterval,
		WriteTimeout:    c.WriteTimeout,
		Echo:            c.Echo,
	}
}

var (
	cobraConfig *Config
	rootCmd     = &cobra.Command{
		Use:           "relay-server",
		Short:         "Text broadcast relay",
		Long:          "Relays every 32-byte text frame received from one client to all connected clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          execute,
	}
)

func init() {
	cobraConfig = &Config{}
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.ListenAddress, "listen-address", "l", server.DefaultListenAddress, "TCP listen address")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.WSListenAddress, "ws-listen-address", "", "WebSocket listen address, disabled when empty")
	rootCmd.PersistentFlags().DurationVar(&cobraConfig.PollInterval, "poll-interval", chat.DefaultPollInterval, "longest idle wait of the relay loops")
	rootCmd.PersistentFlags().DurationVar(&cobraConfig.WriteTimeout, "write-timeout", server.DefaultWriteTimeout, "time after which a stalled peer write drops the peer. Every other peer waits up to this long behind a stalled one")
	rootCmd.PersistentFlags().BoolVar(&cobraConfig.Echo, "echo", true, "broadcast messages back to their sender too")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.MetricsAddress, "metrics-address", "", "metrics endpoint listen address, disabled when empty. Metrics are served under /metrics")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogFile, "log-file", util.LogConsole, "log file")

	util.SetFlagsFromEnvVars(rootCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func waitForExitSignal() {
	osSigs := make(chan os.Signal, 1)
	signal.Notify(osSigs, syscall.SIGINT, syscall.SIGTERM)
	<-osSigs
}

func execute(cmd *cobra.Command, args []string) error {
	if err := util.InitLog(cobraConfig.LogLevel, cobraConfig.LogFile); err != nil {
		return fmt.Errorf("failed to initialize log: %s", err)
	}

	var (
		opts          []server.Option
		metricsServer *metrics.Server
	)
	if cobraConfig.MetricsAddress != "" {
		m, err := metrics.New()
		if err != nil {
			return fmt.Errorf("setup metrics: %v", err)
		}
		opts = append(opts, server.WithRecorder(m))
		metricsServer = metrics.NewServer(cobraConfig.MetricsAddress, m)
	}

	srv := server.New(cobraConfig.serverConfig(), opts...)
	if err := srv.Listen(); err != nil {
		return err
	}

	wg := sync.WaitGroup{}
	if metricsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("running metrics server: %s%s", metricsServer.Addr, metricsServer.Endpoint)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server stopped: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(); !errors.Is(err, server.ErrServerStopped) {
			log.Errorf("relay server stopped: %v", err)
		}
	}()

	waitForExitSignal()
	log.Infof("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := shutdownServers(ctx, srv, metricsServer)
	wg.Wait()
	return err
}

func shutdownServers(ctx context.Context, srv *server.Server, metricsServer *metrics.Server) error {
	var errs error

	if err := srv.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close relay server: %w", err))
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close metrics server: %w", err))
		}
	}

	return errs
}
