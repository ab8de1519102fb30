package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/omochice/toy-socket-relay/internal/chat"
	"github.com/omochice/toy-socket-relay/internal/client"
	"github.com/omochice/toy-socket-relay/internal/transport/tcp"
	"github.com/omochice/toy-socket-relay/internal/util"
)

type Config struct {
	ServerAddress string
	PollInterval  time.Duration
	WriteTimeout  time.Duration
	DialRetries   uint64
	LogLevel      string
	LogFile       string
}

var (
	cobraConfig *Config
	rootCmd     = &cobra.Command{
		Use:           "relay-client",
		Short:         "Text broadcast relay client",
		Long:          "Sends every console line to the relay and prints whatever the relay broadcasts. Type :quit to exit",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          execute,
	}
)

func init() {
	cobraConfig = &Config{}
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.ServerAddress, "server", "s", client.DefaultServerAddress, "relay address, host:port for TCP or a ws:// URL")
	rootCmd.PersistentFlags().DurationVar(&cobraConfig.PollInterval, "poll-interval", chat.DefaultPollInterval, "longest wait of one network loop iteration")
	rootCmd.PersistentFlags().DurationVar(&cobraConfig.WriteTimeout, "write-timeout", tcp.DefaultWriteTimeout, "time after which a stalled write is fatal")
	rootCmd.PersistentFlags().Uint64Var(&cobraConfig.DialRetries, "dial-retries", 0, "connect retries with exponential backoff")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogLevel, "log-level", "warn", "log level")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogFile, "log-file", util.LogConsole, "log file")

	util.SetFlagsFromEnvVars(rootCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func execute(cmd *cobra.Command, args []string) error {
	if err := util.InitLog(cobraConfig.LogLevel, cobraConfig.LogFile); err != nil {
		return fmt.Errorf("failed to initialize log: %s", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	out := cmd.OutOrStdout()
	c, err := client.Dial(ctx, cobraConfig.ServerAddress,
		client.WithPollInterval(cobraConfig.PollInterval),
		client.WithWriteTimeout(cobraConfig.WriteTimeout),
		client.WithDialRetries(cobraConfig.DialRetries),
		client.WithMessageHandler(func(text string) {
			fmt.Fprintf(out, "Message recv: %q\n", text)
		}),
		client.WithSentHandler(func(text string) {
			fmt.Fprintf(out, "Message sent %q\n", text)
		}),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	go func() {
		err := c.Run(ctx)
		if errors.Is(err, client.ErrServerClosed) {
			fmt.Fprintln(out, "Connection with server was terminated")
		}
		if err != nil {
			log.Debugf("network task stopped: %v", err)
		}
	}()

	fmt.Fprintln(out, "Write a message: ")
	if err := client.RunConsole(ctx, cmd.InOrStdin(), c); err != nil && !errors.Is(err, client.ErrDisconnected) {
		log.Errorf("reading input failed: %v", err)
	}

	fmt.Fprintln(out, "Exiting chat program!")
	return nil
}
