package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/groupwire/p2pcore/config"
	"github.com/groupwire/p2pcore/relay"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "p2pcore-relay",
	Short: "Relay server for the p2pcore transport",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(configPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a relay config file (optional; env vars override)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRelay(configPath string) error {
	log := logrus.WithField("component", "cmd.relay")

	cfg, err := config.LoadRelayConfig(configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return err
	}

	mgr := relay.NewSessionManager(nil)
	defer mgr.Shutdown()

	server := relay.NewServer(mgr)
	server.ControlPlaneAddr = fmt.Sprintf("%s:%d", cfg.Server.ListenAddress, cfg.Server.ListenPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received interrupt, shutting down")
		cancel()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.RelayServer.ListenAddress, cfg.RelayServer.ListenPort)
	if err := server.ListenAndServe(ctx, addr); err != nil {
		log.WithError(err).Error("relay server exited with error")
		return err
	}
	return nil
}
