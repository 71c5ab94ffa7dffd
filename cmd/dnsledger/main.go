package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dnsledger/core"
	"dnsledger/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "dnsledger"}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(registerCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run a dnsledger node: consensus engine, DNS resolver and peer transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := newLogger(cfg)

			node, err := core.NewNodeOrchestrator(cfg, log)
			if err != nil {
				return fmt.Errorf("construct node: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Infof("dnsledger: identity %s", node.PublicKey().Short())
			if err := node.Start(ctx); err != nil {
				return fmt.Errorf("start node: %w", err)
			}
			<-ctx.Done()
			log.Info("dnsledger: shutting down")
			node.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay config name (merged over cmd/config/default.yaml)")
	return cmd
}

func registerCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "print this node's public key, generating one if none exists yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pub, err := core.LoadIdentity(cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			fmt.Println(string(pub))
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay config name")
	return cmd
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			log.SetOutput(f)
		} else {
			log.Warnf("cmd: open log file %s: %v", cfg.Logging.File, err)
		}
	}
	return log
}
