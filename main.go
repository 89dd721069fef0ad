package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"

	"github.com/go-i2p/go-onion/lib/config"
	"github.com/go-i2p/go-onion/lib/keys"
	"github.com/go-i2p/go-onion/lib/node"
)

var log = logger.GetGoI2PLogger()

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "go-onion",
		Short: "Onion-routing node",
		Long: `go-onion runs an onion-routing node. Depending on configuration it
acts as a client building multi-hop circuits, as a relay extending and
forwarding other nodes' circuits, or as an exit opening TCP streams on
behalf of circuits that terminate here.`,
	}
	cmd.PersistentFlags().StringVar(&config.CfgFile, "config", "",
		"config file (default is $HOME/.go-onion/config.yaml)")
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newKeygenCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode()
		},
	}
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate node keys without starting the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.NodeConfigProperties
			ks, err := keys.NewNodeKeystore(cfg.WorkingDir)
			if err != nil {
				return err
			}
			id, err := ks.IdentityDigest()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity: %s\n", id.String())
			return nil
		},
	}
}

func runNode() error {
	cfg := config.NodeConfigProperties

	n, err := node.CreateNode(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create node")
		return err
	}
	if err := n.Start(); err != nil {
		log.WithError(err).Error("failed to start node")
		return err
	}
	log.WithFields(logger.Fields{
		"at":       "runNode",
		"identity": n.Identity().String(),
		"or_port":  cfg.ORPort,
	}).Debug("node running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Debug("interrupt received, shutting down")
		n.Stop()
	}()

	n.Wait()
	return n.Close()
}

func main() {
	cobra.OnInitialize(config.InitConfig)
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
