package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/core"
	"github.com/ocx/dccp/internal/handshake"
	"github.com/ocx/dccp/internal/registry"
)

var packetFlags struct {
	tier   string
	target string
	zone   string
	all    bool
}

func init() {
	for _, c := range []*cobra.Command{compileCmd, handshakeCmd} {
		c.Flags().StringVar(&packetFlags.tier, "tier", "mid", "target tier: lowest|mid|highest or v1.5|v2.0|vNext")
		c.Flags().StringVar(&packetFlags.target, "target", "", "file path the result should be written to")
		c.Flags().StringVar(&packetFlags.zone, "zone", "staging", "deployment zone: staging|production")
		rootCmd.AddCommand(c)
	}
	handshakeCmd.Flags().BoolVar(&packetFlags.all, "all", false, "include dormant and offline nodes")
}

var compileCmd = &cobra.Command{
	Use:   "compile <intent...>",
	Short: "Compile an intent into a packet and print it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := compilePacket(args)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), p.Summary())
	},
}

var handshakeCmd = &cobra.Command{
	Use:   "handshake <intent...>",
	Short: "Rank the configured nodes for an intent",
	Long:  "Compiles the intent and runs the eligibility handshake against every node in the config file, best first.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p, err := compilePacket(args)
		if err != nil {
			return err
		}
		nodes := registry.New()
		nodes.Seed(cfg.Nodes)

		candidates := nodes.Available()
		if packetFlags.all {
			candidates = nodes.All()
		}
		return printJSON(cmd.OutOrStdout(), handshake.VerifyBatch(p, candidates))
	},
}

func compilePacket(args []string) (*compiler.Packet, error) {
	tier, err := core.ParseTier(packetFlags.tier)
	if err != nil {
		return nil, err
	}
	return compiler.Compile(strings.Join(args, " "), tier, packetFlags.target, core.ParseZone(packetFlags.zone))
}
