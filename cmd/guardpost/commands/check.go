package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/cobra"

	"github.com/guardpost/guardpost/internal/dnsbl"
)

var checkCmd = &cobra.Command{
	Use:   "check <address>",
	Short: "Look up one address against the configured blacklist zones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := args[0]
		if net.ParseIP(addr) == nil {
			return fmt.Errorf("invalid address %q", addr)
		}

		zones := make([]dnsbl.Zone, 0, len(cfg.DNSBL.Zones))
		for _, entry := range cfg.DNSBL.Zones {
			zones = append(zones, dnsbl.ParseZone(entry))
		}
		if len(zones) == 0 {
			return fmt.Errorf("no zones configured")
		}

		resolver := dnsbl.NewClient(cfg.DNSBL.DNSServers, cfg.DNSBLTimeout())
		checker := dnsbl.NewChecker(zones, cfg.DNSBL.Allowlist, resolver, cfg.DNSBLTimeout(), slog.Default())

		if checker.Allowlisted(addr) {
			fmt.Printf("%s: allow-listed\n", addr)
			return nil
		}
		res := checker.Lookup(context.Background(), addr, nil)
		if !res.Listed {
			fmt.Printf("%s: not listed\n", addr)
			return nil
		}
		fmt.Printf("%s: listed by %s: %s\n", addr, res.Zone, res.Message)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
