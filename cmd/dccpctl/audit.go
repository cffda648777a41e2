package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocx/dccp/internal/security"
)

var auditCmd = &cobra.Command{
	Use:   "audit <file|->",
	Short: "Scan content with the security auditor",
	Long:  "Prints the audit result and exits non-zero when the content does not pass.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rules, err := security.LoadRules(cfg.Security.RulesFile)
	if err != nil {
		return err
	}
	auditor, err := security.NewAuditor(rules)
	if err != nil {
		return err
	}

	content, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	res := auditor.Audit(content)
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Passed {
		return fmt.Errorf("audit failed: threat level %s, score %d", res.ThreatLevel, res.RiskScore)
	}
	return nil
}
