package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/internal/config"
	"github.com/caffeineduck/sandpit/security"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Check code against the security policy without running it",
		Long: `Run the static validator alone. Errors block execution, warnings do
not. Validation never consumes rate limit quota.

Exits with status 1 when the code would be rejected.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runValidate,
	}
	cmd.Flags().StringP("code", "c", "", "Code to validate")
	cmd.Flags().Bool("json", false, "Print the result as JSON")
	cmd.Flags().Bool("allow-network", false, "Validate as if network access were allowed")
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	source, filename, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if source == "" {
		return cmd.Help()
	}

	base, err := loadPolicy(cmd)
	if err != nil {
		return err
	}

	langFlag, _ := cmd.Flags().GetString("lang")
	lang, err := detectLanguage(langFlag, filename, base.Language)
	if err != nil {
		return err
	}
	policy := base.Security
	if cmd.Flags().Changed("allow-network") {
		policy.AllowNetwork, _ = cmd.Flags().GetBool("allow-network")
	}

	res := security.ValidateCode(executor.SanitizeInput(source), lang, policy)

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		p := &printer{out: cmd.OutOrStdout(), err: cmd.ErrOrStderr()}
		p.validation(res)
		if res.IsValid {
			fmt.Fprintln(cmd.OutOrStdout(), styleOK.Render("✓ valid "+lang.String()))
		}
	}
	if !res.IsValid {
		return exitError{code: 1}
	}
	return nil
}

// loadPolicy reads the policy named by --config or SANDPIT_POLICY.
func loadPolicy(cmd *cobra.Command) (executor.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return executor.Config{}, err
		}
		path = cfg.Policy
	}
	return config.LoadPolicy(path)
}
