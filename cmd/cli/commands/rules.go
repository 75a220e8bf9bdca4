package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/davidmoltin/crm-rules/internal/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var enabledOnly bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage email processing rules",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [rules-file]",
	Short: "Validate rule definitions",
	Long: `Validate a JSON or YAML (.yaml, .yml) file holding one rule or an array of rules.

The validator checks:
  - Required fields (name, at least one action)
  - Known condition and action types
  - Condition patterns compile
  - Action parameters

Examples:
  crm-rules rules validate rules.json
  crm-rules rules validate rules.json --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename := args[0]

		result, err := cli.ValidateRuleFile(filename)
		if err != nil {
			return err
		}

		if outputJSON {
			printJSON(result)
		} else {
			fmt.Printf("Validating rules: %s\n\n", filename)
			if result.Valid {
				fmt.Printf("%d rule(s) valid\n", result.Rules)
			} else {
				fmt.Printf("Validation failed with %d error(s):\n\n", len(result.Errors))
				for i, e := range result.Errors {
					fmt.Printf("  %d. %s\n", i+1, e)
				}
			}
		}

		if !result.Valid {
			return fmt.Errorf("invalid rules file: %s", filename)
		}
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules in evaluation order",
	Long: `List the rules stored on the server, highest priority first.

Examples:
  crm-rules rules list
  crm-rules rules list --enabled-only
  crm-rules rules list --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := cli.NewClient(viper.GetString("api.url"), viper.GetString("api.token"))

		rules, err := client.ListRules(cmd.Context())
		if err != nil {
			return err
		}

		if enabledOnly {
			filtered := rules[:0]
			for _, r := range rules {
				if r.Enabled {
					filtered = append(filtered, r)
				}
			}
			rules = filtered
		}

		if outputJSON {
			printJSON(rules)
			return nil
		}

		if len(rules) == 0 {
			fmt.Println("No rules found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPRIORITY\tENABLED\tCONDITIONS\tACTIONS\tNAME")
		for _, r := range rules {
			fmt.Fprintf(w, "%d\t%d\t%t\t%d\t%d\t%s\n", r.ID, r.Priority, r.Enabled, len(r.Conditions), len(r.Actions), r.Name)
		}
		return w.Flush()
	},
}

func init() {
	rulesListCmd.Flags().BoolVar(&enabledOnly, "enabled-only", false, "Show only enabled rules")
	rulesCmd.AddCommand(rulesValidateCmd, rulesListCmd)
	rootCmd.AddCommand(rulesCmd)
}
