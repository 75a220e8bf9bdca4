package commands

import (
	"fmt"

	"github.com/davidmoltin/crm-rules/internal/cli"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var forceProcess bool

var processCmd = &cobra.Command{
	Use:   "process [email-id]",
	Short: "Run the rules against a stored email",
	Long: `Run the enabled rules against an email already synced into the CRM.

Emails that were already processed are skipped unless --force is given.

Examples:
  crm-rules process 3f1c2a9e-8d4b-4c1e-9f2a-6b7c8d9e0f1a
  crm-rules process 3f1c2a9e-8d4b-4c1e-9f2a-6b7c8d9e0f1a --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := uuid.Parse(args[0]); err != nil {
			return fmt.Errorf("invalid email id %q: %w", args[0], err)
		}

		client := cli.NewClient(viper.GetString("api.url"), viper.GetString("api.token"))
		result, err := client.ProcessEmail(cmd.Context(), args[0], forceProcess)
		if err != nil {
			return err
		}

		if outputJSON {
			printJSON(result)
		} else {
			switch {
			case result.Skipped:
				fmt.Println("Email already processed, skipped (use --force to run the rules again)")
			case result.Success:
				matched, actions := 0, 0
				if result.RuleResults != nil {
					matched = len(result.RuleResults.MatchedRules)
					actions = len(result.RuleResults.ActionResults)
				}
				fmt.Printf("Processed: %d rule(s) matched, %d action(s) executed\n", matched, actions)
			default:
				fmt.Printf("Processing failed (%s): %s\n", result.ErrorKind, result.Error)
			}
		}

		if !result.Success {
			return fmt.Errorf("email %s was not processed", args[0])
		}
		return nil
	},
}

func init() {
	processCmd.Flags().BoolVar(&forceProcess, "force", false, "Run the rules even if the email was already processed")
	rootCmd.AddCommand(processCmd)
}
