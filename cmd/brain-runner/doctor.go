package main

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"brainrunner/internal/config"
	"brainrunner/internal/db"
	"brainrunner/internal/doctor"
)

var (
	doctorFix    bool
	doctorForce  bool
	doctorDryRun bool
)

var doctorCmd = &cobra.Command{
	Use:          "doctor",
	Short:        "Diagnose the notebook and runner environment",
	SilenceUsage: true,
	Long: `The doctor checks the notebook layout, the notebook config invariants,
template drift against the built-in references and the index database.
--fix repairs what it safely can; destructive repairs additionally need
--force and a confirmation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		settings := config.FromViper()

		var index db.Store
		if idx, err := db.FromURL(settings.IndexDBPath()); err == nil {
			index = idx
			defer idx.Close()
		}

		d := doctor.New(settings.BrainDir, index, nil)

		fmt.Fprintln(out, "🩺 Running doctor checks...")
		report := d.Run()
		for _, c := range report.Checks {
			icon := "✅"
			switch c.Result {
			case doctor.ResultWarn:
				icon = "⚠️ "
			case doctor.ResultFail:
				icon = "❌"
			}
			fmt.Fprintf(out, "%s %s: %s\n", icon, c.Name, c.Detail)
		}

		if doctorFix || doctorDryRun {
			outcomes := d.Fix(report, doctor.FixOptions{
				DryRun: doctorDryRun,
				Force:  doctorForce,
				Confirm: func(prompt string) bool {
					confirmed := false
					if err := survey.AskOne(&survey.Confirm{Message: prompt}, &confirmed); err != nil {
						return false
					}
					return confirmed
				},
			})
			for _, o := range outcomes {
				switch {
				case o.Err != nil:
					fmt.Fprintf(out, "❌ fix %s: %v\n", o.Check.Name, o.Err)
				case o.Applied:
					fmt.Fprintf(out, "🔧 fixed %s\n", o.Check.Name)
				default:
					fmt.Fprintf(out, "⏭️  skipped %s (%s)\n", o.Check.Name, o.Skipped)
				}
			}
			// Re-run so the summary reflects the repairs.
			if doctorFix && !doctorDryRun {
				report = d.Run()
			}
		}

		fmt.Fprintln(out, "\n🩺 Doctor Summary:")
		if report.Healthy() {
			fmt.Fprintln(out, "✅ All checks passed!")
			return nil
		}
		fmt.Fprintln(out, "❌ Some checks failed. Please review the output above.")
		return fmt.Errorf("doctor checks failed")
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "repair fixable findings")
	doctorCmd.Flags().BoolVar(&doctorForce, "force", false, "allow destructive repairs (with --fix)")
	doctorCmd.Flags().BoolVar(&doctorDryRun, "dry-run", false, "show repairs without applying them")
}
