package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync <source>",
	Short: "Re-reconcile a source's live schema against the mirror",
	Long: `Introspect the source's live schema and reconcile it against the
persisted metadata mirror. Added columns get zero-permission rows for every
role; removed tables cascade through their permissions and UI references;
surrogate IDs never change for surviving records.

Resync never runs automatically — this command is the only trigger besides
source registration.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		db, err := mgr.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		result, err := db.Resync(cmd.Context())
		if err != nil {
			return err
		}

		if result.Unchanged() {
			color.Green("✓ %s is up to date", args[0])
		} else {
			color.Green("✓ Synced %s", args[0])
			fmt.Printf("  added:   %d entities, %d tables, %d columns\n",
				result.EntitiesAdded, result.TablesAdded, result.ColumnsAdded)
			fmt.Printf("  updated: %d columns\n", result.ColumnsUpdated)
			fmt.Printf("  removed: %d entities, %d tables, %d columns\n",
				result.EntitiesRemoved, result.TablesRemoved, result.ColumnsRemoved)
		}
		for _, unresolved := range result.Unresolved {
			color.Yellow("  ! %v", unresolved)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
