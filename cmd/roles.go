package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openbase-hq/openbase/internal/perm"
)

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Manage roles and per-column permissions",
}

var rolesAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a role with zero permissions on every mirrored column",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		gate := perm.NewGate(store)
		if _, err := gate.CreateRole(cmd.Context(), args[0]); err != nil {
			return err
		}
		color.Green("✓ Created role %s", args[0])
		return nil
	},
}

var rolesRemoveCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a role and all its grants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		gate := perm.NewGate(store)
		if err := gate.DeleteRole(cmd.Context(), args[0]); err != nil {
			return err
		}
		color.Green("✓ Deleted role %s", args[0])
		return nil
	},
}

var rolesListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List roles",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		roles, err := store.ListRoles(cmd.Context())
		if err != nil {
			return err
		}
		if len(roles) == 0 {
			fmt.Println("No roles defined.")
			return nil
		}
		for _, role := range roles {
			fmt.Println(role.Name)
		}
		return nil
	},
}

var rolesGrantCmd = &cobra.Command{
	Use:   "grant <role> <source> <entity.table.column> <flags>",
	Short: "Set a role's CRUD flags on one column",
	Long: `Set a role's permission bitmask on a column. Flags are any subset of
"crud" (create, read, update, delete); "-" clears everything.

Example: openbase roles grant analyst warehouse shop.orders.total r`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		rec, err := store.DataSourceByName(cmd.Context(), args[1])
		if err != nil {
			return fmt.Errorf("data source %q not found", args[1])
		}

		parts := strings.Split(args[2], ".")
		if len(parts) != 3 {
			return fmt.Errorf("invalid column path %q, want entity.table.column", args[2])
		}
		col, err := store.FindColumn(cmd.Context(), rec.ID, parts[0], parts[1], parts[2])
		if err != nil {
			return fmt.Errorf("column %q not found in %s", args[2], args[1])
		}

		flags, err := perm.ParseFlags(args[3])
		if err != nil {
			return err
		}
		gate := perm.NewGate(store)
		if err := gate.SetPermission(cmd.Context(), args[0], col.ID, flags); err != nil {
			return err
		}
		color.Green("✓ %s on %s: %s", args[0], args[2], flags)
		return nil
	},
}

var rolesShowCmd = &cobra.Command{
	Use:   "show <role> <source>",
	Short: "Show the entities, tables and columns a role can read",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		rec, err := store.DataSourceByName(cmd.Context(), args[1])
		if err != nil {
			return fmt.Errorf("data source %q not found", args[1])
		}

		gate := perm.NewGate(store)
		access, err := gate.AccessibleEntities(cmd.Context(), args[0], rec.ID)
		if err != nil {
			return err
		}
		if len(access) == 0 {
			fmt.Printf("%s has no readable columns in %s\n", args[0], args[1])
			return nil
		}
		for _, ea := range access {
			fmt.Println(ea.Entity)
			for tbl, cols := range ea.Tables {
				fmt.Printf("  %s: %s\n", tbl, strings.Join(cols, ", "))
			}
		}
		return nil
	},
}

func init() {
	rolesCmd.AddCommand(rolesAddCmd)
	rolesCmd.AddCommand(rolesRemoveCmd)
	rolesCmd.AddCommand(rolesListCmd)
	rolesCmd.AddCommand(rolesGrantCmd)
	rolesCmd.AddCommand(rolesShowCmd)
	rootCmd.AddCommand(rolesCmd)
}
