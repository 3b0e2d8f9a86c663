package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openbase-hq/openbase/internal/connection"
	"github.com/openbase-hq/openbase/internal/tunnel"
)

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage registered data sources",
}

var sourceAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a new data source",
	Long: `Register a data source and run its first schema sync.

The configuration is validated before anything is persisted: file-based
engines must point at an existing file, network engines must name a host.
A failed first sync rolls the registration back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		cfg := connection.Config{
			Type:     sourceFlags.engine,
			Host:     sourceFlags.host,
			Port:     sourceFlags.port,
			User:     sourceFlags.user,
			Password: sourceFlags.password,
			Database: sourceFlags.database,
			Filename: sourceFlags.file,
		}
		if sourceFlags.sshHost != "" {
			cfg.SSHTunnel = &tunnel.Config{
				User: sourceFlags.sshUser,
				Host: sourceFlags.sshHost,
				Port: sourceFlags.sshPort,
				Auth: tunnel.Auth{
					Method:         sourceFlags.sshAuth,
					Password:       sourceFlags.sshPassword,
					PrivateKeyPath: sourceFlags.sshKey,
				},
			}
		}

		db, err := mgr.AddDataSource(cmd.Context(), args[0], cfg)
		if err != nil {
			return err
		}

		result := db.LastSync()
		color.Green("✓ Registered %s (%s)", args[0], cfg.Type)
		fmt.Printf("  entities: %d  tables: %d  columns: %d\n",
			result.EntitiesAdded, result.TablesAdded, result.ColumnsAdded)
		for _, unresolved := range result.Unresolved {
			color.Yellow("  ! %v", unresolved)
		}
		return nil
	},
}

var sourceRemoveCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Remove a data source and all its mirrored metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		if err := mgr.RemoveDataSource(cmd.Context(), args[0]); err != nil {
			return err
		}
		color.Green("✓ Removed %s", args[0])
		return nil
	},
}

var sourceListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered data sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		defer mgr.Close()

		recs, err := mgr.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No data sources registered.")
			return nil
		}
		for _, rec := range recs {
			fmt.Printf("%-24s %s\n", rec.Name, rec.Engine)
		}
		return nil
	},
}

var sourceFlags struct {
	engine      string
	host        string
	port        int
	user        string
	password    string
	database    string
	file        string
	sshHost     string
	sshPort     int
	sshUser     string
	sshAuth     string
	sshPassword string
	sshKey      string
}

func init() {
	f := sourceAddCmd.Flags()
	f.StringVar(&sourceFlags.engine, "type", "", "engine: mysql2, pg, mssql or better-sqlite3")
	f.StringVar(&sourceFlags.host, "host", "", "database host")
	f.IntVar(&sourceFlags.port, "port", 0, "database port")
	f.StringVar(&sourceFlags.user, "user", "", "database user")
	f.StringVar(&sourceFlags.password, "password", "", "database password")
	f.StringVar(&sourceFlags.database, "database", "", "database name")
	f.StringVar(&sourceFlags.file, "file", "", "sqlite database file")
	f.StringVar(&sourceFlags.sshHost, "ssh-host", "", "SSH tunnel host")
	f.IntVar(&sourceFlags.sshPort, "ssh-port", 22, "SSH tunnel port")
	f.StringVar(&sourceFlags.sshUser, "ssh-user", "", "SSH tunnel user")
	f.StringVar(&sourceFlags.sshAuth, "ssh-auth", "none", "SSH auth method: none, password or privateKey")
	f.StringVar(&sourceFlags.sshPassword, "ssh-password", "", "SSH password")
	f.StringVar(&sourceFlags.sshKey, "ssh-key", "", "SSH private key path")
	sourceAddCmd.MarkFlagRequired("type")

	sourceCmd.AddCommand(sourceAddCmd)
	sourceCmd.AddCommand(sourceRemoveCmd)
	sourceCmd.AddCommand(sourceListCmd)
	rootCmd.AddCommand(sourceCmd)
}
