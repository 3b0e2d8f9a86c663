package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openbase-hq/openbase/internal/config"
	"github.com/openbase-hq/openbase/internal/metastore"
	"github.com/openbase-hq/openbase/internal/source"
)

var (
	cfgFile string
	Version = "0.4.2"
)

var rootCmd = &cobra.Command{
	Use:   "openbase",
	Short: "Multi-database schema mirror and query toolkit",
	Long: `OpenBase connects to MySQL/MariaDB, PostgreSQL, SQLite and SQL Server
sources, mirrors their schemas into a local metadata store with stable
surrogate IDs, and runs permission-aware queries against them.

Supported engines:
- MySQL / MariaDB (mysql2)
- PostgreSQL (pg)
- SQL Server (mssql)
- SQLite (better-sqlite3)`,

	Run: func(cmd *cobra.Command, args []string) {
		showVersion, _ := cmd.Flags().GetBool("version")
		if showVersion {
			fmt.Printf("OpenBase CLI version %s\n", Version)
			os.Exit(0)
		}

		if len(args) == 0 {
			color.New(color.FgGreen, color.Bold).Println("⚡ OpenBase")
			fmt.Println()
			cmd.Help()
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

// openManager loads the config, opens the metadata store and returns an
// initialized registry. The caller owns both and closes them when done.
func openManager(cmd *cobra.Command) (*source.Manager, *metastore.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := metastore.Open(cfg.MetaPath)
	if err != nil {
		return nil, nil, err
	}
	ctx := cmd.Context()
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	mgr := source.NewManager(store, cfg.ConnectTimeout)
	if err := mgr.Init(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return mgr, store, nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./openbase.config.json)")
	rootCmd.Flags().BoolP("version", "v", false, "Show CLI version")
}

func initConfig() {
	if err := godotenv.Load(); err != nil {
		godotenv.Load(".env")
		godotenv.Load(".env.local")
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("json")
		viper.SetConfigName("openbase.config")
	}

	viper.AutomaticEnv()

	viper.ReadInConfig()
}
