package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openbase-hq/openbase/internal/schema"
)

// schemaCmd represents the schema command
var schemaCmd = &cobra.Command{
	Use:   "schema <source>",
	Short: "Dump a source's reconciled schema as YAML",
	Args:  cobra.ExactArgs(1),
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

		out, err := yaml.Marshal(renderEntities(db.Entities()))
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

type columnDump struct {
	Type       string `yaml:"type"`
	Nullable   bool   `yaml:"nullable,omitempty"`
	PrimaryKey bool   `yaml:"primaryKey,omitempty"`
	References string `yaml:"references,omitempty"`
	Display    string `yaml:"display,omitempty"`
}

type tableDump struct {
	Columns map[string]columnDump `yaml:"columns"`
}

type entityDump struct {
	Tables map[string]tableDump `yaml:"tables"`
}

func renderEntities(entities []*schema.Entity) map[string]entityDump {
	out := make(map[string]entityDump, len(entities))
	for _, entity := range entities {
		ed := entityDump{Tables: make(map[string]tableDump, len(entity.Tables))}
		for _, tbl := range entity.SortedTables() {
			td := tableDump{Columns: make(map[string]columnDump, len(tbl.Columns()))}
			for _, col := range tbl.Columns() {
				cd := columnDump{
					Type:       col.Type.Encode(),
					Nullable:   col.Nullable,
					PrimaryKey: col.IsPrimaryKey,
				}
				if fk := col.ForeignKey; fk != nil {
					cd.References = fk.TargetTable + "." + fk.TargetColumn
					cd.Display = fk.DisplayTable + "." + fk.DisplayColumn
				}
				td.Columns[col.Name] = cd
			}
			ed.Tables[tbl.Name] = td
		}
		out[entity.Name] = ed
	}
	return out
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
