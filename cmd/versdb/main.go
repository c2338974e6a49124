// Command versdb is the CLI front-end: query, exec, shell, tables,
// indices, stats and explain over one database directory.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kasuganosora/versdb/pkg/database"
)

var (
	flagDB     string
	flagFormat string
	flagUser   string
)

func main() {
	root := &cobra.Command{
		Use:           "versdb",
		Short:         "Embedded versioned key-value and tabular database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDB, "db", defaultDBPath(), "database directory")
	root.PersistentFlags().StringVarP(&flagFormat, "format", "f", "table", "output format: table|json|csv|xlsx")
	root.PersistentFlags().StringVarP(&flagUser, "user", "u", "", "audit user (defaults to $USER)")

	root.AddCommand(
		queryCmd(),
		execCmd(),
		shellCmd(),
		tablesCmd(),
		indicesCmd(),
		statsCmd(),
		explainCmd(),
		createTableCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultDBPath() string {
	if p := os.Getenv("VERSDB_PATH"); p != "" {
		return p
	}
	return ".versdb"
}

func withDB(fn func(db *database.Database, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, err := database.Open(flagDB, database.Options{SkipDrainers: true})
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(db, cmd, args)
	}
}

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a SELECT statement",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(func(db *database.Database, cmd *cobra.Command, args []string) error {
			result, err := db.Execute(args[0], flagUser)
			if err != nil {
				return err
			}
			return writeResult(os.Stdout, result, flagFormat)
		}),
	}
}

func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <sql>",
		Short: "Run any statement (INSERT/UPDATE/DELETE/CREATE INDEX)",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(func(db *database.Database, cmd *cobra.Command, args []string) error {
			result, err := db.Execute(args[0], flagUser)
			if err != nil {
				return err
			}
			return writeResult(os.Stdout, result, flagFormat)
		}),
	}
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive SQL shell",
		Args:  cobra.NoArgs,
		RunE: withDB(func(db *database.Database, cmd *cobra.Command, args []string) error {
			fmt.Println("versdb shell — end statements with Enter, \\q quits")
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
			for {
				fmt.Print("versdb> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch {
				case line == "":
					continue
				case line == "\\q" || line == "exit" || line == "quit":
					return nil
				case line == "\\t":
					for _, name := range db.Tables() {
						fmt.Println(name)
					}
					continue
				}
				result, err := db.Execute(line, flagUser)
				if err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
					continue
				}
				if err := writeResult(os.Stdout, result, flagFormat); err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
				}
			}
		}),
	}
}

func tablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List tables",
		Args:  cobra.NoArgs,
		RunE: withDB(func(db *database.Database, cmd *cobra.Command, args []string) error {
			return writeList(os.Stdout, "table", db.Tables(), flagFormat)
		}),
	}
}

func indicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "indices",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: withDB(func(db *database.Database, cmd *cobra.Command, args []string) error {
			return writeMap(os.Stdout, db.IndexStats(), flagFormat)
		}),
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [table]",
		Short: "Show table statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: withDB(func(db *database.Database, cmd *cobra.Command, args []string) error {
			names := db.Tables()
			if len(args) == 1 {
				names = args
			}
			all := make(map[string]any, len(names))
			for _, name := range names {
				stats, err := db.TableStats(name)
				if err != nil {
					return err
				}
				all[name] = stats
			}
			return writeMap(os.Stdout, all, flagFormat)
		}),
	}
}

func explainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain <sql>",
		Short: "Show the access plan of a statement",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(func(db *database.Database, cmd *cobra.Command, args []string) error {
			plan, err := db.Explain(args[0])
			if err != nil {
				return err
			}
			fmt.Println(plan.Description)
			return nil
		}),
	}
}

func createTableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-table <name> <column>...",
		Short: "Create a table with the given columns (first column is the key)",
		Args:  cobra.MinimumNArgs(2),
		RunE: withDB(func(db *database.Database, cmd *cobra.Command, args []string) error {
			user := flagUser
			if user == "" {
				user = os.Getenv("USER")
			}
			if user == "" {
				user = "system"
			}
			if err := db.CreateTable(args[0], args[1:], user); err != nil {
				return err
			}
			fmt.Printf("table %s created\n", args[0])
			return nil
		}),
	}
}
