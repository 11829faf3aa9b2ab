// Package main is the entry point for relaystore-meta, which moves RelayStore
// metadata between its SQLite store and a diffable sorted-JSON export.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/relaystore/relaystore/internal/serialization"
	"gopkg.in/yaml.v3"
)

const defaultDBPath = "./data/records.db"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: relaystore-meta <command> [flags]

Commands:
  export    Write the metadata tables (%s) as sorted JSON
  import    Load a JSON export into the metadata database

Run "relaystore-meta <command> -h" for the command's flags.
`, strings.Join(serialization.AllTables, ", "))
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var rc int
	switch os.Args[1] {
	case "export":
		rc = runExport(os.Args[2:])
	case "import":
		rc = runImport(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		rc = 1
	}
	os.Exit(rc)
}

// resolveDBPath returns the -db override, the metadata.path from the config
// file, or the default, in that order. A missing config file is fine; a
// malformed one is not.
func resolveDBPath(dbFlag, configPath string) (string, error) {
	if dbFlag != "" {
		return dbFlag, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultDBPath, nil
		}
		return "", fmt.Errorf("reading %s: %w", configPath, err)
	}

	var cfg struct {
		Metadata struct {
			Path string `yaml:"path"`
		} `yaml:"metadata"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("parsing %s: %w", configPath, err)
	}
	if cfg.Metadata.Path == "" {
		return defaultDBPath, nil
	}
	return cfg.Metadata.Path, nil
}

// parseTables resolves a comma-separated -tables value against the known
// table set. Empty means everything.
func parseTables(list string) ([]string, error) {
	if list == "" {
		return serialization.AllTables, nil
	}
	valid := make(map[string]bool, len(serialization.AllTables))
	for _, t := range serialization.AllTables {
		valid[t] = true
	}
	var tables []string
	for _, t := range strings.Split(list, ",") {
		t = strings.TrimSpace(t)
		if !valid[t] {
			return nil, fmt.Errorf("unknown table %q (valid: %s)", t, strings.Join(serialization.AllTables, ", "))
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "relaystore.yaml", "Config file path")
	dbFlag := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	tables := fs.String("tables", "", "Comma-separated subset of tables")
	liveOnly := fs.Bool("live-only", false, "Skip archive rows already soft-deleted")
	fs.Parse(args)

	dbPath, err := resolveDBPath(*dbFlag, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	tableList, err := parseTables(*tables)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	out, err := serialization.ExportMetadata(dbPath, &serialization.ExportOptions{
		Tables:   tableList,
		LiveOnly: *liveOnly,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(out)
	} else {
		if err := os.WriteFile(*output, []byte(out+"\n"), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	}

	printExportSummary(out, tableList)
	return 0
}

// printExportSummary reports per-table row counts on stderr, with the
// soft-deleted share for archives, so piped exports still show what moved.
func printExportSummary(export string, tables []string) {
	var data map[string]json.RawMessage
	if err := json.Unmarshal([]byte(export), &data); err != nil {
		return
	}
	for _, table := range tables {
		var rows []map[string]any
		if err := json.Unmarshal(data[table], &rows); err != nil {
			continue
		}
		line := fmt.Sprintf("  %s: %d rows", table, len(rows))
		if table == "archives" {
			deleted := 0
			for _, row := range rows {
				if row["deleted_at"] != nil {
					deleted++
				}
			}
			if deleted > 0 {
				line += fmt.Sprintf(" (%d soft-deleted)", deleted)
			}
		}
		fmt.Fprintln(os.Stderr, line)
	}
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "relaystore.yaml", "Config file path")
	dbFlag := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Clear each present table before loading it")
	fs.Parse(args)

	dbPath, err := resolveDBPath(*dbFlag, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var payload []byte
	if *input == "-" {
		payload, err = io.ReadAll(os.Stdin)
	} else {
		payload, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	result, err := serialization.ImportMetadata(dbPath, string(payload), &serialization.ImportOptions{
		Replace: *replace,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %s: %d imported", table, count)
		if skip := result.Skipped[table]; skip > 0 {
			line += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(os.Stderr, line)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}

	return 0
}
