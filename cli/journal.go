package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/eventq/journal"
)

// NewJournalCmd creates the "journal" command group.
func NewJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the failed-delivery journal",
	}
	cmd.AddCommand(newJournalListCmd())
	return cmd
}

func newJournalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List failed deliveries recorded in a SQLite journal",
		Args:  cobra.NoArgs,
		RunE:  runJournalList,
	}

	addConfigFlag(cmd)
	cmd.Flags().String("sqlite-path", "", "Journal database (default: journal.sqlite_path from config)")
	cmd.Flags().String("executor", "", "Only show failures of this executor")
	cmd.Flags().Uint64("after", 0, "Only show entries after this sequence number")
	cmd.Flags().Int("limit", 50, "Maximum number of entries (0 for all)")
	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

func runJournalList(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("sqlite-path")
	executorName, _ := cmd.Flags().GetString("executor")
	after, _ := cmd.Flags().GetUint64("after")
	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("format")

	if strings.TrimSpace(path) == "" {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path = cfg.Journal.SQLitePath
	}
	if strings.TrimSpace(path) == "" {
		return exitError(exitValidation, "no journal configured: pass --sqlite-path or set journal.sqlite_path")
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return exitError(exitFileNotFound, "journal not found: %s", path)
	}

	j, err := journal.OpenSQLite(journal.SQLiteConfig{DSN: path})
	if err != nil {
		return exitError(exitRuntime, "opening journal: %w", err)
	}
	defer func() {
		_ = j.Close()
	}()

	entries, err := j.List(cmd.Context(), executorName, after, limit)
	if err != nil {
		return exitError(exitRuntime, "listing journal: %w", err)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		if entries == nil {
			entries = []journal.Entry{}
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No failures recorded.")
		return nil
	}
	writer := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "SEQ\tTIME\tEXECUTOR\tHANDLER\tPANIC\tERROR")
	for _, e := range entries {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%t\t%s\n",
			e.Seq, e.Time.Format(time.RFC3339), e.Executor, e.Handler, e.Panicked, e.Error)
	}
	return writer.Flush()
}
