// Package output renders enriched connection records for the terminal and
// exports them as JSON. It consumes the core's output and contains no
// resolution logic of its own.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"connwatch/internal/domain"
)

// WriteTable prints an aligned text table of the records. Foreign
// connections are marked in the last column.
func WriteTable(w io.Writer, conns []domain.EnrichedConnection) error {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROTO\tLOCAL\tREMOTE\tSTATE\tPID\tCITY\tCOUNTRY\tORG\t")

	for _, c := range conns {
		pid := ""
		if c.PID != 0 {
			pid = fmt.Sprintf("%d", c.PID)
		}
		mark := ""
		if c.Classification == domain.Foreign {
			mark = " !"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s%s\t%s\t\n",
			c.Protocol, c.Local, c.Remote, c.State, pid,
			c.Geo.City, c.Geo.Country, mark, c.Geo.Org)
	}

	return tw.Flush()
}

// ExportJSON writes the records to a file as indented JSON.
func ExportJSON(path string, conns []domain.EnrichedConnection) error {
	data, err := json.MarshalIndent(conns, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}

// WriteStats prints a summary of the geo cache contents.
func WriteStats(w io.Writer, stats domain.CacheStats) error {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Total entries:\t%d\t\n", stats.Total)
	for source, count := range stats.BySource {
		fmt.Fprintf(tw, "  %s:\t%d\t\n", source, count)
	}
	if !stats.Oldest.IsZero() {
		fmt.Fprintf(tw, "Oldest:\t%s\t\n", stats.Oldest.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(tw, "Newest:\t%s\t\n", stats.Newest.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
