package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/INLOpen/tstore/engine"
)

// printTable writes the current metadata table and a stats summary.
func printTable(out io.Writer, e *engine.Engine) error {
	stats := e.Stats()
	table := e.CurrentTable()
	fmt.Fprintf(out, "table version %d, checkpoint lsn %d, sequence %d, %d files, %d bytes\n",
		table.Version, table.CheckpointLSN, stats.Sequence, table.Len(), table.TotalSize())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSIZE\tENTRIES\tDELETED\tINVALID\tVERSIONS\tTIMESTAMP")
	for _, f := range table.Files() {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d-%d\t%d\n",
			f.ID, f.Size, f.TotalEntries, f.DeletedEntries, f.NumberOfInvalidEntries(),
			f.MinVersion, f.MaxVersion, f.LogicalTimestamp)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, bucket := range slices.Sorted(maps.Keys(stats.FilesPerBucket)) {
		fmt.Fprintf(out, "bucket %s: %d\n", bucket, stats.FilesPerBucket[bucket])
	}
	_, err := fmt.Fprintf(out, "checkpoints %d, merges %d (aborted %d), reclaimed %d bytes\n",
		stats.Checkpoints, stats.Merges, stats.MergesAborted, stats.BytesReclaimed)
	return err
}
