package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/objectfs/bucketfs/pkg/errors"
)

func newAbortOrphansCmd(a *app) *cobra.Command {
	var (
		olderThan time.Duration
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "abort-orphans",
		Short: "Abort multipart uploads left behind by a crash",
		Long: `Abort every multipart upload recorded in the journal that started
before --older-than ago and never completed. Uploads the store no longer
knows are cleared from the journal too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, j, err := a.openClientAndJournal(ctx)
			if err != nil {
				return err
			}
			if j == nil {
				return errors.New(errors.KindInvalidConfig, "no journal configured")
			}
			defer j.Close()

			cutoff := time.Now().Add(-olderThan)
			entries, err := j.Orphans(ctx, cutoff)
			if err != nil {
				return err
			}
			var abortErr error
			if !dryRun {
				entries, abortErr = j.AbortOrphans(ctx, client, cutoff)
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no orphaned uploads")
				return abortErr
			}
			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"Key", "Upload ID", "Size", "Started"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, e := range entries {
				table.Append([]string{e.Key, e.UploadID, humanize.IBytes(uint64(e.Size)), humanize.Time(e.StartedAt)})
			}
			table.Render()

			verb := "aborted"
			if dryRun {
				verb = "would abort"
			}
			fmt.Fprintf(out, "%s %d upload(s)\n", verb, len(entries))
			return abortErr
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "only abort uploads started this long ago")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list orphans without aborting them")
	return cmd
}
