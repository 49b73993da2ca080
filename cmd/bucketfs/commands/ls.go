package commands

import (
	"context"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/objectfs/bucketfs/pkg/types"
)

const listPageSize = 1000

func newLsCmd(a *app) *cobra.Command {
	var (
		recursive bool
		exact     bool
	)
	cmd := &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List objects and prefixes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = remoteKey(args[0])
			}
			if prefix != "" && !recursive && !strings.HasSuffix(prefix, "/") {
				prefix += "/"
			}

			client, j, err := a.openClientAndJournal(cmd.Context())
			if err != nil {
				return err
			}
			if j != nil {
				defer j.Close()
			}

			delimiter := "/"
			if recursive {
				delimiter = ""
			}
			var (
				objects  []types.ObjectInfo
				prefixes []string
			)
			err = listAll(cmd.Context(), client, prefix, delimiter, func(p *types.ListPage) {
				objects = append(objects, p.Objects...)
				prefixes = append(prefixes, p.CommonPrefixes...)
			})
			if err != nil {
				return err
			}
			renderListing(cmd.OutOrStdout(), prefixes, objects, exact)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "list every object under the prefix")
	cmd.Flags().BoolVar(&exact, "bytes", false, "print sizes in bytes")
	return cmd
}

// listAll pages through ListObjects until the listing is exhausted.
func listAll(ctx context.Context, client types.ObjectClient, prefix, delimiter string, fn func(*types.ListPage)) error {
	marker := ""
	for {
		page, err := client.ListObjects(ctx, prefix, delimiter, marker, listPageSize)
		if err != nil {
			return err
		}
		fn(page)
		if !page.Truncated || page.NextMarker == "" {
			return nil
		}
		marker = page.NextMarker
	}
}

func renderListing(w io.Writer, prefixes []string, objects []types.ObjectInfo, exact bool) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Size", "Modified", "Key"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, p := range prefixes {
		table.Append([]string{"DIR", "", p})
	}
	for _, o := range objects {
		size := humanize.IBytes(uint64(o.Size))
		if exact {
			size = humanize.Comma(o.Size)
		}
		modified := ""
		if !o.LastModified.IsZero() {
			modified = o.LastModified.Local().Format("2006-01-02 15:04:05")
		}
		table.Append([]string{size, modified, o.Key})
	}
	table.Render()
}
