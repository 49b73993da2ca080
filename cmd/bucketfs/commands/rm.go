package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/objectfs/bucketfs/pkg/types"
)

func newRmCmd(a *app) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm <key>...",
		Short: "Delete objects",
		Long: `Delete objects by key. With --recursive every object under each
argument, taken as a prefix, is deleted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, j, err := a.openClientAndJournal(ctx)
			if err != nil {
				return err
			}
			if j != nil {
				defer j.Close()
			}

			var keys []string
			for _, arg := range args {
				key := remoteKey(arg)
				if !recursive {
					keys = append(keys, key)
					continue
				}
				if key != "" && !strings.HasSuffix(key, "/") {
					key += "/"
				}
				err := listAll(ctx, client, key, "", func(p *types.ListPage) {
					for _, o := range p.Objects {
						keys = append(keys, o.Key)
					}
				})
				if err != nil {
					return err
				}
			}

			for _, key := range keys {
				if err := client.DeleteObject(ctx, key); err != nil {
					return err
				}
				a.logger.Debug("object deleted", "key", key)
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s%s\n", remotePrefix, key)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete every object under the given prefixes")
	return cmd
}
