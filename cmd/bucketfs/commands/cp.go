package commands

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/objectfs/bucketfs/internal/transfer"
	"github.com/objectfs/bucketfs/pkg/errors"
)

type cpFlags struct {
	quiet       bool
	contentType string
	interval    time.Duration
}

func newCpCmd(a *app) *cobra.Command {
	var f cpFlags
	cmd := &cobra.Command{
		Use:   "cp <source> <destination>",
		Short: "Copy a file to or from the bucket",
		Long: `Copy a local file into the bucket or an object out of it. Object keys
are written with a "bucket:" prefix; exactly one side must be an object.

Examples:
  # Upload
  bucketfs cp ./report.pdf bucket:docs/report.pdf

  # Download into a directory
  bucketfs cp bucket:docs/report.pdf /tmp/`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := args[0], args[1]
			switch {
			case isRemote(src) && !isRemote(dst):
				return a.runDownload(cmd, f, remoteKey(src), dst)
			case !isRemote(src) && isRemote(dst):
				return a.runUpload(cmd, f, src, remoteKey(dst))
			default:
				return errors.New(errors.KindInvalidConfig, "exactly one of source and destination must start with "+remotePrefix)
			}
		},
	}
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "do not print progress")
	cmd.Flags().StringVar(&f.contentType, "content-type", "", "content type of uploaded objects (default: by extension)")
	cmd.Flags().DurationVar(&f.interval, "progress-interval", 500*time.Millisecond, "progress refresh interval")
	return cmd
}

func (a *app) runUpload(cmd *cobra.Command, f cpFlags, local, key string) error {
	file, err := os.Open(local)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.Newf(errors.KindInvalidConfig, "%s is a directory", local)
	}
	if key == "" || key[len(key)-1] == '/' {
		key += filepath.Base(local)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s, err := a.buildStack(ctx, stackOptions{})
	if err != nil {
		return err
	}
	defer s.close(context.Background())

	contentType := f.contentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(local))
	}
	h, err := s.engine.Upload(ctx, key, info.Size(), file, transfer.WithContentType(contentType))
	if err != nil {
		return err
	}
	if err := a.follow(ctx, cmd, f, h); err != nil {
		if h.MultipartID() != "" {
			if aerr := s.engine.AbortMultipart(context.Background(), h); aerr != nil {
				a.logger.Warn("abort after failed upload failed", "key", key, "error", aerr)
			}
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s to %s%s (%s, etag %s)\n",
		local, remotePrefix, key, humanize.IBytes(uint64(info.Size())), h.ETag())
	return nil
}

func (a *app) runDownload(cmd *cobra.Command, f cpFlags, key, local string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s, err := a.buildStack(ctx, stackOptions{})
	if err != nil {
		return err
	}
	defer s.close(context.Background())

	obj, err := s.client.HeadObject(ctx, key)
	if err != nil {
		return err
	}
	if st, err := os.Stat(local); err == nil && st.IsDir() {
		local = filepath.Join(local, path.Base(key))
	}

	file, err := os.Create(local)
	if err != nil {
		return err
	}
	h, err := s.engine.Download(ctx, key, 0, obj.Size, file)
	if err != nil {
		file.Close()
		os.Remove(local)
		return err
	}
	if err := a.follow(ctx, cmd, f, h); err != nil {
		file.Close()
		os.Remove(local)
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "downloaded %s%s to %s (%s)\n",
		remotePrefix, key, local, humanize.IBytes(uint64(obj.Size)))
	return nil
}

// follow waits for h, printing progress unless quiet. An interrupt cancels
// the transfer.
func (a *app) follow(ctx context.Context, cmd *cobra.Command, f cpFlags, h *transfer.Handle) error {
	done := make(chan error, 1)
	go func() { done <- h.Wait(context.Background()) }()

	var ticks <-chan time.Time
	if !f.quiet && f.interval > 0 {
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	out := cmd.ErrOrStderr()
	for {
		select {
		case err := <-done:
			if !f.quiet {
				printProgress(out, h.Snapshot(), true)
			}
			return err
		case <-ticks:
			printProgress(out, h.Snapshot(), false)
		case <-ctx.Done():
			if h.Cancel() {
				a.logger.Info("transfer cancelled", "handle", h.ID(), "key", h.Key())
			}
			ctx = context.Background()
		}
	}
}

func printProgress(w io.Writer, info transfer.Info, final bool) {
	pct := 100.0
	if info.TotalSize > 0 {
		pct = float64(info.BytesTransferred) * 100 / float64(info.TotalSize)
	}
	end := "\r"
	if final {
		end = "\n"
	}
	fmt.Fprintf(w, "%s %s / %s (%.0f%%) parts %d/%d %s%s",
		info.Key,
		humanize.IBytes(uint64(info.BytesTransferred)),
		humanize.IBytes(uint64(info.TotalSize)),
		pct, info.PartsDone, info.Parts, info.Status, end)
}
