// Command cloudzip lists and extracts entries of Zip archives stored in
// cloud object stores, fetching only the byte ranges it needs.
//
// The archive is addressed by a bucket URL and an object key:
//
//	cloudzip ls   --bucket s3://my-bucket dataset.zip
//	cloudzip stat --bucket s3://my-bucket dataset.zip data/part-0001.bin
//	cloudzip cat  --bucket s3://my-bucket dataset.zip data/part-0001.bin > part.bin
//
// Any gocloud.dev bucket URL works, including file:// for local testing.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/cloudzip/cloudzip"
	"github.com/cloudzip/cloudzip/bucket"
)

var (
	bucketURL string
	verbose   bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "cloudzip",
		Short:         "Random access to Zip archives in cloud object stores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&bucketURL, "bucket", "", "bucket URL (s3://, gs://, azblob://, file://)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	_ = root.MarkPersistentFlagRequired("bucket")

	root.AddCommand(lsCmd(), statCmd(), catCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "cloudzip:", err)
		os.Exit(1)
	}
}

func lsCmd() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls <object>",
		Short: "List the entries of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openArchive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := a.Entries()
			if err != nil {
				return err
			}
			if !long {
				for _, e := range entries {
					fmt.Fprintln(cmd.OutOrStdout(), e.Name)
				}
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
					e.UncompressedSize, methodName(e.Method),
					e.ModTime.Format("2006-01-02 15:04"), e.Name)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show sizes, methods, and times")
	return cmd
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <object> <entry>",
		Short: "Show one entry's metadata without fetching its content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openArchive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			e, ok, err := a.Entry(args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("entry %q not found", args[1])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:         %s\n", e.Name)
			fmt.Fprintf(out, "Size:         %d\n", e.UncompressedSize)
			fmt.Fprintf(out, "Compressed:   %d\n", e.CompressedSize)
			fmt.Fprintf(out, "Method:       %s\n", methodName(e.Method))
			fmt.Fprintf(out, "CRC-32:       %08x\n", e.CRC32)
			fmt.Fprintf(out, "Modified:     %s\n", e.ModTime.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "Header at:    %d\n", e.HeaderOffset)
			return nil
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <object> <entry>",
		Short: "Stream one entry's decompressed content to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openArchive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			f, err := a.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(cmd.OutOrStdout(), f)
			return err
		},
	}
}

// openArchive connects the bucket URL and object key into an Archive.
func openArchive(ctx context.Context, object string) (*cloudzip.Archive, func(), error) {
	src, err := bucket.OpenURL(ctx, bucketURL, object)
	if err != nil {
		return nil, nil, err
	}

	opts := []cloudzip.Option{cloudzip.WithContext(ctx)}
	if verbose {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		opts = append(opts, cloudzip.WithLogger(logger))
	}
	return cloudzip.New(src, opts...), func() { _ = src.Close() }, nil
}

func methodName(method uint16) string {
	switch method {
	case cloudzip.MethodStored:
		return "stored"
	case cloudzip.MethodDeflate:
		return "deflate"
	default:
		return fmt.Sprintf("method(%d)", method)
	}
}
