package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/javanhut/hgstore/internal/bundle"
	"github.com/javanhut/hgstore/internal/colors"
	"github.com/javanhut/hgstore/internal/compress"
	"github.com/javanhut/hgstore/internal/proto"
	"github.com/javanhut/hgstore/internal/revlog"
	"github.com/spf13/cobra"
)

func newBundleCmd(opts *rootOptions) *cobra.Command {
	var base string
	var kind string
	var accept []string
	cmd := &cobra.Command{
		Use:   "bundle FILE",
		Short: "Write changesets to an HG10 bundle",
		Long: `Writes every changeset after --base (default: all of them) with the
manifest and file revisions they introduced to FILE. Use "-" for stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			since := revlog.NullRev
			if base != "" {
				v, err := r.View(cmd.Context(), r.Changelog())
				if err != nil {
					return err
				}
				if since, err = resolveRev(v, base); err != nil {
					return err
				}
			}
			tag := proto.Canonical(kind)
			if kind != "" && tag == "" {
				return fmt.Errorf("unknown bundle type %q", kind)
			}
			if tag == compress.StreamBzip2 {
				return fmt.Errorf("bundle type %s can be read but not written", tag)
			}
			if len(accept) > 0 {
				if tag == "" {
					tag = r.Config().Bundle.Compression
				}
				tag = proto.NegotiateCompression(accept, tag)
			}

			var w io.Writer = cmd.OutOrStdout()
			var f *os.File
			if args[0] != "-" {
				if f, err = os.Create(args[0]); err != nil {
					return err
				}
				w = f
			}
			stats, err := r.Bundle(cmd.Context(), w, tag, since)
			if f != nil {
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					os.Remove(args[0])
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d changesets, %d manifests, %d files, %d revisions\n",
				stats.Changesets, stats.Manifests, stats.Files, stats.Revisions)
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "only bundle changesets after this revision")
	cmd.Flags().StringSliceVar(&accept, "accept", nil, "codecs the receiver can decode; the bundle type is negotiated against them")
	cmd.Flags().StringVarP(&kind, "type", "t", "", "compression: "+strings.Join(writableTags(), ", ")+" (default from bundle.compression)")
	return cmd
}

func writableTags() []string {
	var tags []string
	for _, t := range compress.StreamTags() {
		if t != compress.StreamBzip2 {
			tags = append(tags, t)
		}
	}
	return tags
}

func openBundle(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func newUnbundleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unbundle FILE",
		Short: "Apply an HG10 bundle to the repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			f, err := openBundle(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			stats, err := r.Unbundle(cmd.Context(), args[0], f, bundle.ApplyOptions{})
			if err != nil {
				return err
			}
			if stats.Changesets == 0 && stats.Revisions == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), colors.Warning("no changes found"))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d changesets with %d changes to %d files\n",
				colors.Success("added"), stats.Changesets, stats.Revisions, stats.Files)
			return nil
		},
	}
}

func newDebugBundleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "debugbundle FILE",
		Short: "List the contents of an HG10 bundle",
		Long: `Prints every element of every group of FILE: node, parents, linked
changeset and delta size. Nothing is reconstructed or applied.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openBundle(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			br, err := bundle.NewReader(args[0], f)
			if err != nil {
				return err
			}
			defer br.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "compression: %s\n", br.Compression())
			printElement := func(e *bundle.Element) error {
				fmt.Fprintf(out, "  %s p1 %s p2 %s link %s delta %d\n",
					colors.Node(e.Node.String()), e.P1.Short(), e.P2.Short(), e.LinkNode.Short(), len(e.Delta))
				return nil
			}
			fmt.Fprintln(out, colors.Header("changelog"))
			if err := br.Group(printElement); err != nil {
				return err
			}
			fmt.Fprintln(out, colors.Header("manifest"))
			if err := br.Group(printElement); err != nil {
				return err
			}
			for {
				path, ok, err := br.NextFile()
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				fmt.Fprintln(out, colors.Header(path))
				if err := br.Group(printElement); err != nil {
					return err
				}
			}
		},
	}
}
