package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/javanhut/hgstore/internal/colors"
	"github.com/javanhut/hgstore/internal/node"
	"github.com/javanhut/hgstore/internal/patch"
	"github.com/javanhut/hgstore/internal/repo"
	"github.com/javanhut/hgstore/internal/revlog"
	"github.com/spf13/cobra"
)

func newDebugIndexCmd(opts *rootOptions) *cobra.Command {
	var t targetFlags
	var full bool
	cmd := &cobra.Command{
		Use:   "debugindex",
		Short: "Dump the index of a revlog",
		Long: `Prints one line per revision: index, data offset, stored length, delta
base, linked changeset, node id and parents. With --full the delta parent,
chain length and uncompressed length are shown too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tg, err := opts.openTarget(&t)
			if err != nil {
				return err
			}
			defer tg.Close()
			if _, err := tg.rl.Refresh(); err != nil {
				return err
			}
			return dumpIndex(cmd.OutOrStdout(), tg.rl.Snapshot(), full)
		},
	}
	t.register(cmd)
	cmd.Flags().BoolVar(&full, "full", false, "also show delta parents, chain lengths and raw sizes")
	return cmd
}

func dumpIndex(out io.Writer, snap *revlog.Snapshot, full bool) error {
	tw := tabwriter.NewWriter(out, 0, 4, 1, ' ', tabwriter.AlignRight)
	header := "rev\toffset\tlength\tbase\tlinkrev\tnodeid\tp1\tp2\t"
	if full {
		header += "deltaparent\tchain\trawsize\t"
	}
	fmt.Fprintln(tw, colors.Header(header))
	for rev := revlog.Rev(0); int(rev) < snap.Len(); rev++ {
		rec, err := snap.Record(rev)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t",
			colors.Rev(strconv.Itoa(int(rev))), rec.Offset, rec.CompressedLen, rec.BaseRev, rec.LinkRev,
			colors.Node(rec.Node.Short()), shortOrNull(rec.P1Node), shortOrNull(rec.P2Node))
		if full {
			dp, err := snap.DeltaParent(rev)
			if err != nil {
				return err
			}
			chain, err := snap.ChainLength(rev)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%d\t%d\t%d\t", dp, chain, rec.ActualLen)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func shortOrNull(id node.ID) string {
	if id.IsNull() {
		return colors.Muted(id.Short())
	}
	return id.Short()
}

func newCatCmd(opts *rootOptions) *cobra.Command {
	var t targetFlags
	var delta, chunk, hunks bool
	cmd := &cobra.Command{
		Use:   "cat REV",
		Short: "Print the full text of a revision",
		Long: `Reconstructs REV from its delta chain, verifies it against its node id
and writes it to stdout. With --delta the decompressed stored patch is
printed instead, with --hunks the stored patch as a hunk listing, and with
--chunk the chunk exactly as it is on disk.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tg, err := opts.openTarget(&t)
			if err != nil {
				return err
			}
			defer tg.Close()
			v, err := tg.view(cmd.Context())
			if err != nil {
				return err
			}
			rev, err := resolveRev(v, args[0])
			if err != nil {
				return err
			}
			if rev == revlog.NullRev {
				return nil
			}
			if hunks {
				return dumpHunks(cmd.OutOrStdout(), tg.rl, rev)
			}
			var data []byte
			switch {
			case chunk:
				data, err = tg.rl.RawChunk(rev)
			case delta:
				data, err = tg.rl.Delta(rev)
			default:
				data, err = tg.rl.Content(rev)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	t.register(cmd)
	cmd.Flags().BoolVar(&delta, "delta", false, "print the stored delta instead of the full text")
	cmd.Flags().BoolVar(&chunk, "chunk", false, "print the compressed chunk as stored")
	cmd.Flags().BoolVar(&hunks, "hunks", false, "list the hunks of the stored delta")
	cmd.MarkFlagsMutuallyExclusive("delta", "chunk", "hunks")
	return cmd
}

func dumpHunks(out io.Writer, rl *revlog.Revlog, rev revlog.Rev) error {
	rec, err := rl.Snapshot().Record(rev)
	if err != nil {
		return err
	}
	data, err := rl.Delta(rev)
	if err != nil {
		return err
	}
	if rec.IsSnapshot() {
		fmt.Fprintln(out, colors.Faint(fmt.Sprintf("full snapshot, %d bytes", len(data))))
		return nil
	}
	hs, err := patch.Parse(data)
	if err != nil {
		return err
	}
	return patch.Dump(out, hs)
}

// printRevs writes one "rev:node" line per identifier.
func printRevs(out io.Writer, v *repo.View, ids []node.ID) error {
	for _, id := range ids {
		rev, err := v.Nodes.Rev(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s:%s\n", colors.Rev(strconv.Itoa(int(rev))), colors.Node(id.String()))
	}
	return nil
}

func newHeadsCmd(opts *rootOptions) *cobra.Command {
	var t targetFlags
	var roots bool
	cmd := &cobra.Command{
		Use:   "heads",
		Short: "Show revisions without children",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tg, err := opts.openTarget(&t)
			if err != nil {
				return err
			}
			defer tg.Close()
			v, err := tg.view(cmd.Context())
			if err != nil {
				return err
			}
			ids := v.Graph.Heads()
			if roots {
				ids = v.Graph.Roots()
			}
			return printRevs(cmd.OutOrStdout(), v, ids)
		},
	}
	t.register(cmd)
	cmd.Flags().BoolVar(&roots, "roots", false, "show revisions without parents instead")
	return cmd
}

func newParentsCmd(opts *rootOptions) *cobra.Command {
	var t targetFlags
	cmd := &cobra.Command{
		Use:   "parents REV",
		Short: "Show the parents of a revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tg, err := opts.openTarget(&t)
			if err != nil {
				return err
			}
			defer tg.Close()
			v, err := tg.view(cmd.Context())
			if err != nil {
				return err
			}
			id, err := resolveNode(v, args[0])
			if err != nil {
				return err
			}
			p1, err := v.Graph.FirstParent(id)
			if err != nil {
				return err
			}
			p2, err := v.Graph.SecondParent(id)
			if err != nil {
				return err
			}
			var ids []node.ID
			for _, p := range []node.ID{p1, p2} {
				if !p.IsNull() {
					ids = append(ids, p)
				}
			}
			return printRevs(cmd.OutOrStdout(), v, ids)
		},
	}
	t.register(cmd)
	return cmd
}

func newChildrenCmd(opts *rootOptions) *cobra.Command {
	var t targetFlags
	var all bool
	cmd := &cobra.Command{
		Use:   "children REV",
		Short: "Show the children of a revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tg, err := opts.openTarget(&t)
			if err != nil {
				return err
			}
			defer tg.Close()
			v, err := tg.view(cmd.Context())
			if err != nil {
				return err
			}
			id, err := resolveNode(v, args[0])
			if err != nil {
				return err
			}
			var ids []node.ID
			if all {
				ids, err = v.Graph.Descendants(id)
			} else {
				ids, err = v.Graph.DirectChildren(id)
			}
			if err != nil {
				return err
			}
			return printRevs(cmd.OutOrStdout(), v, ids)
		},
	}
	t.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "show every descendant")
	return cmd
}

func newAncestorCmd(opts *rootOptions) *cobra.Command {
	var t targetFlags
	cmd := &cobra.Command{
		Use:   "ancestor REV1 REV2",
		Short: "Show the lowest common ancestor of two revisions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tg, err := opts.openTarget(&t)
			if err != nil {
				return err
			}
			defer tg.Close()
			v, err := tg.view(cmd.Context())
			if err != nil {
				return err
			}
			a, err := resolveNode(v, args[0])
			if err != nil {
				return err
			}
			b, err := resolveNode(v, args[1])
			if err != nil {
				return err
			}
			lca, err := v.Graph.LowestCommonAncestor(a, b)
			if err != nil {
				return err
			}
			if lca.IsNull() {
				fmt.Fprintf(cmd.OutOrStdout(), "-1:%s\n", colors.Muted(lca.String()))
				return nil
			}
			return printRevs(cmd.OutOrStdout(), v, []node.ID{lca})
		},
	}
	t.register(cmd)
	return cmd
}
