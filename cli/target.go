package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/javanhut/hgstore/internal/dag"
	"github.com/javanhut/hgstore/internal/node"
	"github.com/javanhut/hgstore/internal/nodemap"
	"github.com/javanhut/hgstore/internal/repo"
	"github.com/javanhut/hgstore/internal/revlog"
	"github.com/spf13/cobra"
)

// targetFlags pick the revlog a command works on. The default is the
// changelog.
type targetFlags struct {
	file     string
	manifest bool
	index    string
}

func (t *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&t.file, "file", "f", "", "use the revlog of a tracked file")
	cmd.Flags().BoolVarP(&t.manifest, "manifest", "m", false, "use the manifest")
	cmd.Flags().StringVar(&t.index, "index", "", "use a standalone revlog index file (.i) outside any repository")
	cmd.MarkFlagsMutuallyExclusive("file", "manifest", "index")
}

// target is an opened revlog and, when it belongs to one, its repository.
type target struct {
	repo *repo.Repo
	rl   *revlog.Revlog
}

func (t *target) Close() error {
	if t.repo == nil {
		return nil
	}
	return t.repo.Close()
}

// view returns derived indices current with the revlog's latest snapshot.
func (t *target) view(ctx context.Context) (*repo.View, error) {
	if t.repo != nil {
		return t.repo.View(ctx, t.rl)
	}
	if _, err := t.rl.Refresh(); err != nil {
		return nil, err
	}
	snap := t.rl.Snapshot()
	nodes, err := nodemap.Build(ctx, snap)
	if err != nil {
		return nil, err
	}
	g, err := dag.Build(ctx, snap, nodes)
	if err != nil {
		return nil, err
	}
	return &repo.View{Snapshot: snap, Nodes: nodes, Graph: g}, nil
}

func (o *rootOptions) openTarget(t *targetFlags) (*target, error) {
	if t.index != "" {
		if _, err := os.Stat(t.index); err != nil {
			return nil, err
		}
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(t.index, ".i")
		rl, err := revlog.OpenFiles(name, t.index, name+".d", revlog.Options{
			Compression:    cfg.Algo(),
			MaxChainLength: cfg.Revlog.MaxChainLength,
			Logger:         cfg.Logger(),
		})
		if err != nil {
			return nil, err
		}
		return &target{rl: rl}, nil
	}
	r, err := o.openRepo()
	if err != nil {
		return nil, err
	}
	rl := r.Changelog()
	switch {
	case t.manifest:
		rl = r.Manifest()
	case t.file != "":
		if rl, err = r.File(t.file); err != nil {
			r.Close()
			return nil, err
		}
	}
	return &target{repo: r, rl: rl}, nil
}

// resolveRev turns a revision argument into an index of v's revlog. It
// accepts "tip", "null", a revision number (negative numbers count back
// from the tip) or a unique prefix of a node id.
func resolveRev(v *repo.View, arg string) (revlog.Rev, error) {
	switch arg {
	case "tip", ".":
		if v.Snapshot.Len() == 0 {
			return revlog.NullRev, nil
		}
		return v.Snapshot.Tip(), nil
	case "null":
		return revlog.NullRev, nil
	}
	if n, err := strconv.Atoi(arg); err == nil && len(arg) < 2*node.Size {
		if n < 0 {
			n += v.Snapshot.Len()
			if n < 0 {
				return revlog.NullRev, fmt.Errorf("revision %s out of range", arg)
			}
		}
		// Numbers past the tip may still be node prefixes.
		if n < v.Snapshot.Len() {
			return revlog.Rev(n), nil
		}
	}
	if len(arg) == 2*node.Size {
		id, err := node.Parse(arg)
		if err != nil {
			return revlog.NullRev, err
		}
		return v.Nodes.Rev(id)
	}
	prefix := strings.ToLower(arg)
	if prefix == "" || strings.Trim(prefix, "0123456789abcdef") != "" {
		return revlog.NullRev, fmt.Errorf("unknown revision %q", arg)
	}
	found := revlog.NullRev
	for i, id := range v.Nodes.Nodes() {
		if strings.HasPrefix(id.String(), prefix) {
			if found != revlog.NullRev {
				return revlog.NullRev, fmt.Errorf("ambiguous revision prefix %q", arg)
			}
			found = revlog.Rev(i)
		}
	}
	if found == revlog.NullRev {
		return revlog.NullRev, fmt.Errorf("unknown revision %q", arg)
	}
	return found, nil
}

// resolveNode is resolveRev returning the identifier.
func resolveNode(v *repo.View, arg string) (node.ID, error) {
	rev, err := resolveRev(v, arg)
	if err != nil {
		return node.Null, err
	}
	if rev == revlog.NullRev {
		return node.Null, nil
	}
	return v.Nodes.Node(rev)
}
