// Package source retrieves the exported directory tree text of a remote root.
package source

import (
	"context"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/jacktea/strmsync/pkg/tree"
	"github.com/jacktea/strmsync/pkg/xerrors"
)

// Fetcher returns the tree export of remoteRoot.
type Fetcher interface {
	Fetch(ctx context.Context, remoteRoot string) (string, error)
}

// Func adapts a function to Fetcher.
type Func func(ctx context.Context, remoteRoot string) (string, error)

func (f Func) Fetch(ctx context.Context, remoteRoot string) (string, error) {
	return f(ctx, remoteRoot)
}

// Dir serves exports previously dropped into a directory, one file per
// remote root (see FileName). Files may be UTF-8 or UTF-16.
type Dir struct {
	fs  billy.Filesystem
	dir string
}

// NewDir returns a Dir reading from dir on fs.
func NewDir(fs billy.Filesystem, dir string) *Dir {
	return &Dir{fs: fs, dir: dir}
}

// FileName is the export file name for remoteRoot: the root without its
// outer slashes, inner slashes replaced by "_", plus ".txt". The store root
// itself maps to "root.txt".
func FileName(remoteRoot string) string {
	name := strings.ReplaceAll(strings.Trim(strings.ReplaceAll(remoteRoot, `\`, "/"), "/"), "/", "_")
	if name == "" {
		name = "root"
	}
	return name + ".txt"
}

// Path returns the full path Fetch reads for remoteRoot.
func (d *Dir) Path(remoteRoot string) string {
	return path.Join(d.dir, FileName(remoteRoot))
}

func (d *Dir) Fetch(ctx context.Context, remoteRoot string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := d.Path(remoteRoot)
	raw, err := util.ReadFile(d.fs, name)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindFetch, "read export", name, err)
	}
	content, err := tree.Decode(raw)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindFetch, "decode export", name, err)
	}
	return content, nil
}
