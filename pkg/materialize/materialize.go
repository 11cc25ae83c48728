// Package materialize writes pointer files and copied sidecar files into a
// mirror tree. Every write lands through a temporary file in the target
// directory followed by a rename, so readers never observe partial content.
package materialize

import (
	"errors"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"

	"github.com/jacktea/strmsync/pkg/logging"
	"github.com/jacktea/strmsync/pkg/tree"
	"github.com/jacktea/strmsync/pkg/xerrors"
)

// PointerExt is the extension of every pointer file.
const PointerExt = ".strm"

// TempPrefix starts the name of every in-flight temporary file.
const TempPrefix = ".strmsync-"

var tempSeq atomic.Uint64

// Options configure a Materializer.
type Options struct {
	// FS is the filesystem the mirror roots live on.
	FS billy.Filesystem
	// Overwrite replaces existing targets instead of skipping them.
	Overwrite bool
	Logger    *zap.Logger
}

// Materializer writes into a mirror filesystem.
type Materializer struct {
	fs        billy.Filesystem
	overwrite bool
	log       *zap.Logger
}

// New returns a Materializer for opts.
func New(opts Options) *Materializer {
	return &Materializer{
		fs:        opts.FS,
		overwrite: opts.Overwrite,
		log:       logging.OrNop(opts.Logger),
	}
}

// PointerPath returns target with its extension replaced by ".strm".
func PointerPath(target string) string {
	target = strings.ReplaceAll(target, `\`, "/")
	dir, name := path.Split(target)
	name = strings.TrimSuffix(name, tree.Suffix(name))
	return dir + name + PointerExt
}

// Pointer writes content to the canonical pointer path of target. When the
// pointer already exists and overwriting is off, nothing is written and the
// call still succeeds.
func (m *Materializer) Pointer(target, content string) (canonical string, written bool, err error) {
	canonical = PointerPath(target)
	skip, err := m.skipExisting(canonical)
	if err != nil {
		return canonical, false, err
	}
	if skip {
		m.log.Debug("pointer exists, skipping", zap.String("target", canonical))
		return canonical, false, nil
	}
	err = m.writeAtomic(canonical, func(w io.Writer) error {
		_, err := io.WriteString(w, content)
		return err
	})
	if err != nil {
		return canonical, false, err
	}
	m.log.Info("pointer written", zap.String("target", canonical))
	return canonical, true, nil
}

// Copy copies srcPath from src to dstPath on the mirror filesystem under the
// same overwrite policy as Pointer.
func (m *Materializer) Copy(src billy.Filesystem, srcPath, dstPath string) (written bool, err error) {
	skip, err := m.skipExisting(dstPath)
	if err != nil || skip {
		return false, err
	}
	in, err := src.Open(srcPath)
	if err != nil {
		return false, xerrors.Wrap(xerrors.KindWrite, "copy", srcPath, err)
	}
	defer in.Close()

	if err := m.writeAtomic(dstPath, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	}); err != nil {
		return false, err
	}
	m.log.Info("file copied", zap.String("path", srcPath), zap.String("target", dstPath))
	return true, nil
}

func (m *Materializer) skipExisting(target string) (bool, error) {
	if m.overwrite {
		return false, nil
	}
	_, err := m.fs.Stat(target)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, xerrors.Wrap(xerrors.KindWrite, "stat", target, err)
	}
}

func (m *Materializer) writeAtomic(dst string, fill func(io.Writer) error) error {
	dir := path.Dir(dst)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.KindWrite, "mkdir", dir, err)
	}
	name, tmp, err := m.createTemp(dir)
	if err != nil {
		return xerrors.Wrap(xerrors.KindWrite, "create temp", dst, err)
	}
	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		_ = m.fs.Remove(name)
		return xerrors.Wrap(xerrors.KindWrite, "write", dst, err)
	}
	if err := tmp.Close(); err != nil {
		_ = m.fs.Remove(name)
		return xerrors.Wrap(xerrors.KindWrite, "close", dst, err)
	}
	if err := m.fs.Rename(name, dst); err != nil {
		_ = m.fs.Remove(name)
		return xerrors.Wrap(xerrors.KindWrite, "rename", dst, err)
	}
	return nil
}

// createTemp opens a new 0644 file in dir.
func (m *Materializer) createTemp(dir string) (string, billy.File, error) {
	for {
		name := path.Join(dir, TempPrefix+strconv.FormatUint(tempSeq.Add(1), 36)+"-"+strconv.Itoa(os.Getpid()))
		f, err := m.fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return name, f, err
	}
}
