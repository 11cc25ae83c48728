package nfs

import (
	"os"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"

	"github.com/jacktea/strmsync/pkg/materialize"
)

// readOnly exposes a mirror tree without letting clients change it. In-flight
// temporary files of the materializer are hidden from listings.
type readOnly struct {
	billy.Filesystem
}

func newReadOnly(base billy.Filesystem) billy.Filesystem {
	if ro, ok := base.(*readOnly); ok {
		return ro
	}
	return &readOnly{Filesystem: base}
}

func (f *readOnly) Create(string) (billy.File, error) {
	return nil, billy.ErrReadOnly
}

func (f *readOnly) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, billy.ErrReadOnly
	}
	return f.Filesystem.OpenFile(filename, flag, perm)
}

func (f *readOnly) Rename(string, string) error { return billy.ErrReadOnly }

func (f *readOnly) Remove(string) error { return billy.ErrReadOnly }

func (f *readOnly) MkdirAll(string, os.FileMode) error { return billy.ErrReadOnly }

func (f *readOnly) Symlink(string, string) error { return billy.ErrReadOnly }

func (f *readOnly) TempFile(string, string) (billy.File, error) {
	return nil, billy.ErrReadOnly
}

func (f *readOnly) ReadDir(p string) ([]os.FileInfo, error) {
	infos, err := f.Filesystem.ReadDir(p)
	if err != nil {
		return nil, err
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasPrefix(info.Name(), materialize.TempPrefix) {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (f *readOnly) Chroot(p string) (billy.Filesystem, error) {
	sub, err := f.Filesystem.Chroot(p)
	if err != nil {
		return nil, err
	}
	return newReadOnly(sub), nil
}

func (f *readOnly) Chmod(string, os.FileMode) error { return billy.ErrReadOnly }

func (f *readOnly) Lchown(string, int, int) error { return billy.ErrReadOnly }

func (f *readOnly) Chown(string, int, int) error { return billy.ErrReadOnly }

func (f *readOnly) Chtimes(string, time.Time, time.Time) error { return billy.ErrReadOnly }

func (f *readOnly) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

var (
	_ billy.Filesystem = (*readOnly)(nil)
	_ billy.Change     = (*readOnly)(nil)
	_ billy.Capable    = (*readOnly)(nil)
)
