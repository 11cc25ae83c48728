// Package nfs exports the strm mirror read-only over NFSv3, so media servers
// on other hosts can mount it.
package nfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	nfsproto "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
	"go.uber.org/zap"

	"github.com/jacktea/strmsync/pkg/logging"
)

// DefaultAddr is the standard NFS port on all interfaces.
const DefaultAddr = ":2049"

// Options control the exported NFS service.
type Options struct {
	// Export is the directory below the filesystem root presented to clients
	// (default "/").
	Export string
	// HandleCache controls how many active file handles are cached (default 1024).
	HandleCache int
	Logger      *zap.Logger
}

// ServeDir exports the local directory root.
func ServeDir(ctx context.Context, root, addr string, opts Options) error {
	if strings.TrimSpace(root) == "" {
		return fmt.Errorf("nfs: export root is required")
	}
	return Serve(ctx, osfs.New(root), addr, opts)
}

// Serve exposes filesystem read-only over NFS at addr until ctx is done.
func Serve(ctx context.Context, filesystem billy.Filesystem, addr string, opts Options) error {
	if filesystem == nil {
		return fmt.Errorf("nfs: filesystem is required")
	}
	if addr == "" {
		addr = DefaultAddr
	}
	bfs, err := exportFS(filesystem, opts.Export)
	if err != nil {
		return fmt.Errorf("nfs: %w", err)
	}
	cacheSize := opts.HandleCache
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	handler := nfshelper.NewNullAuthHandler(bfs)
	handler = nfshelper.NewCachingHandler(handler, cacheSize)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("nfs: listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	logging.OrNop(opts.Logger).Info("nfs export listening",
		zap.String("addr", l.Addr().String()), zap.String("export", bfs.Root()))
	srv := &nfsproto.Server{
		Handler: handler,
		Context: ctx,
	}
	if err := srv.Serve(l); err != nil {
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

func exportFS(base billy.Filesystem, export string) (billy.Filesystem, error) {
	export = strings.Trim(strings.TrimSpace(export), "/")
	ro := newReadOnly(base)
	if export == "" {
		return ro, nil
	}
	info, err := base.Stat(export)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("export %q is not a directory", export)
	}
	return ro.Chroot(export)
}
