package quotafs

import (
	"context"
	"errors"
	iofs "io/fs"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

func errToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	// Ledger errors first, they may wrap errnos from the ledger file.
	if errors.Is(err, ErrQuotaExceeded) {
		return unix.EDQUOT
	} else if errors.Is(err, ErrLedgerIO) {
		return unix.EIO
	} else if errors.Is(err, ErrOverflow) {
		return unix.EFBIG
	} else if errors.Is(err, ErrInternal) {
		return unix.EIO
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	if errors.Is(err, iofs.ErrNotExist) {
		return unix.ENOENT
	} else if errors.Is(err, iofs.ErrPermission) {
		return unix.EPERM
	} else if errors.Is(err, iofs.ErrExist) {
		return unix.EEXIST
	} else if errors.Is(err, iofs.ErrInvalid) {
		return unix.EINVAL
	}

	return unix.EIO
}

// CheckLedgerOutsideMirror fails if ledgerPath would be reachable through
// a mount of mirrorRoot.
func CheckLedgerOutsideMirror(mirrorRoot, ledgerPath string) error {
	root, err := filepath.Abs(mirrorRoot)
	if err != nil {
		return err
	}
	ledger, err := filepath.Abs(ledgerPath)
	if err != nil {
		return err
	}
	root = resolveSymlinks(root)
	ledger = filepath.Join(resolveSymlinks(filepath.Dir(ledger)), filepath.Base(ledger))
	rel, err := filepath.Rel(root, ledger)
	if err != nil {
		return nil
	}
	if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return ErrLedgerInsideMirror
	}
	return nil
}

// resolveSymlinks resolves p, or the longest existing prefix of p, so a
// path through a symlink compares equal to its target.
func resolveSymlinks(p string) string {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p
	}
	return filepath.Join(resolveSymlinks(parent), filepath.Base(p))
}

// quotaNode is a loopback node whose open files charge writes to the
// enforcer. Every other operation is forwarded unchanged to the mirror.
type quotaNode struct {
	fs.LoopbackNode
	enforcer *Enforcer
}

var _ = (fs.NodeOpener)((*quotaNode)(nil))
var _ = (fs.NodeCreater)((*quotaNode)(nil))

func (n *quotaNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	fh, fuseFlags, errno := n.LoopbackNode.Open(ctx, flags)
	if errno != 0 {
		return nil, 0, errno
	}
	return newMirrorFile(fh, n.enforcer), fuseFlags, 0
}

func (n *quotaNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	inode, fh, fuseFlags, errno := n.LoopbackNode.Create(ctx, name, flags, mode, out)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	return inode, newMirrorFile(fh, n.enforcer), fuseFlags, 0
}

// NewQuotaRoot returns the root node of a filesystem mirroring mirrorRoot,
// with writes charged to enforcer.
func NewQuotaRoot(mirrorRoot string, enforcer *Enforcer) (fs.InodeEmbedder, error) {
	var st syscall.Stat_t
	err := syscall.Stat(mirrorRoot, &st)
	if err != nil {
		return nil, err
	}

	root := &fs.LoopbackRoot{
		Path: mirrorRoot,
		Dev:  uint64(st.Dev),
		NewNode: func(rootData *fs.LoopbackRoot, parent *fs.Inode, name string, st *syscall.Stat_t) fs.InodeEmbedder {
			return &quotaNode{
				LoopbackNode: fs.LoopbackNode{RootData: rootData},
				enforcer:     enforcer,
			}
		},
	}
	return root.NewNode(root, nil, "", &st), nil
}

// mirrorFile wraps a loopback file handle, gating writes on the quota
// enforcer and forwarding everything else. It must not offer a passthrough
// fd, kernel passthrough would bypass Write.
type mirrorFile struct {
	fh       fs.FileHandle
	enforcer *Enforcer
}

var _ = (fs.FileReader)((*mirrorFile)(nil))
var _ = (fs.FileWriter)((*mirrorFile)(nil))
var _ = (fs.FileFlusher)((*mirrorFile)(nil))
var _ = (fs.FileFsyncer)((*mirrorFile)(nil))
var _ = (fs.FileReleaser)((*mirrorFile)(nil))
var _ = (fs.FileGetattrer)((*mirrorFile)(nil))
var _ = (fs.FileSetattrer)((*mirrorFile)(nil))
var _ = (fs.FileLseeker)((*mirrorFile)(nil))
var _ = (fs.FileAllocater)((*mirrorFile)(nil))
var _ = (fs.FileGetlker)((*mirrorFile)(nil))
var _ = (fs.FileSetlker)((*mirrorFile)(nil))
var _ = (fs.FileSetlkwer)((*mirrorFile)(nil))

func newMirrorFile(fh fs.FileHandle, enforcer *Enforcer) *mirrorFile {
	return &mirrorFile{fh: fh, enforcer: enforcer}
}

func (f *mirrorFile) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	w, ok := f.fh.(fs.FileWriter)
	if !ok {
		return 0, syscall.ENOTSUP
	}

	caller, ok := fuse.FromContext(ctx)
	if !ok {
		klog.ErrorS(nil, "write without caller credentials, refusing")
		return 0, syscall.EACCES
	}

	n, err := f.enforcer.Write(caller.Uid, uint64(len(data)), func() (int, error) {
		n, errno := w.Write(ctx, data, off)
		if errno != 0 {
			// Loopback handles report a failed pwrite as uint32(-1).
			return 0, errno
		}
		return int(n), nil
	})
	if err != nil {
		if errors.Is(err, ErrLedgerIO) || errors.Is(err, ErrInternal) {
			klog.ErrorS(err, "write refused", "uid", caller.Uid, "bytes", len(data))
		} else {
			klog.V(4).InfoS("write refused", "uid", caller.Uid, "bytes", len(data), "err", err)
		}
		return uint32(n), errToErrno(err)
	}
	return uint32(n), 0
}

func (f *mirrorFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if r, ok := f.fh.(fs.FileReader); ok {
		return r.Read(ctx, dest, off)
	}
	return nil, syscall.ENOTSUP
}

func (f *mirrorFile) Flush(ctx context.Context) syscall.Errno {
	if fl, ok := f.fh.(fs.FileFlusher); ok {
		return fl.Flush(ctx)
	}
	return 0
}

func (f *mirrorFile) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if s, ok := f.fh.(fs.FileFsyncer); ok {
		return s.Fsync(ctx, flags)
	}
	return syscall.ENOTSUP
}

func (f *mirrorFile) Release(ctx context.Context) syscall.Errno {
	if r, ok := f.fh.(fs.FileReleaser); ok {
		return r.Release(ctx)
	}
	return 0
}

func (f *mirrorFile) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	if g, ok := f.fh.(fs.FileGetattrer); ok {
		return g.Getattr(ctx, out)
	}
	return syscall.ENOTSUP
}

// Truncation is forwarded without touching the ledger.
func (f *mirrorFile) Setattr(ctx context.Context, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if s, ok := f.fh.(fs.FileSetattrer); ok {
		return s.Setattr(ctx, in, out)
	}
	return syscall.ENOTSUP
}

func (f *mirrorFile) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	if l, ok := f.fh.(fs.FileLseeker); ok {
		return l.Lseek(ctx, off, whence)
	}
	return 0, syscall.ENOTSUP
}

func (f *mirrorFile) Allocate(ctx context.Context, off uint64, size uint64, mode uint32) syscall.Errno {
	if a, ok := f.fh.(fs.FileAllocater); ok {
		return a.Allocate(ctx, off, size, mode)
	}
	return syscall.ENOTSUP
}

func (f *mirrorFile) Getlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32, out *fuse.FileLock) syscall.Errno {
	if l, ok := f.fh.(fs.FileGetlker); ok {
		return l.Getlk(ctx, owner, lk, flags, out)
	}
	return syscall.ENOTSUP
}

func (f *mirrorFile) Setlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	if l, ok := f.fh.(fs.FileSetlker); ok {
		return l.Setlk(ctx, owner, lk, flags)
	}
	return syscall.ENOTSUP
}

func (f *mirrorFile) Setlkw(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	if l, ok := f.fh.(fs.FileSetlkwer); ok {
		return l.Setlkw(ctx, owner, lk, flags)
	}
	return syscall.ENOTSUP
}
