package fusefs

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/Big-Dig-Data/fuse-zstd/internal/convertmode"
	"github.com/Big-Dig-Data/fuse-zstd/internal/handle"
	"github.com/Big-Dig-Data/fuse-zstd/internal/inodemap"
	"github.com/Big-Dig-Data/fuse-zstd/internal/logger"
	"github.com/Big-Dig-Data/fuse-zstd/internal/pathcodec"
	"github.com/Big-Dig-Data/fuse-zstd/internal/sizexattr"
	"github.com/Big-Dig-Data/fuse-zstd/internal/zstdcodec"
)

// Operations implements the FUSE operation surface against an InodeMap and
// HandleTable, the way teacher's fs/fs.go's fileSystem type implements the
// same surface against inode.DirInode/inode.FileInode. Method names match
// the FUSE op they answer rather than spec.md's lowerCamel operation names,
// following the teacher's own convention.
type Operations struct {
	inodes  *inodemap.Map
	handles *handle.Table
	convert bool

	// mu guards dirHandles and nextDir only; InodeMap (invariant-checked)
	// and HandleTable keep their own locking.
	mu         sync.Mutex
	dirHandles map[fuseops.HandleID]*dirHandle
	nextDir    fuseops.HandleID
}

// New constructs Operations. convert enables ConvertMode's lookup/readdir
// absorption behavior (spec §4.7).
func New(inodes *inodemap.Map, handles *handle.Table, convert bool) *Operations {
	return &Operations{
		inodes:     inodes,
		handles:    handles,
		convert:    convert,
		dirHandles: make(map[fuseops.HandleID]*dirHandle),
		nextDir:    1,
	}
}

////////////////////////////////////////////////////////////////////////
// Attributes
////////////////////////////////////////////////////////////////////////

// attributesFor stats the backing entry for relPath and builds
// fuseops.InodeAttributes per spec §4.6's getattr rule: file size comes
// from SizeXattr (or the live scratch file if a session is open),
// directory size is whatever the backing filesystem reports, nlink is 1 for
// files and 2 for directories.
func (o *Operations) attributesFor(inode fuseops.InodeID, absPath string, kind inodemap.Kind) (fuseops.InodeAttributes, error) {
	fi, err := os.Lstat(absPath)
	if err != nil {
		return fuseops.InodeAttributes{}, newErr("getattr", KindNotFound, err)
	}

	attrs := fuseops.InodeAttributes{
		Mode:  fi.Mode(),
		Mtime: fi.ModTime(),
		Atime: fi.ModTime(),
		Ctime: fi.ModTime(),
	}

	if stat, ok := fi.Sys().(*unix.Stat_t); ok {
		attrs.Uid = stat.Uid
		attrs.Gid = stat.Gid
		attrs.Atime = time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
		attrs.Ctime = time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec)
	}

	switch kind {
	case inodemap.KindDir:
		attrs.Nlink = 2
		attrs.Size = uint64(fi.Size())
	default:
		attrs.Nlink = 1
		if size, _, ok := o.handles.Stat(uint64(inode)); ok {
			attrs.Size = uint64(size)
		} else {
			size, err := sizexattr.Read(absPath)
			if err != nil {
				return fuseops.InodeAttributes{}, newErr("getattr", KindIO, err)
			}
			attrs.Size = size
		}
	}

	return attrs, nil
}

func toEntry(inode uint64, attrs fuseops.InodeAttributes) fuseops.ChildInodeEntry {
	return fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(inode),
		Generation:           1,
		Attributes:           attrs,
		AttributesExpiration: time.Now().Add(time.Minute),
		EntryExpiration:      time.Now().Add(time.Minute),
	}
}

////////////////////////////////////////////////////////////////////////
// Inode lookups
////////////////////////////////////////////////////////////////////////

// LookUpInode resolves parent/name, absorbing a plain sibling file first if
// convert mode is enabled and no compressed candidate exists yet.
func (o *Operations) LookUpInode(op *fuseops.LookUpInodeOp) error {
	ino, kind, rel, err := o.inodes.LookupOrAllocate(uint64(op.Parent), op.Name)
	if err == inodemap.ErrNotFound && o.convert {
		parentRel, perr := o.inodes.Resolve(uint64(op.Parent))
		if perr == nil {
			if ok, cerr := convertmode.Absorb(o.inodes.AbsPath(parentRel), op.Name); cerr == nil && ok {
				ino, kind, rel, err = o.inodes.LookupOrAllocate(uint64(op.Parent), op.Name)
			}
		}
	}
	if err == inodemap.ErrNotFound {
		return newErr("lookup", KindNotFound, err)
	}
	if err != nil {
		return newErr("lookup", KindIO, err)
	}

	attrs, err := o.attributesFor(fuseops.InodeID(ino), o.inodes.AbsPath(rel), kind)
	if err != nil {
		return err
	}
	op.Entry = toEntry(ino, attrs)
	return nil
}

// GetInodeAttributes answers getattr(2) for a previously looked-up inode.
func (o *Operations) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	rel, err := o.inodes.Resolve(uint64(op.Inode))
	if err != nil {
		return newErr("getattr", KindNotFound, err)
	}
	kind, err := o.inodes.Kind(uint64(op.Inode))
	if err != nil {
		return newErr("getattr", KindNotFound, err)
	}
	attrs, err := o.attributesFor(op.Inode, o.inodes.AbsPath(rel), kind)
	if err != nil {
		return err
	}
	op.Attributes = attrs
	op.AttributesExpiration = time.Now().Add(time.Minute)
	return nil
}

// SetInodeAttributes applies mode/atime/mtime directly to the backing
// entry, and handles size (truncate) per spec §4.6: an already-open session
// is just truncated (committed on next flush), otherwise a transient
// session is opened, truncated, marked dirty, and committed immediately.
// Owner (uid/gid) changes are not applied.
func (o *Operations) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	rel, err := o.inodes.Resolve(uint64(op.Inode))
	if err != nil {
		return newErr("setattr", KindNotFound, err)
	}
	abs := o.inodes.AbsPath(rel)
	kind, _ := o.inodes.Kind(uint64(op.Inode))

	if op.Mode != nil {
		if err := os.Chmod(abs, *op.Mode); err != nil {
			return newErr("setattr", KindIO, err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		atime, mtime := time.Now(), time.Now()
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := os.Chtimes(abs, atime, mtime); err != nil {
			return newErr("setattr", KindIO, err)
		}
	}
	if op.Size != nil && kind == inodemap.KindFile {
		if err := o.truncate(uint64(op.Inode), abs, int64(*op.Size)); err != nil {
			return err
		}
	}

	attrs, err := o.attributesFor(op.Inode, abs, kind)
	if err != nil {
		return err
	}
	op.Attributes = attrs
	op.AttributesExpiration = time.Now().Add(time.Minute)
	return nil
}

// truncate implements the open/no-open branch of setattr's size handling.
func (o *Operations) truncate(inode uint64, absPath string, size int64) error {
	hadSession, err := o.handles.Truncate(inode, size)
	if err != nil {
		return newErr("setattr", KindIO, err)
	}
	if hadSession {
		return nil
	}

	h, err := o.handles.Open(inode, absPath, os.O_RDWR)
	if err != nil {
		return newErr("setattr", KindIO, err)
	}
	if _, err := o.handles.Truncate(inode, size); err != nil {
		o.handles.Release(h.ID())
		return newErr("setattr", KindIO, err)
	}
	if err := o.handles.Flush(h.ID()); err != nil {
		o.handles.Release(h.ID())
		return newErr("setattr", KindIO, err)
	}
	return newErrOrNil(o.handles.Release(h.ID()))
}

func newErrOrNil(err error) error {
	if err == nil {
		return nil
	}
	return newErr("setattr", KindIO, err)
}

// ForgetInode only records a trace log through InodeMap.Forget; no lookup
// count is kept, and InodeMap never removes an entry here, per spec §4.3.
func (o *Operations) ForgetInode(op *fuseops.ForgetInodeOp) error {
	o.inodes.Forget(uint64(op.ID), 0)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

// MkDir creates a backing directory (no suffix) and allocates its inode.
func (o *Operations) MkDir(op *fuseops.MkDirOp) error {
	parentRel, err := o.inodes.Resolve(uint64(op.Parent))
	if err != nil {
		return newErr("mkdir", KindNotFound, err)
	}
	rel := filepath.Join(parentRel, op.Name)
	abs := o.inodes.AbsPath(rel)

	if _, err := os.Lstat(abs); err == nil {
		return newErr("mkdir", KindExists, os.ErrExist)
	}
	if err := os.Mkdir(abs, op.Mode); err != nil {
		if os.IsExist(err) {
			return newErr("mkdir", KindExists, err)
		}
		return newErr("mkdir", KindIO, err)
	}

	ino, err := o.inodes.Allocate(rel)
	if err != nil {
		return newErr("mkdir", KindIO, err)
	}
	attrs, err := o.attributesFor(fuseops.InodeID(ino), abs, inodemap.KindDir)
	if err != nil {
		return err
	}
	op.Entry = toEntry(ino, attrs)
	return nil
}

// RmDir removes an (empty) backing directory and its InodeMap entry.
func (o *Operations) RmDir(op *fuseops.RmDirOp) error {
	parentRel, err := o.inodes.Resolve(uint64(op.Parent))
	if err != nil {
		return newErr("rmdir", KindNotFound, err)
	}
	rel := filepath.Join(parentRel, op.Name)
	abs := o.inodes.AbsPath(rel)

	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return newErr("rmdir", KindNotFound, err)
		}
		return newErr("rmdir", KindIO, err)
	}
	if err := o.inodes.Remove(rel); err != nil && err != inodemap.ErrNotFound {
		return newErr("rmdir", KindIO, err)
	}
	return nil
}

// listDir builds the fuseops.Dirent slice for one directory, emitting
// entries in convert mode for plain files too (spec §4.7).
func (o *Operations) listDir(parent uint64, parentRel, parentAbs string) ([]fuseops.Dirent, error) {
	infos, err := os.ReadDir(parentAbs)
	if err != nil {
		return nil, newErr("readdir", KindIO, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	var out []fuseops.Dirent
	offset := fuseops.DirOffset(1)
	for _, ent := range infos {
		isDir := ent.IsDir()
		if !isDir && !ent.Type().IsRegular() {
			continue
		}

		var visible string
		switch {
		case isDir:
			visible = ent.Name()
		case pathcodec.IsCompressed(ent.Name()):
			visible = pathcodec.ToVisible(ent.Name())
		case o.convert && convertmode.IsPlainCandidate(ent.Name(), false):
			visible = ent.Name()
		default:
			continue
		}

		childIno, _, _, err := o.inodes.LookupOrAllocate(parent, visible)
		if err != nil {
			logger.Warnf("readdir: failed to allocate inode for %s/%s: %v", parentRel, visible, err)
			continue
		}

		dtype := fuseutil.DT_File
		if isDir {
			dtype = fuseutil.DT_Directory
		}

		out = append(out, fuseops.Dirent{
			Offset: offset,
			Inode:  fuseops.InodeID(childIno),
			Name:   visible,
			Type:   dtype,
		})
		offset++
	}

	return out, nil
}

// OpenDir snapshots the directory listing behind a fresh dirHandle.
func (o *Operations) OpenDir(op *fuseops.OpenDirOp) error {
	rel, err := o.inodes.Resolve(uint64(op.Inode))
	if err != nil {
		return newErr("opendir", KindNotFound, err)
	}
	abs := o.inodes.AbsPath(rel)
	inode := uint64(op.Inode)

	dh := newDirHandle(func() ([]fuseops.Dirent, error) {
		return o.listDir(inode, rel, abs)
	})

	o.mu.Lock()
	id := o.nextDir
	o.nextDir++
	o.dirHandles[id] = dh
	o.mu.Unlock()

	op.Handle = id
	return nil
}

// ReadDir serves out of the handle's buffered listing.
func (o *Operations) ReadDir(op *fuseops.ReadDirOp) error {
	o.mu.Lock()
	dh, ok := o.dirHandles[op.Handle]
	o.mu.Unlock()
	if !ok {
		return newErr("readdir", KindNotFound, nil)
	}

	buf := make([]byte, op.Size)
	data, err := dh.ReadInto(op.Offset, buf)
	if err != nil {
		return newErr("readdir", KindIO, err)
	}
	op.Data = data
	return nil
}

// ReleaseDirHandle drops the buffered listing.
func (o *Operations) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	o.mu.Lock()
	delete(o.dirHandles, op.Handle)
	o.mu.Unlock()
	return nil
}

////////////////////////////////////////////////////////////////////////
// Files
////////////////////////////////////////////////////////////////////////

// CreateFile seeds a zero-length compressed backing file and opens a
// session on it, per spec §4.6.
func (o *Operations) CreateFile(op *fuseops.CreateFileOp) error {
	parentRel, err := o.inodes.Resolve(uint64(op.Parent))
	if err != nil {
		return newErr("create", KindNotFound, err)
	}
	rel := filepath.Join(parentRel, pathcodec.ToBacking(op.Name))
	abs := o.inodes.AbsPath(rel)

	if _, err := os.Lstat(abs); err == nil {
		return newErr("create", KindExists, os.ErrExist)
	}

	frame, err := zstdcodec.EmptyFrame()
	if err != nil {
		return newErr("create", KindIO, err)
	}
	if err := os.WriteFile(abs, frame, op.Mode); err != nil {
		return newErr("create", KindIO, err)
	}
	if err := sizexattr.Write(abs, 0); err != nil {
		os.Remove(abs)
		return newErr("create", KindIO, err)
	}

	ino, err := o.inodes.Allocate(rel)
	if err != nil {
		return newErr("create", KindIO, err)
	}

	h, err := o.handles.Open(ino, abs, os.O_RDWR)
	if err != nil {
		return newErr("create", KindIO, err)
	}
	op.Handle = fuseops.HandleID(h.ID())

	attrs, err := o.attributesFor(fuseops.InodeID(ino), abs, inodemap.KindFile)
	if err != nil {
		return err
	}
	op.Entry = toEntry(ino, attrs)
	return nil
}

// OpenFile delegates to HandleTable.
func (o *Operations) OpenFile(op *fuseops.OpenFileOp) error {
	rel, err := o.inodes.Resolve(uint64(op.Inode))
	if err != nil {
		return newErr("open", KindNotFound, err)
	}
	h, err := o.handles.Open(uint64(op.Inode), o.inodes.AbsPath(rel), int(op.Flags))
	if err != nil {
		return newErr("open", KindIO, err)
	}
	op.Handle = fuseops.HandleID(h.ID())
	return nil
}

// ReadFile delegates to HandleTable.
func (o *Operations) ReadFile(op *fuseops.ReadFileOp) error {
	buf := make([]byte, op.Size)
	n, err := o.handles.ReadAt(uint64(op.Handle), buf, op.Offset)
	if err != nil {
		return newErr("read", KindIO, err)
	}
	op.BytesRead = n
	op.Data = buf[:n]
	return nil
}

// WriteFile delegates to HandleTable.
func (o *Operations) WriteFile(op *fuseops.WriteFileOp) error {
	n, err := o.handles.WriteAt(uint64(op.Handle), op.Data, op.Offset)
	if err != nil {
		return newErr("write", KindIO, err)
	}
	_ = n
	return nil
}

// FlushFile delegates to HandleTable.
func (o *Operations) FlushFile(op *fuseops.FlushFileOp) error {
	if err := o.handles.Flush(uint64(op.Handle)); err != nil {
		return newErr("flush", KindIO, err)
	}
	return nil
}

// SyncFile delegates to HandleTable's durable commit path.
func (o *Operations) SyncFile(op *fuseops.SyncFileOp) error {
	if err := o.handles.Fsync(uint64(op.Handle), true); err != nil {
		return newErr("fsync", KindIO, err)
	}
	return nil
}

// ReleaseFileHandle delegates to HandleTable.
func (o *Operations) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	if err := o.handles.Release(uint64(op.Handle)); err != nil {
		return newErr("release", KindIO, err)
	}
	return nil
}

// Unlink removes the backing `.zst` file and InodeMap entry. If the file is
// currently open, HandleTable's commit path (spec §4.6) handles the
// orphaned-data resolution on last release; this method never has to know
// whether a session is live.
func (o *Operations) Unlink(op *fuseops.UnlinkOp) error {
	parentRel, err := o.inodes.Resolve(uint64(op.Parent))
	if err != nil {
		return newErr("unlink", KindNotFound, err)
	}
	rel := filepath.Join(parentRel, pathcodec.ToBacking(op.Name))
	abs := o.inodes.AbsPath(rel)

	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return newErr("unlink", KindNotFound, err)
		}
		return newErr("unlink", KindIO, err)
	}
	if err := o.inodes.Remove(rel); err != nil && err != inodemap.ErrNotFound {
		return newErr("unlink", KindIO, err)
	}
	return nil
}

// Rename updates the backing entry's path and InodeMap, moving every
// indexed descendant if it is a directory (spec §4.3/§4.6).
func (o *Operations) Rename(op *fuseops.RenameOp) error {
	oldParentRel, err := o.inodes.Resolve(uint64(op.OldParent))
	if err != nil {
		return newErr("rename", KindNotFound, err)
	}
	newParentRel, err := o.inodes.Resolve(uint64(op.NewParent))
	if err != nil {
		return newErr("rename", KindNotFound, err)
	}

	oldBackingFile := filepath.Join(oldParentRel, pathcodec.ToBacking(op.OldName))
	oldBackingDir := filepath.Join(oldParentRel, op.OldName)
	newBackingFile := filepath.Join(newParentRel, pathcodec.ToBacking(op.NewName))
	newBackingDir := filepath.Join(newParentRel, op.NewName)

	var oldAbs, newAbs string
	if _, err := os.Lstat(o.inodes.AbsPath(oldBackingFile)); err == nil {
		oldAbs, newAbs = o.inodes.AbsPath(oldBackingFile), o.inodes.AbsPath(newBackingFile)
	} else if _, err := os.Lstat(o.inodes.AbsPath(oldBackingDir)); err == nil {
		oldAbs, newAbs = o.inodes.AbsPath(oldBackingDir), o.inodes.AbsPath(newBackingDir)
	} else {
		return newErr("rename", KindNotFound, os.ErrNotExist)
	}

	if err := os.Rename(oldAbs, newAbs); err != nil {
		return newErr("rename", KindIO, err)
	}
	if err := o.inodes.Rename(uint64(op.OldParent), op.OldName, uint64(op.NewParent), op.NewName); err != nil {
		return newErr("rename", KindIO, err)
	}
	return nil
}

// StatFS proxies the backing filesystem's statfs, reflecting compressed
// storage with no attempt to project uncompressed totals — spec §4.6's
// first open question is answered "no", to avoid an O(n) scan over every
// SizeXattr in the tree.
func (o *Operations) StatFS(op *fuseops.StatFSOp) error {
	var st unix.Statfs_t
	if err := unix.Statfs(o.inodes.AbsPath(""), &st); err != nil {
		return newErr("statfs", KindIO, err)
	}
	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Bsize)
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	return nil
}

// Access resolves inode and delegates to the host's access(2) check on the
// backing entry. The FUSE kernel module enforces posix permissions itself
// via the default_permissions mount option using the Mode/Uid/Gid this
// Operations reports from getattr, so the library never actually dispatches
// an access(2) op to user space; this method exists for the operation spec
// §4.6 names and for direct unit testing of the same semantics.
func (o *Operations) Access(inode uint64, mask uint32) error {
	rel, err := o.inodes.Resolve(inode)
	if err != nil {
		return newErr("access", KindNotFound, err)
	}
	if err := unix.Access(o.inodes.AbsPath(rel), mask); err != nil {
		return newErr("access", KindAccess, err)
	}
	return nil
}
