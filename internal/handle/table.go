// Package handle implements the HandleTable and InodeSession described in
// spec §4.5: materializing a backing compressed file into a scratch copy on
// first open, fanning out read/write directly against that scratch
// descriptor, and recompressing on flush/fsync/release under the commit
// ordering that keeps the backing file atomically replaced.
package handle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Big-Dig-Data/fuse-zstd/internal/logger"
	"github.com/Big-Dig-Data/fuse-zstd/internal/sizexattr"
	"github.com/Big-Dig-Data/fuse-zstd/internal/zstdcodec"
)

// ErrNoSuchHandle is returned by any operation given an unknown handle ID.
var ErrNoSuchHandle = errors.New("handle: no such open handle")

// PathIndex is the slice of InodeMap the handle table needs: resolving an
// inode to its current absolute backing path, and the reverse, so commit
// can tell whether a name unlinked out from under an open file has since
// been recreated by someone else (spec §4.6, open question iii).
type PathIndex interface {
	// ResolveAbs returns the current absolute backing path for inode.
	ResolveAbs(inode uint64) (string, error)
	// InodeForAbs returns the inode currently occupying absPath, if any.
	InodeForAbs(absPath string) (uint64, bool)
}

// session is the shared state for every open handle on one inode — spec's
// InodeSession. REQUIRES: Table.mu held for any field access outside commit.
type session struct {
	inode       uint64
	backingPath string // absolute path captured at materialize time
	scratchPath string
	openCount   int
	dirty       bool

	// commitMu serializes the commit sequence for this session. Per spec
	// §4.5 this is degenerate under the single-threaded dispatch loop; it
	// is kept so a future multi-threaded dispatch would not need to
	// change HandleTable's contract.
	commitMu sync.Mutex
}

// Handle is one open file description: its own *os.File (so each open(2)
// gets independent flags/position) sharing a session's scratch file.
type Handle struct {
	id      uint64
	inode   uint64
	f       *os.File
	session *session
}

// ID returns the opaque handle identifier the caller hands back to FUSE.
func (h *Handle) ID() uint64 { return h.id }

// Table is the HandleTable: owns scratch files and InodeSessions, keyed by
// inode, and the handle IDs FUSE hands back to the kernel.
type Table struct {
	scratchDir string
	idx        PathIndex

	mu         sync.Mutex
	sessions   map[uint64]*session // GUARDED_BY(mu)
	handles    map[uint64]*Handle  // GUARDED_BY(mu)
	nextHandle uint64              // GUARDED_BY(mu)
}

// New constructs a Table rooted at scratchDir (which must already exist;
// the mount lifecycle owns creating and removing it — spec §4.6's "scoped
// acquisition at mount, guaranteed removal on clean unmount").
func New(scratchDir string, idx PathIndex) *Table {
	return &Table{
		scratchDir: scratchDir,
		idx:        idx,
		sessions:   make(map[uint64]*session),
		handles:    make(map[uint64]*Handle),
		nextHandle: 1,
	}
}

func (t *Table) scratchPathFor(inode uint64) string {
	return filepath.Join(t.scratchDir, fmt.Sprintf("%d.scratch", inode))
}

// Open materializes inode (decompressing from its current backing path on
// first open) and returns a fresh handle. Append-mode opens
// (flags&os.O_APPEND != 0) seek to the end of the scratch file, per spec
// §4.5.
func (t *Table) Open(inode uint64, backingAbsPath string, flags int) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[inode]
	if !ok {
		scratchPath := t.scratchPathFor(inode)
		if _, err := zstdcodec.Decompress(backingAbsPath, scratchPath); err != nil {
			return nil, fmt.Errorf("handle: materialize inode %d: %w", inode, err)
		}
		s = &session{inode: inode, backingPath: backingAbsPath, scratchPath: scratchPath}
		t.sessions[inode] = s
	}
	s.openCount++

	openFlags := flags &^ os.O_CREATE &^ os.O_EXCL
	f, err := os.OpenFile(s.scratchPath, openFlags, 0o600)
	if err != nil {
		s.openCount--
		if s.openCount == 0 {
			delete(t.sessions, inode)
			os.Remove(s.scratchPath)
		}
		return nil, fmt.Errorf("handle: open scratch for inode %d: %w", inode, err)
	}
	if flags&os.O_APPEND != 0 {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, err
		}
	}

	h := &Handle{id: t.nextHandle, inode: inode, f: f, session: s}
	t.handles[h.id] = h
	t.nextHandle++

	return h, nil
}

func (t *Table) lookup(handleID uint64) (*Handle, error) {
	h, ok := t.handles[handleID]
	if !ok {
		return nil, ErrNoSuchHandle
	}
	return h, nil
}

// ReadAt reads directly from the shared scratch descriptor at offset.
func (t *Table) ReadAt(handleID uint64, buf []byte, offset int64) (int, error) {
	t.mu.Lock()
	h, err := t.lookup(handleID)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, err := h.f.ReadAt(buf, offset)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// WriteAt writes directly to the shared scratch descriptor at offset and
// marks the session dirty.
func (t *Table) WriteAt(handleID uint64, buf []byte, offset int64) (int, error) {
	t.mu.Lock()
	h, err := t.lookup(handleID)
	if err == nil {
		h.session.dirty = true
	}
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return h.f.WriteAt(buf, offset)
}

// Flush runs the commit sequence (non-durable: no directory fsync) if the
// session is dirty. The session stays open.
func (t *Table) Flush(handleID uint64) error {
	t.mu.Lock()
	h, err := t.lookup(handleID)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.commit(h.session, false)
}

// Fsync runs the same commit sequence as Flush and additionally fsyncs the
// resulting backing file and its containing directory, per spec §4.5.
// datasync is accepted for interface parity with fuseops.SyncFileOp; Go's
// os.File.Sync has no separate fdatasync mode to honor it with.
func (t *Table) Fsync(handleID uint64, datasync bool) error {
	t.mu.Lock()
	h, err := t.lookup(handleID)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.commit(h.session, true)
}

// Release closes the handle's descriptor, decrements the session's open
// count, and — on reaching zero — commits if dirty and tears the session
// down (spec §4.5's release semantics).
func (t *Table) Release(handleID uint64) error {
	t.mu.Lock()
	h, ok := t.handles[handleID]
	if !ok {
		t.mu.Unlock()
		return ErrNoSuchHandle
	}
	delete(t.handles, handleID)
	s := h.session
	s.openCount--
	last := s.openCount == 0
	if last {
		delete(t.sessions, s.inode)
	}
	t.mu.Unlock()

	closeErr := h.f.Close()

	if last {
		if err := t.commit(s, false); err != nil {
			logger.Errorf("handle: commit on release of inode %d failed: %v", s.inode, err)
			return err
		}
		if err := os.Remove(s.scratchPath); err != nil && !os.IsNotExist(err) {
			logger.Warnf("handle: failed to remove scratch %s: %v", s.scratchPath, err)
		}
	}

	return closeErr
}

// Stat reports the live scratch-file size and dirty flag for inode if a
// session is currently open, used by getattr/setattr to answer with the
// in-flight size instead of the possibly-stale SizeXattr on disk — the
// HandleTable.Stat extension in SPEC_FULL.md's §4.1–4.7 implementation notes.
func (t *Table) Stat(inode uint64) (size int64, dirty bool, ok bool) {
	t.mu.Lock()
	s, exists := t.sessions[inode]
	t.mu.Unlock()
	if !exists {
		return 0, false, false
	}
	fi, err := os.Stat(s.scratchPath)
	if err != nil {
		return 0, false, false
	}
	return fi.Size(), s.dirty, true
}

// Truncate resizes the live session's scratch file if one is open for
// inode, marking it dirty so the next flush/release recompresses it.
// Reports whether a session was open.
func (t *Table) Truncate(inode uint64, size int64) (hadSession bool, err error) {
	t.mu.Lock()
	s, ok := t.sessions[inode]
	if ok {
		s.dirty = true
	}
	t.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := os.Truncate(s.scratchPath, size); err != nil {
		return true, err
	}
	return true, nil
}

// commit runs the atomicity contract from spec §4.5 against s, serialized
// per-session by s.commitMu:
//  1. compress scratch into a sibling temporary next to the backing file
//  2. write SizeXattr on the temporary
//  3. atomically rename the temporary over the backing path
//  4. if withDirSync, fsync the renamed file and its containing directory
//
// If step 1 or 2 fails the temporary is removed and the backing file is
// untouched; if step 3 fails the temporary is removed. The InodeMap entry
// is never touched here — our inode numbering is independent of whatever
// inode the backing filesystem assigns the replaced file.
func (t *Table) commit(s *session, withDirSync bool) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if !s.dirty {
		return nil
	}

	target, resolveErr := t.idx.ResolveAbs(s.inode)
	if resolveErr != nil {
		// The name this session was opened under has been unlinked. If
		// another entry has since taken its place, our data is orphaned;
		// discard it rather than clobber the new occupant. Otherwise
		// recreate fresh at the original path, per spec §4.6 (iii).
		if occupant, ok := t.idx.InodeForAbs(s.backingPath); ok && occupant != s.inode {
			logger.Warnf("handle: discarding orphaned data for inode %d: %s was recreated under inode %d",
				s.inode, s.backingPath, occupant)
			s.dirty = false
			return nil
		}
		target = s.backingPath
	}

	tmp := fmt.Sprintf("%s.tmp-%d", target, s.inode)

	scratchInfo, err := os.Stat(s.scratchPath)
	if err != nil {
		return fmt.Errorf("handle: commit inode %d: stat scratch: %w", s.inode, err)
	}

	if _, err := zstdcodec.Compress(s.scratchPath, tmp); err != nil {
		return fmt.Errorf("handle: commit inode %d: %w", s.inode, err)
	}

	if err := sizexattr.Write(tmp, uint64(scratchInfo.Size())); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("handle: commit inode %d: set size xattr: %w", s.inode, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("handle: commit inode %d: rename: %w", s.inode, err)
	}

	s.dirty = false

	if withDirSync {
		if f, err := os.Open(target); err == nil {
			f.Sync()
			f.Close()
		}
		if dir, err := os.Open(filepath.Dir(target)); err == nil {
			dir.Sync()
			dir.Close()
		}
	}

	return nil
}
