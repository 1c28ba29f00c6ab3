// Package inodemap implements the authoritative, persistent, bidirectional
// mapping between 64-bit inode numbers and backing-relative paths described
// in spec §3/§4.3. It is backed by a go.etcd.io/bbolt database so that
// restarts preserve inode identity, with an in-memory index kept for O(1)
// lookups during normal operation (the dispatch loop is single-threaded, so
// no locking beyond the teacher's invariant-checking mutex idiom is
// required between requests).
package inodemap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jacobsa/syncutil"
	bolt "go.etcd.io/bbolt"

	"github.com/Big-Dig-Data/fuse-zstd/internal/logger"
	"github.com/Big-Dig-Data/fuse-zstd/internal/pathcodec"
)

// ErrNotFound is returned when an inode or path has no live mapping.
var ErrNotFound = errors.New("inodemap: no such entry")

// ErrExists is returned by Rename when the destination path is already
// mapped to a different inode.
var ErrExists = errors.New("inodemap: entry already exists")

// Kind distinguishes the two entry types this filesystem ever indexes.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// kindOf derives the entry kind purely from its backing-relative path: the
// root ("") and any path whose final component lacks the compressed suffix
// is a directory, everything else is a regular compressed file. This means
// Kind is never stored — it is always recomputed from Path, so there is no
// way for the two to drift apart.
func kindOf(relPath string) Kind {
	if relPath == "" {
		return KindDir
	}
	if pathcodec.IsCompressed(filepath.Base(relPath)) {
		return KindFile
	}
	return KindDir
}

// Map is the bidirectional inode<->path index.
type Map struct {
	db      *bolt.DB
	dataDir string

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	byInode map[uint64]string
	// GUARDED_BY(mu)
	byPath map[string]uint64
	// GUARDED_BY(mu)
	next uint64
}

// Open opens (creating if necessary) the bbolt database at dbPath and
// rebuilds the in-memory index by iterating it, per spec §4.3's crash
// recovery rule: the counter is the max of the stored counter and one past
// the highest inode observed in the store.
func Open(dbPath, dataDir string) (*Map, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("inodemap: create store dir: %w", err)
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("inodemap: open store: %w", err)
	}

	m := &Map{
		db:      db,
		dataDir: dataDir,
		byInode: make(map[uint64]string),
		byPath:  make(map[string]uint64),
		next:    RootInode + 1,
	}
	m.mu = syncutil.NewInvariantMutex(m.checkInvariants)

	if err := m.rebuild(); err != nil {
		db.Close()
		return nil, err
	}

	return m, nil
}

// Close closes the underlying store.
func (m *Map) Close() error {
	return m.db.Close()
}

func (m *Map) checkInvariants() {
	root, ok := m.byInode[RootInode]
	if !ok || root != "" {
		panic("inodemap: root inode missing or mismapped")
	}
	for ino, p := range m.byInode {
		if m.byPath[p] != ino {
			panic(fmt.Sprintf("inodemap: byPath[%q] = %d, want %d", p, m.byPath[p], ino))
		}
	}
}

// rebuild loads every persisted (inode, path) pair into memory and
// establishes the root entry and counter, per spec §4.3's crash recovery.
func (m *Map) rebuild() error {
	var maxSeen uint64
	var storedCounter uint64

	err := m.db.Update(func(tx *bolt.Tx) error {
		inodeB, _, metaB, err := openBuckets(tx)
		if err != nil {
			return err
		}

		c := inodeB.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ino := decodeInode(k)
			m.byInode[ino] = string(v)
			m.byPath[string(v)] = ino
			if ino > maxSeen {
				maxSeen = ino
			}
		}

		if raw := metaB.Get(keyNextInode); raw != nil {
			storedCounter = decodeInode(raw)
		}

		if _, ok := m.byInode[RootInode]; !ok {
			m.byInode[RootInode] = ""
			m.byPath[""] = RootInode
			if err := inodeB.Put(encodeInode(RootInode), []byte("")); err != nil {
				return err
			}
			if err := tx.Bucket(bucketPath).Put([]byte(""), encodeInode(RootInode)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("inodemap: rebuild: %w", err)
	}

	m.next = storedCounter
	if maxSeen+1 > m.next {
		m.next = maxSeen + 1
	}
	if m.next <= RootInode {
		m.next = RootInode + 1
	}

	return nil
}

// InodeForPath returns the inode currently mapped to relPath, if any. Used
// by the handle table to detect whether a name that was unlinked out from
// under an open file has since been recreated by someone else.
func (m *Map) InodeForPath(relPath string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ino, ok := m.byPath[relPath]
	return ino, ok
}

// Resolve returns the backing-relative path for inode, or ErrNotFound.
func (m *Map) Resolve(inode uint64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byInode[inode]
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}

// ResolveAbs is Resolve joined against the data directory root, satisfying
// handle.PathIndex for HandleTable's commit path.
func (m *Map) ResolveAbs(inode uint64) (string, error) {
	rel, err := m.Resolve(inode)
	if err != nil {
		return "", err
	}
	return m.AbsPath(rel), nil
}

// InodeForAbs is InodeForPath against an absolute path, satisfying
// handle.PathIndex.
func (m *Map) InodeForAbs(absPath string) (uint64, bool) {
	rel, err := filepath.Rel(m.dataDir, absPath)
	if err != nil {
		return 0, false
	}
	return m.InodeForPath(rel)
}

// Kind returns the kind of a live inode.
func (m *Map) Kind(inode uint64) (Kind, error) {
	p, err := m.Resolve(inode)
	if err != nil {
		return 0, err
	}
	return kindOf(p), nil
}

// AbsPath joins the data directory root with a backing-relative path.
func (m *Map) AbsPath(relPath string) string {
	if relPath == "" {
		return m.dataDir
	}
	return filepath.Join(m.dataDir, relPath)
}

// LookupOrAllocate resolves parent, composes the child's backing path via
// pathcodec, stats both the regular-file and directory candidates, and
// returns an existing or freshly allocated inode for whichever exists. Per
// spec §4.3, allocation is atomic: the counter is read, incremented, and
// the new pair inserted in a single bbolt transaction; if persistence fails
// no in-memory entry is published.
func (m *Map) LookupOrAllocate(parent uint64, name string) (inode uint64, kind Kind, relPath string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parentPath, ok := m.byInode[parent]
	if !ok {
		return 0, 0, "", ErrNotFound
	}

	fileRel := filepath.Join(parentPath, pathcodec.ToBacking(name))
	dirRel := filepath.Join(parentPath, name)

	var candidate string
	var candidateKind Kind

	if fi, statErr := os.Lstat(m.AbsPath(fileRel)); statErr == nil && fi.Mode().IsRegular() {
		candidate, candidateKind = fileRel, KindFile
	} else if fi, statErr := os.Lstat(m.AbsPath(dirRel)); statErr == nil && fi.IsDir() {
		candidate, candidateKind = dirRel, KindDir
	} else {
		return 0, 0, "", ErrNotFound
	}

	if existing, ok := m.byPath[candidate]; ok {
		return existing, candidateKind, candidate, nil
	}

	newInode, err := m.allocateLocked(candidate)
	if err != nil {
		return 0, 0, "", err
	}

	return newInode, candidateKind, candidate, nil
}

// allocateLocked assigns the next inode number to relPath, persisting the
// counter bump and the new pair in one transaction before publishing the
// entry in memory. REQUIRES: m.mu held.
func (m *Map) allocateLocked(relPath string) (uint64, error) {
	newInode := m.next

	err := m.db.Update(func(tx *bolt.Tx) error {
		inodeB, pathB, metaB, err := openBuckets(tx)
		if err != nil {
			return err
		}
		if err := metaB.Put(keyNextInode, encodeInode(newInode+1)); err != nil {
			return err
		}
		if err := inodeB.Put(encodeInode(newInode), []byte(relPath)); err != nil {
			return err
		}
		return pathB.Put([]byte(relPath), encodeInode(newInode))
	})
	if err != nil {
		return 0, fmt.Errorf("inodemap: allocate: %w", err)
	}

	m.next = newInode + 1
	m.byInode[newInode] = relPath
	m.byPath[relPath] = newInode

	return newInode, nil
}

// Allocate registers a brand-new backing path (used by mkdir/create, which
// have just created the backing entry themselves and know there was no
// prior mapping for it).
func (m *Map) Allocate(relPath string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byPath[relPath]; ok {
		return existing, nil
	}
	return m.allocateLocked(relPath)
}

// Forget handles a kernel forget for inode. Per spec §4.3 the entry is
// never removed here; only Unlink/RmDir remove it. No kernel-reference
// (nlookup) count is kept, so nothing is decremented: this exists for the
// call site and logs at trace level for observability.
func (m *Map) Forget(inode uint64, nlookup uint64) {
	logger.Tracef("inodemap: forget inode=%d nlookup=%d", inode, nlookup)
}

// Remove deletes the mapping for relPath (used after unlink/rmdir has
// already removed the backing entry). The inode number is not reused.
func (m *Map) Remove(relPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inode, ok := m.byPath[relPath]
	if !ok {
		return ErrNotFound
	}

	err := m.db.Update(func(tx *bolt.Tx) error {
		inodeB, pathB, _, err := openBuckets(tx)
		if err != nil {
			return err
		}
		if err := inodeB.Delete(encodeInode(inode)); err != nil {
			return err
		}
		return pathB.Delete([]byte(relPath))
	})
	if err != nil {
		return fmt.Errorf("inodemap: remove: %w", err)
	}

	delete(m.byInode, inode)
	delete(m.byPath, relPath)

	return nil
}

// Rename updates the backing path for the entry at oldParent/oldName to
// newParent/newName and, if it is a directory, every currently-indexed
// descendant, all under a single bbolt write transaction per spec §4.3.
func (m *Map) Rename(oldParent uint64, oldName string, newParent uint64, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldParentPath, ok := m.byInode[oldParent]
	if !ok {
		return ErrNotFound
	}
	newParentPath, ok := m.byInode[newParent]
	if !ok {
		return ErrNotFound
	}

	var oldRel string
	var movedInode uint64
	var found bool
	for _, rel := range []string{
		filepath.Join(oldParentPath, pathcodec.ToBacking(oldName)),
		filepath.Join(oldParentPath, oldName),
	} {
		if ino, ok := m.byPath[rel]; ok {
			oldRel, movedInode, found = rel, ino, true
			break
		}
	}
	if !found {
		return ErrNotFound
	}

	var newRel string
	if kindOf(oldRel) == KindFile {
		newRel = filepath.Join(newParentPath, pathcodec.ToBacking(newName))
	} else {
		newRel = filepath.Join(newParentPath, newName)
	}

	type move struct {
		inode   uint64
		oldPath string
		newPath string
	}
	moves := []move{{movedInode, oldRel, newRel}}

	if kindOf(oldRel) == KindDir {
		prefix := oldRel + string(filepath.Separator)
		for p, ino := range m.byPath {
			if strings.HasPrefix(p, prefix) {
				moves = append(moves, move{ino, p, newRel + p[len(oldRel):]})
			}
		}
	}

	if target, ok := m.byPath[newRel]; ok && target != movedInode {
		return ErrExists
	}

	err := m.db.Update(func(tx *bolt.Tx) error {
		inodeB, pathB, _, err := openBuckets(tx)
		if err != nil {
			return err
		}
		for _, mv := range moves {
			if err := pathB.Delete([]byte(mv.oldPath)); err != nil {
				return err
			}
			if err := pathB.Put([]byte(mv.newPath), encodeInode(mv.inode)); err != nil {
				return err
			}
			if err := inodeB.Put(encodeInode(mv.inode), []byte(mv.newPath)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("inodemap: rename: %w", err)
	}

	for _, mv := range moves {
		delete(m.byPath, mv.oldPath)
		m.byPath[mv.newPath] = mv.inode
		m.byInode[mv.inode] = mv.newPath
	}

	return nil
}
