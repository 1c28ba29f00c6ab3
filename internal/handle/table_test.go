package handle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Big-Dig-Data/fuse-zstd/internal/sizexattr"
	"github.com/Big-Dig-Data/fuse-zstd/internal/zstdcodec"
)

// fakeIndex is a trivial single-entry PathIndex stand-in for InodeMap, so
// these tests exercise HandleTable in isolation the way the teacher's
// inode tests exercise inode.FileInode without a live kernel mount.
type fakeIndex struct {
	byInode map[uint64]string
	byPath  map[string]uint64
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{byInode: map[uint64]string{}, byPath: map[string]uint64{}}
}

func (f *fakeIndex) set(inode uint64, path string) {
	f.byInode[inode] = path
	f.byPath[path] = inode
}

func (f *fakeIndex) unset(inode uint64) {
	if p, ok := f.byInode[inode]; ok {
		delete(f.byPath, p)
		delete(f.byInode, inode)
	}
}

func (f *fakeIndex) ResolveAbs(inode uint64) (string, error) {
	p, ok := f.byInode[inode]
	if !ok {
		return "", os.ErrNotExist
	}
	return p, nil
}

func (f *fakeIndex) InodeForAbs(path string) (uint64, bool) {
	ino, ok := f.byPath[path]
	return ino, ok
}

func writeBackingFile(t *testing.T, path string, content []byte) {
	t.Helper()
	compressed, err := zstdcodec.Compress(writeScratch(t, content), path+".building")
	if err != nil {
		t.Fatal(err)
	}
	_ = compressed
	if err := os.Rename(path+".building", path); err != nil {
		t.Fatal(err)
	}
	if err := sizexattr.Write(path, uint64(len(content))); err != nil {
		t.Fatal(err)
	}
}

func writeScratch(t *testing.T, content []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "src")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func TestOpenReadRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	scratchDir := t.TempDir()
	backing := filepath.Join(dataDir, "a.txt.zst")
	writeBackingFile(t, backing, []byte("hello world"))

	idx := newFakeIndex()
	idx.set(1, backing)
	tbl := New(scratchDir, idx)

	h, err := tbl.Open(1, backing, os.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, 32)
	n, err := tbl.ReadAt(h.ID(), buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Fatalf("got %q", buf[:n])
	}

	if err := tbl.Release(h.ID()); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestWriteFlushRecompresses(t *testing.T) {
	dataDir := t.TempDir()
	scratchDir := t.TempDir()
	backing := filepath.Join(dataDir, "a.txt.zst")
	writeBackingFile(t, backing, []byte("hello world"))

	idx := newFakeIndex()
	idx.set(1, backing)
	tbl := New(scratchDir, idx)

	h, err := tbl.Open(1, backing, os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tbl.WriteAt(h.ID(), []byte("HELLO"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := tbl.Flush(h.ID()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	out := filepath.Join(t.TempDir(), "out")
	if _, err := zstdcodec.Decompress(backing, out); err != nil {
		t.Fatalf("Decompress after flush: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "HELLO world" {
		t.Fatalf("backing content after flush = %q", got)
	}

	size, err := sizexattr.Read(backing)
	if err != nil {
		t.Fatal(err)
	}
	if size != uint64(len("HELLO world")) {
		t.Fatalf("size xattr after flush = %d", size)
	}

	if err := tbl.Release(h.ID()); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentHandlesShareSession(t *testing.T) {
	dataDir := t.TempDir()
	scratchDir := t.TempDir()
	backing := filepath.Join(dataDir, "a.txt.zst")
	writeBackingFile(t, backing, []byte("0123456789"))

	idx := newFakeIndex()
	idx.set(1, backing)
	tbl := New(scratchDir, idx)

	h1, err := tbl.Open(1, backing, os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := tbl.Open(1, backing, os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tbl.WriteAt(h1.ID(), []byte("X"), 0); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1)
	if _, err := tbl.ReadAt(h2.ID(), buf, 0); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 'X' {
		t.Fatalf("second handle did not observe first handle's write: got %q", buf)
	}

	if err := tbl.Release(h1.ID()); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Release(h2.ID()); err != nil {
		t.Fatal(err)
	}
}

func TestReleaseOnLastCloseCommitsAndRemovesScratch(t *testing.T) {
	dataDir := t.TempDir()
	scratchDir := t.TempDir()
	backing := filepath.Join(dataDir, "a.txt.zst")
	writeBackingFile(t, backing, []byte("content"))

	idx := newFakeIndex()
	idx.set(1, backing)
	tbl := New(scratchDir, idx)

	h, err := tbl.Open(1, backing, os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.WriteAt(h.ID(), []byte("!"), 7); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Release(h.ID()); err != nil {
		t.Fatalf("Release: %v", err)
	}

	scratchPath := filepath.Join(scratchDir, "1.scratch")
	if _, err := os.Stat(scratchPath); !os.IsNotExist(err) {
		t.Fatalf("expected scratch file removed after release, stat err = %v", err)
	}

	out := filepath.Join(t.TempDir(), "out")
	if _, err := zstdcodec.Decompress(backing, out); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(out)
	if string(got) != "content!" {
		t.Fatalf("got %q", got)
	}
}

func TestCommitOnUnlinkedNameRecreatesAtOriginalPath(t *testing.T) {
	dataDir := t.TempDir()
	scratchDir := t.TempDir()
	backing := filepath.Join(dataDir, "a.txt.zst")
	writeBackingFile(t, backing, []byte("original"))

	idx := newFakeIndex()
	idx.set(1, backing)
	tbl := New(scratchDir, idx)

	h, err := tbl.Open(1, backing, os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate unlink: remove the backing file and the InodeMap mapping,
	// but the session (and its handle) stays open.
	if err := os.Remove(backing); err != nil {
		t.Fatal(err)
	}
	idx.unset(1)

	if _, err := tbl.WriteAt(h.ID(), []byte("new data"), 0); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Release(h.ID()); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := os.Stat(backing); err != nil {
		t.Fatalf("expected backing file recreated at original path, stat err = %v", err)
	}
}

func TestCommitDiscardsOrphanedDataWhenNameReused(t *testing.T) {
	dataDir := t.TempDir()
	scratchDir := t.TempDir()
	backing := filepath.Join(dataDir, "a.txt.zst")
	writeBackingFile(t, backing, []byte("original"))

	idx := newFakeIndex()
	idx.set(1, backing)
	tbl := New(scratchDir, idx)

	h, err := tbl.Open(1, backing, os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tbl.WriteAt(h.ID(), []byte("stale write"), 0); err != nil {
		t.Fatal(err)
	}

	// Unlink, then someone else recreates the same name under a new inode.
	if err := os.Remove(backing); err != nil {
		t.Fatal(err)
	}
	idx.unset(1)
	writeBackingFile(t, backing, []byte("new owner's content"))
	idx.set(2, backing)

	if err := tbl.Release(h.ID()); err != nil {
		t.Fatalf("Release: %v", err)
	}

	out := filepath.Join(t.TempDir(), "out")
	if _, err := zstdcodec.Decompress(backing, out); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(out)
	if string(got) != "new owner's content" {
		t.Fatalf("orphaned write clobbered the new owner's data: got %q", got)
	}
}

func TestAppendOpenSeeksToEnd(t *testing.T) {
	dataDir := t.TempDir()
	scratchDir := t.TempDir()
	backing := filepath.Join(dataDir, "a.txt.zst")
	writeBackingFile(t, backing, []byte("abc"))

	idx := newFakeIndex()
	idx.set(1, backing)
	tbl := New(scratchDir, idx)

	h, err := tbl.Open(1, backing, os.O_RDWR|os.O_APPEND)
	if err != nil {
		t.Fatal(err)
	}

	pos, err := h.f.Seek(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 3 {
		t.Fatalf("append-mode open did not seek to end: pos=%d", pos)
	}

	if err := tbl.Release(h.ID()); err != nil {
		t.Fatal(err)
	}
}

func TestTruncateMarksSessionDirty(t *testing.T) {
	dataDir := t.TempDir()
	scratchDir := t.TempDir()
	backing := filepath.Join(dataDir, "a.txt.zst")
	writeBackingFile(t, backing, []byte("0123456789"))

	idx := newFakeIndex()
	idx.set(1, backing)
	tbl := New(scratchDir, idx)

	h, err := tbl.Open(1, backing, os.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}

	hadSession, err := tbl.Truncate(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !hadSession {
		t.Fatal("expected a live session")
	}

	size, dirty, ok := tbl.Stat(1)
	if !ok || !dirty || size != 3 {
		t.Fatalf("Stat after truncate = size=%d dirty=%v ok=%v", size, dirty, ok)
	}

	if err := tbl.Release(h.ID()); err != nil {
		t.Fatal(err)
	}
}
