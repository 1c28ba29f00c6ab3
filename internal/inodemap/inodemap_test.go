package inodemap

import (
	"os"
	"path/filepath"
	"testing"
)

func newMap(t *testing.T) (*Map, string) {
	t.Helper()
	dataDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "inodes.db")
	m, err := Open(dbPath, dataDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, dataDir
}

func touchFile(t *testing.T, dataDir, rel string) {
	t.Helper()
	p := filepath.Join(dataDir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func touchDir(t *testing.T, dataDir, rel string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dataDir, rel), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestRootAlwaysPresent(t *testing.T) {
	m, _ := newMap(t)
	p, err := m.Resolve(RootInode)
	if err != nil || p != "" {
		t.Fatalf("Resolve(root) = %q, %v", p, err)
	}
}

func TestLookupOrAllocateFileThenDir(t *testing.T) {
	m, dataDir := newMap(t)
	touchFile(t, dataDir, "a.txt.zst")
	touchDir(t, dataDir, "sub")

	ino, kind, rel, err := m.LookupOrAllocate(RootInode, "a.txt")
	if err != nil {
		t.Fatalf("LookupOrAllocate file: %v", err)
	}
	if kind != KindFile || rel != "a.txt.zst" {
		t.Fatalf("got kind=%v rel=%q", kind, rel)
	}
	if ino <= RootInode {
		t.Fatalf("expected a freshly allocated inode, got %d", ino)
	}

	ino2, kind2, rel2, err := m.LookupOrAllocate(RootInode, "sub")
	if err != nil {
		t.Fatalf("LookupOrAllocate dir: %v", err)
	}
	if kind2 != KindDir || rel2 != "sub" {
		t.Fatalf("got kind=%v rel=%q", kind2, rel2)
	}
	if ino2 == ino {
		t.Fatal("file and dir got the same inode")
	}
}

func TestLookupOrAllocateIsIdempotent(t *testing.T) {
	m, dataDir := newMap(t)
	touchFile(t, dataDir, "a.txt.zst")

	ino1, _, _, err := m.LookupOrAllocate(RootInode, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	ino2, _, _, err := m.LookupOrAllocate(RootInode, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if ino1 != ino2 {
		t.Fatalf("got different inodes on repeat lookup: %d vs %d", ino1, ino2)
	}
}

func TestLookupOrAllocateMissing(t *testing.T) {
	m, _ := newMap(t)
	if _, _, _, err := m.LookupOrAllocate(RootInode, "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInodeStabilityAcrossReopen(t *testing.T) {
	dataDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "inodes.db")
	touchFile(t, dataDir, "a.txt.zst")

	m1, err := Open(dbPath, dataDir)
	if err != nil {
		t.Fatal(err)
	}
	ino1, _, _, err := m1.LookupOrAllocate(RootInode, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	m1.Close()

	m2, err := Open(dbPath, dataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()

	resolved, err := m2.Resolve(ino1)
	if err != nil || resolved != "a.txt.zst" {
		t.Fatalf("Resolve after reopen = %q, %v", resolved, err)
	}

	ino2, _, _, err := m2.LookupOrAllocate(RootInode, "a.txt")
	if err != nil || ino2 != ino1 {
		t.Fatalf("inode changed across restart: %d -> %d", ino1, ino2)
	}
}

func TestRenameDirectoryMovesDescendants(t *testing.T) {
	m, dataDir := newMap(t)
	touchDir(t, dataDir, "x")
	touchFile(t, dataDir, "x/a.txt.zst")
	touchFile(t, dataDir, "x/b.txt.zst")

	xIno, _, _, err := m.LookupOrAllocate(RootInode, "x")
	if err != nil {
		t.Fatal(err)
	}
	aIno, _, _, err := m.LookupOrAllocate(xIno, "a")
	if err != nil {
		t.Fatal(err)
	}
	bIno, _, _, err := m.LookupOrAllocate(xIno, "b")
	if err != nil {
		t.Fatal(err)
	}

	if err := os.Rename(filepath.Join(dataDir, "x"), filepath.Join(dataDir, "y")); err != nil {
		t.Fatal(err)
	}
	if err := m.Rename(RootInode, "x", RootInode, "y"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if p, err := m.Resolve(xIno); err != nil || p != "y" {
		t.Fatalf("dir resolve after rename = %q, %v", p, err)
	}
	if p, err := m.Resolve(aIno); err != nil || p != filepath.Join("y", "a.txt.zst") {
		t.Fatalf("child a resolve after rename = %q, %v", p, err)
	}
	if p, err := m.Resolve(bIno); err != nil || p != filepath.Join("y", "b.txt.zst") {
		t.Fatalf("child b resolve after rename = %q, %v", p, err)
	}
}

func TestRemove(t *testing.T) {
	m, dataDir := newMap(t)
	touchFile(t, dataDir, "a.txt.zst")
	ino, _, rel, err := m.LookupOrAllocate(RootInode, "a.txt")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Remove(rel); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := m.Resolve(ino); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}
