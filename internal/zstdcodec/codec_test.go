package zstdcodec

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	scratch := filepath.Join(dir, "scratch")
	backing := filepath.Join(dir, "backing.zst")
	tmp := backing + ".tmp-1"

	payload := make([]byte, 256*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(scratch, payload, 0o600); err != nil {
		t.Fatal(err)
	}

	written, err := Compress(scratch, tmp)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if written == 0 {
		t.Fatal("Compress reported zero bytes written")
	}
	if err := os.Rename(tmp, backing); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "out")
	if _, err := Decompress(backing, out); err != nil {
		t.Fatalf("Decompress: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round trip did not preserve content")
	}
}

func TestDecompressCorruptRemovesScratch(t *testing.T) {
	dir := t.TempDir()
	backing := filepath.Join(dir, "bad.zst")
	if err := os.WriteFile(backing, []byte("not zstd"), 0o600); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out")

	_, err := Decompress(backing, out)
	if err == nil {
		t.Fatal("expected an error decompressing garbage")
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatal("expected scratch file to be removed on corrupt input")
	}
}

func TestEmptyFrameDecompressesToNothing(t *testing.T) {
	dir := t.TempDir()
	frame, err := EmptyFrame()
	if err != nil {
		t.Fatal(err)
	}
	backing := filepath.Join(dir, "empty.zst")
	if err := os.WriteFile(backing, frame, 0o600); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out")
	n, err := Decompress(backing, out)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if n != 0 {
		t.Fatalf("decompressed %d bytes from an empty frame", n)
	}
}
