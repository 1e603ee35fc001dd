package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExpandInputDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"light_10.tif", "light_02.TIF", "sub/light_05.fits", "readme.md"} {
		touch(t, filepath.Join(dir, name))
	}

	files, err := ExpandInput(dir)
	if err != nil {
		t.Fatalf("ExpandInput: %v", err)
	}
	want := []string{
		filepath.Join(dir, "light_02.TIF"),
		filepath.Join(dir, "light_10.tif"),
		filepath.Join(dir, "sub/light_05.fits"),
	}
	if len(files) != len(want) {
		t.Fatalf("got %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("file %d = %s, want %s", i, files[i], want[i])
		}
	}
}

func TestExpandInputGlobAndFile(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.png", "a.txt"} {
		touch(t, filepath.Join(dir, name))
	}

	files, err := ExpandInput(filepath.Join(dir, "*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "a.png" {
		t.Fatalf("glob result %v", files)
	}

	single := filepath.Join(dir, "b.png")
	files, err = ExpandInput(single)
	if err != nil || len(files) != 1 || files[0] != single {
		t.Fatalf("single file: %v %v", files, err)
	}
}

func TestExpandInputNoMatches(t *testing.T) {
	dir := t.TempDir()
	if _, err := ExpandInput(filepath.Join(dir, "*.tif")); err == nil {
		t.Fatalf("expected error for empty glob")
	}
	if _, err := ExpandInput(dir); err == nil {
		t.Fatalf("expected error for empty directory")
	}
	if _, err := ExpandInput(""); err == nil {
		t.Fatalf("expected error for empty pattern")
	}
}

func TestFileClassification(t *testing.T) {
	if !IsRAWFile("IMG_0001.CR2") || IsRAWFile("x.tif") {
		t.Fatalf("RAW classification wrong")
	}
	if !IsImageFile("m31.fit") || IsImageFile("notes.txt") {
		t.Fatalf("image classification wrong")
	}
}

func TestEnsureParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "stack.tif")
	if err := EnsureParent(path); err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(filepath.Dir(path)); err != nil || !info.IsDir() {
		t.Fatalf("parent not created: %v", err)
	}
	if err := EnsureParent("stack.tif"); err != nil {
		t.Fatalf("bare file name: %v", err)
	}
}

func TestFitsInMemory(t *testing.T) {
	if _, err := GetSystemMemory(); err != nil {
		t.Skipf("memory size unknown: %v", err)
	}
	if !FitsInMemory(1, nil) {
		t.Fatalf("one byte should always fit")
	}
	if FitsInMemory(^uint64(0), nil) {
		t.Fatalf("max uint64 should never fit")
	}
}
