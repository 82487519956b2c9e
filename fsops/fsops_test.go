package fsops

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMakedirsCreatesParents(t *testing.T) {
	tmp := t.TempDir()
	target := filepath.Join(tmp, "a", "b", "c")
	if err := Makedirs(target, 0755); err != nil {
		t.Fatalf("Makedirs: %v", err)
	}
	fi, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !fi.IsDir() {
		t.Errorf("expected %s to be a directory", target)
	}
}

func TestMakedirsTolerant(t *testing.T) {
	tmp := t.TempDir()
	if err := Makedirs(tmp, 0755); err != nil {
		t.Errorf("Makedirs on existing dir should not fail: %v", err)
	}
}

func TestCreateEmpty(t *testing.T) {
	tmp := t.TempDir()
	target := filepath.Join(tmp, "sub", "file")
	if err := CreateEmpty(target); err != nil {
		t.Fatalf("CreateEmpty: %v", err)
	}
	fi, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != 0 {
		t.Errorf("expected empty file, got size %d", fi.Size())
	}
}

func TestInodeCompareMissing(t *testing.T) {
	tmp := t.TempDir()
	mask, err := InodeCompare(filepath.Join(tmp, "nope1"), filepath.Join(tmp, "nope2"))
	if err != nil {
		t.Fatalf("InodeCompare: %v", err)
	}
	if mask != MismatchMissing {
		t.Errorf("expected MismatchMissing, got %d", mask)
	}
}

func TestInodeCompareTypeMismatch(t *testing.T) {
	tmp := t.TempDir()
	file := filepath.Join(tmp, "file")
	dir := filepath.Join(tmp, "dir")
	if err := CreateEmpty(file); err != nil {
		t.Fatal(err)
	}
	if err := Makedirs(dir, 0755); err != nil {
		t.Fatal(err)
	}
	mask, err := InodeCompare(file, dir)
	if err != nil {
		t.Fatalf("InodeCompare: %v", err)
	}
	if mask != MismatchType {
		t.Errorf("expected MismatchType, got %d", mask)
	}
}

func TestInodeCompareSizeAndTime(t *testing.T) {
	tmp := t.TempDir()
	older := filepath.Join(tmp, "older")
	younger := filepath.Join(tmp, "younger")

	if err := os.WriteFile(older, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(younger, []byte("xyz"), 0644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatal(err)
	}

	mask, err := InodeCompare(older, younger)
	if err != nil {
		t.Fatalf("InodeCompare: %v", err)
	}
	if mask&FileSmaller == 0 {
		t.Errorf("expected FileSmaller bit set, got %d", mask)
	}
	if mask&FileYounger == 0 {
		t.Errorf("expected FileYounger bit set (older is older than younger), got %d", mask)
	}
}

func TestInodeCompareIdentical(t *testing.T) {
	tmp := t.TempDir()
	p1 := filepath.Join(tmp, "a")
	p2 := filepath.Join(tmp, "b")
	if err := os.WriteFile(p1, []byte("same"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p2, []byte("same"), 0644); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	os.Chtimes(p1, now, now)
	os.Chtimes(p2, now, now)

	mask, err := InodeCompare(p1, p2)
	if err != nil {
		t.Fatalf("InodeCompare: %v", err)
	}
	if mask != FileIdentical {
		t.Errorf("expected FileIdentical, got %d", mask)
	}
}

func TestFtwVisitsAllEntries(t *testing.T) {
	tmp := t.TempDir()
	mustMkdir(t, filepath.Join(tmp, "sub"))
	mustWrite(t, filepath.Join(tmp, "top.txt"))
	mustWrite(t, filepath.Join(tmp, "sub", "nested.txt"))

	var visited []string
	err := Ftw(tmp, WalkFlags{}, func(e WalkEntry) WalkAction {
		visited = append(visited, e.Path)
		return Continue
	}, nil)
	if err != nil {
		t.Fatalf("Ftw: %v", err)
	}
	if len(visited) != 4 {
		t.Errorf("expected 4 entries (root, sub, top.txt, nested.txt), got %d: %v", len(visited), visited)
	}
}

func TestFtwSkipPrunesChildren(t *testing.T) {
	tmp := t.TempDir()
	mustMkdir(t, filepath.Join(tmp, "skip-me"))
	mustWrite(t, filepath.Join(tmp, "skip-me", "hidden.txt"))

	var visited []string
	err := Ftw(tmp, WalkFlags{}, func(e WalkEntry) WalkAction {
		visited = append(visited, e.Path)
		if filepath.Base(e.Path) == "skip-me" {
			return Skip
		}
		return Continue
	}, nil)
	if err != nil {
		t.Fatalf("Ftw: %v", err)
	}
	for _, p := range visited {
		if filepath.Base(p) == "hidden.txt" {
			t.Errorf("expected hidden.txt to be pruned by Skip, but it was visited")
		}
	}
}

func TestFtwAbortStopsWalk(t *testing.T) {
	tmp := t.TempDir()
	mustWrite(t, filepath.Join(tmp, "a.txt"))
	mustWrite(t, filepath.Join(tmp, "b.txt"))

	count := 0
	err := Ftw(tmp, WalkFlags{}, func(e WalkEntry) WalkAction {
		count++
		if count == 2 {
			return Abort
		}
		return Continue
	}, nil)
	if !IsAbort(err) {
		t.Errorf("expected abort sentinel, got %v", err)
	}
}

func TestFtwPostorder(t *testing.T) {
	tmp := t.TempDir()
	mustMkdir(t, filepath.Join(tmp, "sub"))

	var pre, post []string
	err := Ftw(tmp, WalkFlags{Postorder: true},
		func(e WalkEntry) WalkAction { pre = append(pre, e.Path); return Continue },
		func(e WalkEntry) WalkAction { post = append(post, e.Path); return Continue },
	)
	if err != nil {
		t.Fatalf("Ftw: %v", err)
	}
	if len(pre) != 2 || len(post) != 2 {
		t.Fatalf("expected 2 pre and 2 post callbacks, got %d/%d", len(pre), len(post))
	}
	if post[0] != filepath.Join(tmp, "sub") {
		t.Errorf("expected child's post callback before parent's, got order %v", post)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}
