package capreg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRegisterCreatesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "python3-devel-3.9.2.conf")
	os.WriteFile(target, []byte("config"), 0644)

	r := New(dir)
	if err := r.Register([]string{"python3-devel-3.9.2"}, target); err != nil {
		t.Fatalf("Register: %v", err)
	}

	link := filepath.Join(dir, "python3-devel-3.9.2")
	dest, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("expected symlink to exist: %v", err)
	}
	if dest != target {
		t.Errorf("expected symlink to %s, got %s", target, dest)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "foo.conf")
	os.WriteFile(target, nil, 0644)

	r := New(dir)
	if err := r.Register([]string{"foo-1.0"}, target); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register([]string{"foo-1.0"}, target); err != nil {
		t.Errorf("second Register with same target should be a no-op, got %v", err)
	}
}

func TestRegisterConflict(t *testing.T) {
	dir := t.TempDir()
	target1 := filepath.Join(dir, "one.conf")
	target2 := filepath.Join(dir, "two.conf")
	os.WriteFile(target1, nil, 0644)
	os.WriteFile(target2, nil, 0644)

	r := New(dir)
	if err := r.Register([]string{"foo-1.0"}, target1); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register([]string{"foo-1.0"}, target2); err == nil {
		t.Errorf("expected conflict error when re-registering with a different target")
	}
}

func TestUnregisterRemovesMatchingLink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "foo.conf")
	os.WriteFile(target, nil, 0644)

	r := New(dir)
	if err := r.Register([]string{"foo-1.0"}, target); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Unregister([]string{"foo-1.0"}, target); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dir, "foo-1.0")); !os.IsNotExist(err) {
		t.Errorf("expected symlink to be removed")
	}
}

func TestUnregisterIgnoresMismatchedTarget(t *testing.T) {
	dir := t.TempDir()
	target1 := filepath.Join(dir, "one.conf")
	target2 := filepath.Join(dir, "two.conf")
	os.WriteFile(target1, nil, 0644)
	os.WriteFile(target2, nil, 0644)

	r := New(dir)
	r.Register([]string{"foo-1.0"}, target1)
	if err := r.Unregister([]string{"foo-1.0"}, target2); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dir, "foo-1.0")); err != nil {
		t.Errorf("expected symlink pointing elsewhere to survive Unregister, got %v", err)
	}
}

func TestPruneRemovesDanglingLinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "gone.conf")
	os.WriteFile(target, nil, 0644)

	r := New(dir)
	r.Register([]string{"gone-1.0"}, target)
	os.Remove(target)

	if err := r.Prune(); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dir, "gone-1.0")); !os.IsNotExist(err) {
		t.Errorf("expected dangling link to be pruned")
	}
}

func TestBestMatchPicksHighestSatisfyingVersion(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "older.conf")
	newer := filepath.Join(dir, "newer.conf")
	os.WriteFile(older, nil, 0644)
	os.WriteFile(newer, nil, 0644)

	r := New(dir)
	r.Register([]string{"python3-devel-3.9.0"}, older)
	r.Register([]string{"python3-devel-3.9.5"}, newer)

	path, ok, err := r.BestMatch("python3-devel-3.9")
	if err != nil {
		t.Fatalf("BestMatch: %v", err)
	}
	if !ok {
		t.Fatalf("expected a match")
	}
	resolvedNewer, _ := filepath.EvalSymlinks(newer)
	if path != resolvedNewer {
		t.Errorf("expected best match to be the newer config, got %s", path)
	}
}

func TestBestMatchNoneSatisfies(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.conf")
	os.WriteFile(old, nil, 0644)

	r := New(dir)
	r.Register([]string{"python3-devel-3.8"}, old)

	_, ok, err := r.BestMatch("python3-devel-3.9")
	if err != nil {
		t.Fatalf("BestMatch: %v", err)
	}
	if ok {
		t.Errorf("expected no match for an unsatisfied requirement")
	}
}
