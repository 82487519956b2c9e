package autoprofile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/okirch/wormhole/layer"
)

func mkdirs(t *testing.T, root string, dirs ...string) {
	t.Helper()
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0755); err != nil {
			t.Fatalf("MkdirAll %s: %v", d, err)
		}
	}
}

func touch(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile %s: %v", rel, err)
	}
}

func TestParseProfile(t *testing.T) {
	directives, err := ParseProfile(strings.NewReader(`
# a comment
environment-type layer

ignore strays
overlay /etc/alternatives
check-ldconfig
check-ldconfig /etc/ld.so.cache
`))
	if err != nil {
		t.Fatalf("ParseProfile: %v", err)
	}
	want := []Directive{
		{Keyword: "environment-type", Arg: "layer"},
		{Keyword: "ignore", Arg: "strays"},
		{Keyword: "overlay", Arg: "/etc/alternatives"},
		{Keyword: "check-ldconfig", Arg: ""},
		{Keyword: "check-ldconfig", Arg: "/etc/ld.so.cache"},
	}
	if len(directives) != len(want) {
		t.Fatalf("got %d directives, want %d: %+v", len(directives), len(want), directives)
	}
	for i := range want {
		if directives[i] != want[i] {
			t.Errorf("directive %d = %+v, want %+v", i, directives[i], want[i])
		}
	}
}

func TestSetEnvironmentTypeRejectsUnknown(t *testing.T) {
	a := New(t.TempDir())
	if err := a.applyOne(Directive{Keyword: "environment-type", Arg: "bogus"}); err == nil {
		t.Error("expected an error for an unknown environment-type")
	}
}

func TestIgnorePathOnlyMarksExistingPaths(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "etc")
	a := New(root)

	if err := a.Apply([]Directive{{Keyword: "ignore", Arg: "/etc"}, {Keyword: "ignore", Arg: "/nonexistent"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if disp, _, _ := a.tree.Get("/etc"); disp.String() != "ignored" {
		t.Errorf("expected /etc to be ignored, got %v", disp)
	}
	if _, _, ok := a.tree.Get("/nonexistent"); ok {
		t.Errorf("expected /nonexistent to remain untouched")
	}
}

func TestOverlayRequiresExistence(t *testing.T) {
	a := New(t.TempDir())
	if err := a.Apply([]Directive{{Keyword: "overlay", Arg: "/missing"}}); err == nil {
		t.Error("expected an error overlaying a nonexistent path")
	}
}

func TestOverlayRecordsDirective(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "var/cache")
	touch(t, root, "var/cache/x")

	a := New(root)
	if err := a.Apply([]Directive{{Keyword: "overlay", Arg: "/var/cache"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(a.paths) != 1 || a.paths[0].Kind != layer.Overlay || a.paths[0].Path != "/var/cache" {
		t.Errorf("unexpected paths: %+v", a.paths)
	}
}

func TestOverlayUnlessEmptySkipsEmptyDir(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "usr")

	a := New(root)
	if err := a.Apply([]Directive{{Keyword: "overlay-unless-empty", Arg: "/usr"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(a.paths) != 0 {
		t.Errorf("expected no path directive for an empty dir, got %+v", a.paths)
	}
	if disp, _, _ := a.tree.Get("/usr"); disp.String() != "ignored" {
		t.Errorf("expected empty /usr to be marked ignored, got %v", disp)
	}
}

func TestOverlayUnlessEmptyOverlaysNonEmptyDir(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "usr/bin")
	touch(t, root, "usr/bin/ls")

	a := New(root)
	if err := a.Apply([]Directive{{Keyword: "overlay-unless-empty", Arg: "/usr"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(a.paths) != 1 || a.paths[0].Kind != layer.Overlay {
		t.Errorf("expected an overlay directive, got %+v", a.paths)
	}
}

func TestMustBeEmptyFailsOnNonEmpty(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "boot")
	touch(t, root, "boot/vmlinuz")

	a := New(root)
	if err := a.Apply([]Directive{{Keyword: "must-be-empty", Arg: "/boot"}}); err == nil {
		t.Error("expected an error for a non-empty must-be-empty directory")
	}
}

func TestMustBeEmptyAcceptsRecursivelyEmptyDirs(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "boot/efi")

	a := New(root)
	if err := a.Apply([]Directive{{Keyword: "must-be-empty", Arg: "/boot"}}); err != nil {
		t.Errorf("expected nested-empty-dirs to count as empty, got: %v", err)
	}
}

func TestCheckLdconfigDefaultPath(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "etc/ld.so.cache")

	a := New(root)
	if err := a.Apply([]Directive{{Keyword: "check-ldconfig", Arg: ""}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !a.useLdconfig {
		t.Error("expected use_ldconfig to be set")
	}
	if disp, _, _ := a.tree.Get("/etc/ld.so.cache"); disp.String() != "ignored" {
		t.Errorf("expected ld.so.cache to be ignored, got %v", disp)
	}
}

func TestCheckLdconfigNoopWhenAbsent(t *testing.T) {
	a := New(t.TempDir())
	if err := a.Apply([]Directive{{Keyword: "check-ldconfig", Arg: ""}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if a.useLdconfig {
		t.Error("expected use_ldconfig to remain false")
	}
}

func TestMountTmpfsRecordsDirective(t *testing.T) {
	a := New(t.TempDir())
	if err := a.Apply([]Directive{{Keyword: "mount-tmpfs", Arg: "/tmp"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(a.paths) != 1 || a.paths[0].Kind != layer.Mount || a.paths[0].Fstype != "tmpfs" {
		t.Errorf("unexpected paths: %+v", a.paths)
	}
	if disp, _, _ := a.tree.Get("/tmp"); disp.String() != "system-mount" {
		t.Errorf("expected /tmp to be a system mount, got %v", disp)
	}
}

func TestCheckBinariesNoopWithoutWrapperDir(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "opt/app/bin")
	touch(t, root, "opt/app/bin/run")

	a := New(root)
	if err := a.Apply([]Directive{{Keyword: "check-binaries", Arg: "/opt/app/bin"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(a.wrapperProfiles) != 0 {
		t.Errorf("expected no wrapper profiles without a wrapper dir, got %+v", a.wrapperProfiles)
	}
}

func TestCheckBinariesGeneratesWrapperProfiles(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "opt/app/bin")
	exe := filepath.Join(root, "opt/app/bin/run")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	touch(t, root, "opt/app/bin/README")

	a := New(root)
	a.SetWrapperDirectory("/usr/lib/wormhole/wrappers")
	if err := a.Apply([]Directive{{Keyword: "check-binaries", Arg: "/opt/app/bin"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(a.wrapperProfiles) != 1 {
		t.Fatalf("expected 1 wrapper profile, got %+v", a.wrapperProfiles)
	}
	p := a.wrapperProfiles[0]
	if p.Name != "run" || p.Wrapper != "/usr/lib/wormhole/wrappers/run" || p.Command != "/opt/app/bin/run" {
		t.Errorf("unexpected wrapper profile: %+v", p)
	}

	profiles := a.WrapperProfiles("myenv")
	if len(profiles) != 1 || profiles[0].EnvironmentName != "myenv" {
		t.Errorf("expected EnvironmentName to be filled in, got %+v", profiles)
	}
}

func TestBuildEnvironmentFailsOnStrayFile(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "etc/surprise.conf")

	a := New(root)
	if _, err := a.BuildEnvironment("env"); err == nil {
		t.Error("expected a stray-file error")
	}
}

func TestBuildEnvironmentSucceedsWhenStraysIgnored(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "var/cache")
	touch(t, root, "var/cache/x")
	touch(t, root, "unexpected.txt")

	a := New(root)
	if err := a.Apply([]Directive{
		{Keyword: "ignore", Arg: "strays"},
		{Keyword: "overlay", Arg: "/var/cache"},
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	env, err := a.BuildEnvironment("env")
	if err != nil {
		t.Fatalf("BuildEnvironment: %v", err)
	}
	if env.Name != "env" || len(env.Layers) != 1 || env.Layers[0].Directory != root {
		t.Errorf("unexpected environment: %+v", env)
	}
}

func TestIgnoreIfEmptyClearsDirectoryOnce(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "etc/rc.d")

	a := New(root)
	if err := a.Apply([]Directive{{Keyword: "ignore-if-empty", Arg: "/etc/rc.d"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	strays, err := a.checkStrays()
	if err != nil {
		t.Fatalf("checkStrays: %v", err)
	}
	if strays != 0 {
		t.Errorf("expected 0 strays, got %d", strays)
	}
	if disp, _, _ := a.tree.Get("/etc/rc.d"); disp.String() != "ignored" {
		t.Errorf("expected /etc/rc.d to be marked ignored, got %v", disp)
	}
}

func TestIgnoreEmptySubdirsCascadesToDescendants(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "var/lib/empty-nested")

	a := New(root)
	if err := a.Apply([]Directive{{Keyword: "ignore-empty-subdirs", Arg: "/var"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	strays, err := a.checkStrays()
	if err != nil {
		t.Fatalf("checkStrays: %v", err)
	}
	if strays != 0 {
		t.Fatalf("expected 0 strays, got %d", strays)
	}
	if disp, _, _ := a.tree.Get("/var/lib/empty-nested"); disp.String() != "ignored" {
		t.Errorf("expected nested empty dir to be cleared by the cascading marker, got %v", disp)
	}
}

func TestIgnoreEmptySubdirsDoesNotHideRealStrays(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "var/lib")
	touch(t, root, "var/lib/registry.db")

	a := New(root)
	if err := a.Apply([]Directive{{Keyword: "ignore-empty-subdirs", Arg: "/var"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	strays, err := a.checkStrays()
	if err != nil {
		t.Fatalf("checkStrays: %v", err)
	}
	if strays != 1 {
		t.Errorf("expected the real file to still be flagged as a stray, got %d", strays)
	}
}

func TestRunAutoDetectsDiggerCapture(t *testing.T) {
	overlayRoot := t.TempDir()
	mkdirs(t, overlayRoot, "tree/var/cache", "work")
	touch(t, overlayRoot, "tree/var/cache/x")

	env, _, err := Run(Options{
		Root:            overlayRoot,
		EnvironmentName: "captured",
		Directives: []Directive{
			{Keyword: "overlay", Arg: "/var/cache"},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantRoot := filepath.Join(overlayRoot, "tree")
	if env.Layers[0].Directory != wantRoot {
		t.Errorf("Directory = %q, want %q", env.Layers[0].Directory, wantRoot)
	}
}

func TestRunDefaultsEnvironmentNameToRootBasename(t *testing.T) {
	root := t.TempDir()
	mkdirs(t, root, "var/cache")
	touch(t, root, "var/cache/x")

	env, _, err := Run(Options{
		Root:       root,
		Directives: []Directive{{Keyword: "overlay", Arg: "/var/cache"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if env.Name != filepath.Base(root) {
		t.Errorf("Name = %q, want %q", env.Name, filepath.Base(root))
	}
}
