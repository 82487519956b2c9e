package assemble

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/okirch/wormhole/layer"
)

func TestScaffoldSourceAndDestPath(t *testing.T) {
	sc := scaffold{sourcePrefix: "/srv/layer1", destPrefix: "/"}
	if got := sc.sourcePath("/usr/lib"); got != "/srv/layer1/usr/lib" {
		t.Errorf("sourcePath: got %q", got)
	}
	if got := sc.destPath("/usr/lib"); got != "/usr/lib" {
		t.Errorf("destPath: got %q", got)
	}
}

func TestScaffoldSourcePathInverse(t *testing.T) {
	sc := scaffold{sourcePrefix: "/srv/layer1", destPrefix: "/"}
	abs, err := sc.sourcePathInverse("/srv/layer1/usr/lib")
	if err != nil {
		t.Fatalf("sourcePathInverse: %v", err)
	}
	if abs != "/usr/lib" {
		t.Errorf("expected /usr/lib, got %q", abs)
	}
}

func TestAssembleRejectsSecondImageLayer(t *testing.T) {
	env := &layer.Environment{
		Name: "bad",
		Layers: []layer.Layer{
			{Type: layer.KindImage, Image: "opensuse/leap"},
			{Type: layer.KindImage, Image: "fedora"},
		},
	}
	a := New(nil, "")
	err := a.Assemble(env)
	if err == nil {
		t.Fatalf("expected error for second image layer")
	}
	if a.State() != Failed {
		t.Errorf("expected Failed state, got %s", a.State())
	}
}

func TestAssembleRejectsUnflattenedReference(t *testing.T) {
	env := &layer.Environment{
		Name: "bad",
		Layers: []layer.Layer{
			{Type: layer.KindReference, LowerLayerName: "other"},
		},
	}
	a := New(nil, "")
	if err := a.Assemble(env); err == nil {
		t.Fatalf("expected error for unflattened reference layer")
	}
}

func TestAssembleRejectsReentrantAssembly(t *testing.T) {
	env := &layer.Environment{Name: "empty"}
	a := New(nil, "")
	if err := a.Assemble(env); err != nil {
		t.Fatalf("first Assemble: %v", err)
	}
	if a.State() != Ready {
		t.Fatalf("expected Ready state, got %s", a.State())
	}
	if err := a.Assemble(env); err == nil {
		t.Errorf("expected second Assemble on the same assembler to fail")
	}
}

func TestAssembleImageLayerWithoutRuntimeFails(t *testing.T) {
	env := &layer.Environment{
		Name: "needs-image",
		Layers: []layer.Layer{
			{Type: layer.KindImage, Image: "opensuse/leap"},
		},
	}
	a := New(nil, "")
	if err := a.Assemble(env); err == nil {
		t.Errorf("expected error when no runtime is configured for an image layer")
	}
}

type fakeRuntime struct {
	root string
}

func (f *fakeRuntime) ContainerExists(string) (bool, error)       { return false, nil }
func (f *fakeRuntime) ContainerStart(string, string) error        { return nil }
func (f *fakeRuntime) ContainerMount(string) (string, error)      { return f.root, nil }

func TestAssembleImageLayerSetsRootDirectory(t *testing.T) {
	root := t.TempDir()
	env := &layer.Environment{
		Name: "with-image",
		Layers: []layer.Layer{
			{Type: layer.KindImage, Image: "opensuse/leap"},
		},
	}
	a := New(&fakeRuntime{root: root}, "")
	if err := a.Assemble(env); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	gotRoot, ok := a.RootDirectory()
	if !ok || gotRoot != root {
		t.Errorf("expected root directory %q, got %q ok=%v", root, gotRoot, ok)
	}
}

func TestEnsurePlaceholderCreatesMatchingType(t *testing.T) {
	tmp := t.TempDir()
	srcFile := filepath.Join(tmp, "src-file")
	destFile := filepath.Join(tmp, "dest-file")
	if err := os.WriteFile(srcFile, nil, 0644); err != nil {
		t.Fatal(err)
	}

	if err := ensurePlaceholder(srcFile, destFile); err != nil {
		t.Fatalf("ensurePlaceholder: %v", err)
	}
	if _, err := os.Stat(destFile); err != nil {
		t.Errorf("expected placeholder file to be created: %v", err)
	}
}
