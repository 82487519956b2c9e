package layer

import "testing"

func TestValidateAllowsImageAtBottom(t *testing.T) {
	env := &Environment{
		Name: "test",
		Layers: []Layer{
			{Type: KindImage, Image: "opensuse/leap"},
			{Type: KindLayer, Directory: "/srv/extra"},
		},
	}
	if err := env.Validate(); err != nil {
		t.Errorf("expected image-at-bottom to validate, got %v", err)
	}
}

func TestValidateRejectsImageNotAtBottom(t *testing.T) {
	env := &Environment{
		Name: "test",
		Layers: []Layer{
			{Type: KindLayer, Directory: "/srv/extra"},
			{Type: KindImage, Image: "opensuse/leap"},
		},
	}
	if err := env.Validate(); err == nil {
		t.Errorf("expected error for image layer not at index 0")
	}
}

func TestDirectiveKindString(t *testing.T) {
	cases := map[DirectiveKind]string{
		Hide:            "hide",
		Bind:            "bind",
		BindChildren:    "bind-children",
		Overlay:         "overlay",
		OverlayChildren: "overlay-children",
		Mount:           "mount",
		Wormhole:        "wormhole",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("DirectiveKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
