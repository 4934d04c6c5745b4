package colors

import (
	"testing"

	"github.com/fatih/color"
)

func TestInit(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	Init(nil)
	if color.NoColor != orig {
		t.Error("Init(nil) changed the auto-detected setting")
	}

	on := true
	Init(&on)
	if !Enabled() {
		t.Error("Init(&true) did not enable colors")
	}

	off := false
	Init(&off)
	if Enabled() {
		t.Error("Init(&false) did not disable colors")
	}
}
