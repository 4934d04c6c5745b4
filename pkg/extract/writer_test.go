package extract

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWritePlan(t *testing.T) {
	out := filepath.Join(t.TempDir(), "usr", "lib", "libtest.dylib")

	plan := []CopyProc{
		{Kind: SourceView, Buf: []byte{1, 2, 3, 4}, DstOffset: 0, Len: 4},
		{Kind: SourceView, Buf: []byte{5, 6, 7, 8}, DstOffset: 4, Len: 4},
	}

	if err := writePlan(nil, plan, 8, out, false); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if !bytes.Equal(got, want) {
		t.Errorf("output = %v; want %v", got, want)
	}

	// refuses to clobber without force
	if err := writePlan(nil, plan, 8, out, false); err == nil {
		t.Error("overwrote an existing file without --force")
	}

	// rerunning with force reproduces the same bytes
	if err := writePlan(nil, plan, 8, out, true); err != nil {
		t.Fatal(err)
	}
	again, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again, want) {
		t.Errorf("rerun output = %v; want %v", again, want)
	}
}
