package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"rsc.io/script"
	"rsc.io/script/scripttest"
)

// TestCLIScripts drives the built moonbridge binary's flag parsing and
// exit codes through the .txt scripts under testdata/script, the same
// exec-and-assert style the teacher's own CLI relies on for its command
// surface, grounded here on rsc.io/script instead of a hand-rolled
// exec.Command harness.
func TestCLIScripts(t *testing.T) {
	bin := buildMoonbridge(t)

	engine := &script.Engine{
		Cmds:  script.DefaultCmds(),
		Conds: script.DefaultConds(),
	}
	env := []string{
		"PATH=" + filepath.Dir(bin) + string(os.PathListSeparator) + os.Getenv("PATH"),
		"HOME=" + t.TempDir(),
	}
	scripttest.Test(t, context.Background(), engine, env, "testdata/script/*.txt")
}

func buildMoonbridge(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "moonbridge")
	cmd := exec.Command("go", "build", "-o", bin, ".")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("building moonbridge: %v\n%s", err, out)
	}
	return bin
}
