//go:build !windows

package process

import (
	"os/exec"
	"testing"
)

func TestSysProcAttrSetsPgid(t *testing.T) {
	cmd := exec.Command("true")
	configureSysProcAttr(cmd)
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Fatalf("SysProcAttr Setpgid not set")
	}
}
