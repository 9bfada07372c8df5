//go:build windows

package process

import (
	"os"
	"syscall"
)

// Windows has no process groups to signal; every signal terminates.
func signalGroup(pid int, _ syscall.Signal) error {
	return signalTree(pid, syscall.SIGKILL)
}

func signalPID(pid int, _ syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func signalName(*os.ProcessState) (string, bool) { return "", false }
