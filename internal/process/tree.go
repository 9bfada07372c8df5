package process

import (
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// descendants lists the children of pid recursively, deepest first.
func descendants(pid int) []int {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int
	var walk func(*gopsproc.Process)
	walk = func(p *gopsproc.Process) {
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			walk(c)
			out = append(out, int(c.Pid))
		}
	}
	walk(p)
	return out
}

// signalTree signals every descendant of pid, deepest first, then pid itself.
func signalTree(pid int, sig syscall.Signal) error {
	for _, d := range descendants(pid) {
		_ = signalPID(d, sig)
	}
	return signalPID(pid, sig)
}
