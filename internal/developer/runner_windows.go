//go:build windows

package developer

import "os/exec"

// setProcAttr is a no-op on Windows. Process-tree cleanup on Windows
// requires job objects rather than POSIX process groups.
//
// TODO: assign the child to a job object with
// JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE so descendants are reaped on shutdown;
// until then only the direct agent process is terminated on this platform.
func setProcAttr(cmd *exec.Cmd) {}

// terminateProcessGroup is a no-op on Windows.
func terminateProcessGroup(pid int) error { return nil }

// killProcessGroup is a no-op on Windows.
func killProcessGroup(pid int) error { return nil }
