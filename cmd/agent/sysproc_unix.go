//go:build !windows

package main

import "syscall"

// setpgidAttr puts a plain exec child in its own process group. handleKill
// signals only the child for plain exec sessions; pty sessions get their own
// session and group from pty.Start and are the ones killed by group signal.
func setpgidAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
