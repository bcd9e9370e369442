//go:build windows

package main

import "syscall"

func setpgidAttr() *syscall.SysProcAttr { return nil }
