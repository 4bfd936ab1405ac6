//go:build !unix

package service

import "os/exec"

// processGroup keeps the exec.CommandContext default, which kills the
// process only.
func processGroup(*exec.Cmd) {}
