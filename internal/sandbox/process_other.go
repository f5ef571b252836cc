//go:build !unix

package sandbox

import "os/exec"

func configureKill(_ *exec.Cmd) {}

func memoryBoundedArgv(argv []string, _ int64) []string { return argv }
