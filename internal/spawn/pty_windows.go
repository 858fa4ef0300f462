//go:build windows

package spawn

import "os/exec"

func (s *Spawner) spawnPTY(*exec.Cmd, Options) (*Child, error) {
	return nil, ErrPTYUnsupported
}
