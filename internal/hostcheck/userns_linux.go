//go:build linux

package hostcheck

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// userNamespaceBlocked 尝试在新的 user namespace 中启动进程，成功即视为不安全
func userNamespaceBlocked(ctx context.Context) error {
	bin, err := exec.LookPath("true")
	if err != nil {
		bin = "/bin/true"
	}
	cmd := exec.CommandContext(ctx, bin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: syscall.CLONE_NEWUSER}
	if err := cmd.Run(); err != nil {
		return nil
	}
	return errors.New("unprivileged user namespaces can be created")
}
