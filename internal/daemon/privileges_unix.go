//go:build linux || darwin

package daemon

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DropPrivileges switches to userName and groupName when running as root
// and points $HOME at the user's home directory. Otherwise it does nothing.
func DropPrivileges(userName, groupName string, logger *zap.Logger) error {
	if os.Geteuid() != 0 {
		return nil
	}
	logger.Warn("running as root, dropping privileges",
		zap.String("user", userName),
		zap.String("group", groupName),
	)

	id, err := LookupIdentity(userName, groupName)
	if err != nil {
		return err
	}
	if err := unix.Setgroups([]int{id.GID}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(id.GID); err != nil {
		return fmt.Errorf("setgid %d: %w", id.GID, err)
	}
	if err := unix.Setuid(id.UID); err != nil {
		return fmt.Errorf("setuid %d: %w", id.UID, err)
	}
	if err := os.Setenv("HOME", id.Home); err != nil {
		return fmt.Errorf("set HOME: %w", err)
	}

	logger.Info("dropped privileges",
		zap.Int("uid", id.UID),
		zap.Int("gid", id.GID),
		zap.String("home", id.Home),
	)
	return nil
}
