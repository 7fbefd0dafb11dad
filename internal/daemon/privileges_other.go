//go:build !linux && !darwin

package daemon

import "go.uber.org/zap"

// DropPrivileges is a no-op where setuid is unavailable.
func DropPrivileges(userName, groupName string, logger *zap.Logger) error {
	logger.Debug("privilege drop unsupported on this platform", zap.String("user", userName))
	return nil
}
