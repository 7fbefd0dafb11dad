package daemon

import (
	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
)

// NotifyReady tells a supervising systemd that the daemon accepts requests.
// Outside systemd it does nothing.
func NotifyReady(logger *zap.Logger) {
	notify(sddaemon.SdNotifyReady, logger)
}

// NotifyStopping tells a supervising systemd that shutdown has begun.
func NotifyStopping(logger *zap.Logger) {
	notify(sddaemon.SdNotifyStopping, logger)
}

func notify(state string, logger *zap.Logger) {
	sent, err := sddaemon.SdNotify(false, state)
	switch {
	case err != nil:
		logger.Warn("sd_notify", zap.String("state", state), zap.Error(err))
	case sent:
		logger.Debug("sd_notify sent", zap.String("state", state))
	}
}
