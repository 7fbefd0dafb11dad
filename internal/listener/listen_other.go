//go:build !linux && !darwin

package listener

import "net"

// listenUnix falls back to the runtime's default backlog.
func listenUnix(path string, _ int) (net.Listener, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	return ln, nil
}
