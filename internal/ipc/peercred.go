package ipc

import "errors"

// ErrPeerCredUnsupported is returned where the platform cannot report the
// credentials of a socket peer.
var ErrPeerCredUnsupported = errors.New("ipc: peer credentials unsupported on this platform")

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}
