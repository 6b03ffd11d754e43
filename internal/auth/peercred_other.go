//go:build !linux

package auth

import (
	"fmt"
	"net"
	"runtime"
)

func PeerCred(conn net.Conn) (Cred, error) {
	return Cred{}, fmt.Errorf("%w: not supported on %s", ErrNoCredentials, runtime.GOOS)
}
