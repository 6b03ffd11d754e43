package config

import (
	"github.com/danmuck/nixwire/internal/auth"
	"github.com/danmuck/nixwire/internal/daemon"
	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/wire"
)

// ServerConfig converts c into the daemon's runtime settings. The trust
// hook is derived from the user lists.
func (c DaemonConfig) ServerConfig() (daemon.Config, error) {
	if err := Validate(c); err != nil {
		return daemon.Config{}, err
	}
	lo, hi, _ := c.Versions()
	return daemon.Config{
		Handshake: daemon.HandshakeConfig{
			MinVersion: lo,
			MaxVersion: hi,
			Features:   append([]string(nil), c.Features...),
			NixVersion: protocol.NixVersion,
		},
		StoreDir: c.StoreDir,
		Limits: wire.Limits{
			MaxStringBytes: c.Limits.MaxStringBytes,
			MaxListLen:     c.Limits.MaxListLen,
			MaxFrameBytes:  c.Limits.MaxFrameBytes,
		},
		Trust: auth.TrustFunc(c.Users()),
	}, nil
}

func (c DaemonConfig) Users() auth.Users {
	return auth.Users{Trusted: c.TrustedUsers, Allowed: c.AllowedUsers}
}
