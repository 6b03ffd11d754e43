// Package auth decides the trust level of a connecting peer.
//
// A Policy maps the peer's credentials to a store.TrustLevel. Users is the
// usual policy: an allow-list of users that may connect at all and a
// shorter list whose sessions are trusted.
package auth

import (
	"errors"
	"fmt"
	"net"
	"os/user"
	"slices"
	"strconv"
	"strings"

	"github.com/danmuck/nixwire/internal/daemon"
	"github.com/danmuck/nixwire/internal/store"
)

var (
	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrNoCredentials = errors.New("auth: peer credentials unavailable")
)

// Cred identifies the process on the other end of a connection.
type Cred struct {
	PID    int32
	UID    uint32
	GID    uint32
	User   string
	Groups []string
}

func (c Cred) String() string {
	name := c.User
	if name == "" {
		name = strconv.FormatUint(uint64(c.UID), 10)
	}
	return fmt.Sprintf("%s (pid %d)", name, c.PID)
}

// Policy decides the trust level of a peer. An error refuses it.
type Policy interface {
	Trust(cred Cred) (store.TrustLevel, error)
}

// FuncPolicy adapts a function into a Policy.
type FuncPolicy func(cred Cred) (store.TrustLevel, error)

func (f FuncPolicy) Trust(cred Cred) (store.TrustLevel, error) {
	return f(cred)
}

// Users matches peers against user lists. An entry is a user name, a
// group as "@name", or "*" for everyone. Trusted users are allowed
// implicitly. Root is always trusted.
type Users struct {
	Trusted []string
	Allowed []string
}

// DefaultUsers trusts root and allows everyone.
func DefaultUsers() Users {
	return Users{Trusted: []string{"root"}, Allowed: []string{"*"}}
}

func (u Users) Trust(c Cred) (store.TrustLevel, error) {
	if c.UID == 0 || matches(u.Trusted, c) {
		return store.Trusted, nil
	}
	if matches(u.Allowed, c) {
		return store.NotTrusted, nil
	}
	return store.TrustUnknown, fmt.Errorf("%w: user %s is not allowed to connect", ErrUnauthorized, c)
}

func matches(entries []string, c Cred) bool {
	for _, e := range entries {
		e = strings.TrimSpace(e)
		switch {
		case e == "*":
			return true
		case strings.HasPrefix(e, "@"):
			if slices.Contains(c.Groups, e[1:]) {
				return true
			}
		case e != "" && e == c.User:
			return true
		}
	}
	return false
}

// Lookup fills in the user and group names of c from the system
// databases. Unknown ids leave the names empty.
func Lookup(c Cred) Cred {
	uid := strconv.FormatUint(uint64(c.UID), 10)
	u, err := user.LookupId(uid)
	if err != nil {
		return c
	}
	c.User = u.Username
	gids, err := u.GroupIds()
	if err != nil {
		gids = []string{strconv.FormatUint(uint64(c.GID), 10)}
	}
	c.Groups = c.Groups[:0]
	for _, gid := range gids {
		if g, err := user.LookupGroupId(gid); err == nil {
			c.Groups = append(c.Groups, g.Name)
		}
	}
	return c
}

// TrustFunc builds the daemon's connection hook: it reads the peer
// credentials of conn, resolves names and asks p.
func TrustFunc(p Policy) daemon.TrustFunc {
	return func(conn net.Conn) (store.TrustLevel, error) {
		cred, err := PeerCred(conn)
		if err != nil {
			return store.TrustUnknown, err
		}
		return p.Trust(Lookup(cred))
	}
}
