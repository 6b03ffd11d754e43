package auth

import (
	"errors"
	"net"
	"testing"

	"github.com/danmuck/nixwire/internal/store"
	"github.com/danmuck/nixwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestUsersTrust(t *testing.T) {
	testlog.Start(t)
	policy := Users{
		Trusted: []string{"alice", "@wheel"},
		Allowed: []string{"bob", "@builders"},
	}
	tests := []struct {
		name    string
		cred    Cred
		want    store.TrustLevel
		wantErr error
	}{
		{name: "root always trusted", cred: Cred{UID: 0}, want: store.Trusted},
		{name: "trusted by name", cred: Cred{UID: 1000, User: "alice"}, want: store.Trusted},
		{name: "trusted by group", cred: Cred{UID: 1001, User: "carol", Groups: []string{"users", "wheel"}}, want: store.Trusted},
		{name: "allowed by name", cred: Cred{UID: 1002, User: "bob"}, want: store.NotTrusted},
		{name: "allowed by group", cred: Cred{UID: 1003, User: "dave", Groups: []string{"builders"}}, want: store.NotTrusted},
		{name: "refused", cred: Cred{UID: 1004, User: "eve"}, want: store.TrustUnknown, wantErr: ErrUnauthorized},
		{name: "empty name never matches", cred: Cred{UID: 1005}, want: store.TrustUnknown, wantErr: ErrUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := policy.Trust(tc.cred)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDefaultUsersAllowsEveryone(t *testing.T) {
	testlog.Start(t)
	got, err := DefaultUsers().Trust(Cred{UID: 4242, User: "nobody-in-particular"})
	require.NoError(t, err)
	require.Equal(t, store.NotTrusted, got)
}

func TestFuncPolicy(t *testing.T) {
	testlog.Start(t)
	p := FuncPolicy(func(c Cred) (store.TrustLevel, error) {
		if c.PID == 1 {
			return store.Trusted, nil
		}
		return store.TrustUnknown, ErrUnauthorized
	})
	got, err := p.Trust(Cred{PID: 1})
	require.NoError(t, err)
	require.Equal(t, store.Trusted, got)
	_, err = p.Trust(Cred{PID: 2})
	require.True(t, errors.Is(err, ErrUnauthorized))
}

func TestTrustFuncRejectsNonUnixConn(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := TrustFunc(DefaultUsers())(a)
	require.ErrorIs(t, err, ErrNoCredentials)
}
