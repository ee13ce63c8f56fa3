package control

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckerGrantsOnlyBakedPermissions(t *testing.T) {
	c := NewChecker([]byte("test-root-key-0123456789abcdef"))

	mac, err := c.Bake([]byte("id-1"), []Permission{{Entity: "friend", Action: "write"}})
	require.NoError(t, err)

	require.NoError(t, c.Check(mac, "AddFriend"))
	require.ErrorIs(t, c.Check(mac, "CreatePayment"), ErrPermissionDenied)
}

func TestCheckerRejectsWrongRootKey(t *testing.T) {
	c := NewChecker([]byte("root-key-a-0123456789abcdef012345"))
	other := NewChecker([]byte("root-key-b-0123456789abcdef012345"))

	mac, err := c.Bake([]byte("id-1"), []Permission{{Entity: "friend", Action: "write"}})
	require.NoError(t, err)

	require.ErrorIs(t, other.Check(mac, "AddFriend"), ErrPermissionDenied)
}

func TestCheckerRejectsUnknownMethod(t *testing.T) {
	c := NewChecker([]byte("test-root-key-0123456789abcdef"))
	mac, err := c.Bake([]byte("id-1"), []Permission{{Entity: "friend", Action: "write"}})
	require.NoError(t, err)

	err = c.Check(mac, "NotARealMethod")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPermissionDenied)
}
