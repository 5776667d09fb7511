package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/common"
)

func openTestStore(t *testing.T, totp TOTPVerifier) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), totp)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndAuthenticate(t *testing.T) {
	a := assert.New(t)
	store := openTestStore(t, nil)

	user, err := store.CreateUser("Alice", "correct horse battery", common.EUserRole.Operator())
	require.NoError(t, err)
	a.Equal("alice", user.Username, "usernames are lowercased")

	_, err = store.CreateUser("ALICE", "another password", common.EUserRole.Viewer())
	require.Error(t, err, "usernames are unique case-insensitively")

	got, err := store.Authenticate("alice", "correct horse battery", "")
	require.NoError(t, err)
	a.Equal(common.EUserRole.Operator(), got.Role)

	_, err = store.Authenticate("alice", "wrong", "")
	a.Error(err)
	_, err = store.Authenticate("nobody", "whatever", "")
	a.Error(err)

	_, err = store.CreateUser("bob", "short", common.EUserRole.Viewer())
	a.Error(err, "password length is enforced")
}

func TestTOTPEnrollment(t *testing.T) {
	a := assert.New(t)
	verifier := func(secret, code string) bool { return secret == "s3cret" && code == "123456" }
	store := openTestStore(t, verifier)

	_, err := store.CreateUser("alice", "correct horse battery", common.EUserRole.Operator())
	require.NoError(t, err)
	require.NoError(t, store.SetTOTPSecret("alice", "s3cret"))

	_, err = store.Authenticate("alice", "correct horse battery", "")
	a.Error(err, "enrolled users must present a code")
	_, err = store.Authenticate("alice", "correct horse battery", "000000")
	a.Error(err)
	_, err = store.Authenticate("alice", "correct horse battery", "123456")
	a.NoError(err)
}

func TestRefreshRotationAndReuse(t *testing.T) {
	a := assert.New(t)
	store := openTestStore(t, nil)
	_, err := store.CreateUser("alice", "correct horse battery", common.EUserRole.Operator())
	require.NoError(t, err)

	first, err := store.IssueRefresh("alice")
	require.NoError(t, err)

	second, user, err := store.RotateRefresh(first)
	require.NoError(t, err)
	a.Equal("alice", user.Username)
	a.NotEqual(first, second)

	// the old token is burnt; replaying it fails
	_, _, err = store.RotateRefresh(first)
	a.Error(err)

	// the replacement still works
	third, _, err := store.RotateRefresh(second)
	require.NoError(t, err)

	require.NoError(t, store.RevokeRefresh(third))
	_, _, err = store.RotateRefresh(third)
	a.Error(err, "revoked on logout")
}

func TestAPIKeys(t *testing.T) {
	a := assert.New(t)
	store := openTestStore(t, nil)
	_, err := store.CreateUser("alice", "correct horse battery", common.EUserRole.Admin())
	require.NoError(t, err)

	key, err := store.CreateAPIKey("alice", "ci")
	require.NoError(t, err)
	a.True(strings.HasPrefix(key, APIKeyPrefix))
	a.Len(key, len(APIKeyPrefix)+32)

	user, err := store.LookupAPIKey(key)
	require.NoError(t, err)
	a.Equal("alice", user.Username)

	_, err = store.LookupAPIKey(APIKeyPrefix + strings.Repeat("0", 32))
	a.Error(err)
	_, err = store.LookupAPIKey("bearer-not-a-key")
	a.Error(err)

	require.NoError(t, store.RevokeAPIKey(key))
	_, err = store.LookupAPIKey(key)
	a.Error(err)
}

func TestDisabledUser(t *testing.T) {
	a := assert.New(t)
	store := openTestStore(t, nil)
	_, err := store.CreateUser("alice", "correct horse battery", common.EUserRole.Operator())
	require.NoError(t, err)
	key, err := store.CreateAPIKey("alice", "")
	require.NoError(t, err)
	refresh, err := store.IssueRefresh("alice")
	require.NoError(t, err)

	require.NoError(t, store.SetDisabled("alice", true))

	_, err = store.Authenticate("alice", "correct horse battery", "")
	a.Error(err)
	_, err = store.LookupAPIKey(key)
	a.Error(err)
	_, _, err = store.RotateRefresh(refresh)
	a.Error(err)
}

func TestAccessTokens(t *testing.T) {
	a := assert.New(t)
	issuer := NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), time.Minute)
	user := &User{Username: "alice", Role: common.EUserRole.Admin()}

	token, expires, err := issuer.Issue(user)
	require.NoError(t, err)
	a.True(expires.After(common.UTCNow()))

	id, err := issuer.Verify(token)
	require.NoError(t, err)
	a.Equal("alice", id.Username)
	a.Equal(common.EUserRole.Admin(), id.Role)

	_, err = issuer.Verify(token + "x")
	a.Error(err)

	other := NewTokenIssuer([]byte("another-secret-another-secret!!!"), time.Minute)
	_, err = other.Verify(token)
	a.Error(err, "tokens are bound to the signing secret")

	expired := NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), -time.Hour)
	tok, _, err := expired.Issue(user)
	require.NoError(t, err)
	_, err = issuer.Verify(tok)
	a.Error(err)
}
