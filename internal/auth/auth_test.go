package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/refaktory/kube-workspace/internal/config"
)

// genKey returns a fresh ed25519 public key in authorized_keys format.
func genKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return string(ssh.MarshalAuthorizedKey(sshPub))
}

func TestAuthenticate(t *testing.T) {
	aliceKey := genKey(t)
	aliceSecondKey := genKey(t)
	bobKey := genKey(t)
	strangerKey := genKey(t)

	authn, err := New([]config.User{
		{Username: "alice", SSHPublicKeys: []string{aliceKey, aliceSecondKey}},
		{Username: "bob", SSHPublicKeys: []string{bobKey}},
	})
	require.NoError(t, err)

	id, err := authn.Authenticate(aliceKey)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
	assert.NotEmpty(t, id.Fingerprint)

	id, err = authn.Authenticate(aliceSecondKey)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)

	id, err = authn.Authenticate(bobKey)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.Username)

	_, err = authn.Authenticate(strangerKey)
	assert.ErrorIs(t, err, ErrUnknownKey)

	_, err = authn.Authenticate("definitely not a key")
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestNewRejectsMalformedWhitelistKey(t *testing.T) {
	_, err := New([]config.User{
		{Username: "alice", SSHPublicKeys: []string{"garbage"}},
	})
	assert.Error(t, err)
}

func TestNewRejectsSharedKey(t *testing.T) {
	shared := genKey(t)
	_, err := New([]config.User{
		{Username: "alice", SSHPublicKeys: []string{shared}},
		{Username: "bob", SSHPublicKeys: []string{shared}},
	})
	assert.Error(t, err)
}

// The same key listed twice for the same user is harmless.
func TestNewAllowsDuplicateKeySameUser(t *testing.T) {
	key := genKey(t)
	authn, err := New([]config.User{
		{Username: "alice", SSHPublicKeys: []string{key, key}},
	})
	require.NoError(t, err)

	id, err := authn.Authenticate(key)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
}
