// Package auth maps presented SSH public keys to whitelisted usernames.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/refaktory/kube-workspace/internal/config"
)

var (
	// ErrUnknownKey is returned when the presented key parses but is not
	// bound to any whitelisted user.
	ErrUnknownKey = errors.New("unknown public key")

	// ErrMalformedKey is returned when the presented key material cannot
	// be parsed as an OpenSSH public key.
	ErrMalformedKey = errors.New("malformed public key")
)

// Identity is the result of a successful authentication.
type Identity struct {
	// Username is the whitelisted account bound to the presented key.
	Username string
	// Fingerprint is the SHA256 fingerprint of the matched key.
	Fingerprint string
}

// Authenticator resolves public keys against a static whitelist.
//
// The index is built once and never mutated, so lookups are safe from any
// number of goroutines without locking. Hot reload is done by constructing
// a new Authenticator and swapping the reference atomically.
type Authenticator struct {
	byFingerprint map[string]Identity
}

// New builds an Authenticator from the configured whitelist. Every key is
// parsed eagerly so malformed whitelist entries fail at startup rather
// than at first login, and a fingerprint shared by two users is rejected
// because it would make authentication ambiguous.
func New(users []config.User) (*Authenticator, error) {
	index := make(map[string]Identity)
	for _, user := range users {
		for _, raw := range user.SSHPublicKeys {
			key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("auth: invalid public key for user %q: %w", user.Username, err)
			}
			fp := ssh.FingerprintSHA256(key)
			if prev, ok := index[fp]; ok && prev.Username != user.Username {
				return nil, fmt.Errorf(
					"auth: users %q and %q share the key %s", prev.Username, user.Username, fp)
			}
			index[fp] = Identity{Username: user.Username, Fingerprint: fp}
		}
	}
	return &Authenticator{byFingerprint: index}, nil
}

// Authenticate resolves the presented public key material to an identity.
// It accepts the full OpenSSH-format key and fingerprints it internally.
func (a *Authenticator) Authenticate(presented string) (Identity, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(presented))
	if err != nil {
		return Identity{}, ErrMalformedKey
	}
	id, ok := a.byFingerprint[ssh.FingerprintSHA256(key)]
	if !ok {
		return Identity{}, ErrUnknownKey
	}
	return id, nil
}
