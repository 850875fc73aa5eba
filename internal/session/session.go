// Package session ties the authentication output (an opened key vault) to
// the per-user core handles. The IMAP/LMTP front-ends are expected to hold
// exactly one Session (or PublicSession) per authenticated connection and
// Close it on logout, which stops background work and wipes key material.
package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/mailkeeper/internal/cryptox"
	"github.com/dmitrijs2005/mailkeeper/internal/logging"
	"github.com/dmitrijs2005/mailkeeper/internal/mail"
	"github.com/dmitrijs2005/mailkeeper/internal/storage"
)

// Session is the handle of one authenticated user.
type Session struct {
	User *mail.User

	keys *cryptox.Keys
}

// Login opens the vault with a password and builds the user handle.
// userSecret comes from the authentication source (an LDAP attribute or
// static configuration), never from the object store.
func Login(ctx context.Context, backend storage.Backend, username, userSecret, password string, log logging.Logger) (*Session, error) {
	store := backend.UserStore(username)

	keys, err := cryptox.NewVault(store).Open(ctx, userSecret, password)
	if err != nil {
		return nil, err
	}

	user, err := mail.OpenUser(ctx, username, keys, store, log)
	if err != nil {
		keys.Wipe()
		return nil, err
	}
	return &Session{User: user, keys: keys}, nil
}

// LoginWithKeys authenticates with externally managed key material instead
// of a password.
func LoginWithKeys(ctx context.Context, backend storage.Backend, username string, keys *cryptox.Keys, log logging.Logger) (*Session, error) {
	store := backend.UserStore(username)

	checked, err := cryptox.NewVault(store).OpenWithKeys(ctx, keys)
	if err != nil {
		return nil, err
	}

	user, err := mail.OpenUser(ctx, username, checked, store, log)
	if err != nil {
		checked.Wipe()
		return nil, err
	}
	return &Session{User: user, keys: checked}, nil
}

// Close stops background work and wipes the key material.
func (s *Session) Close() {
	s.User.Close()
	s.keys.Wipe()
}

// PublicSession is the deposit-only handle used by the LMTP path. It is
// built from the public key alone and cannot read any user state.
type PublicSession struct {
	dep *mail.Depositor
}

// LoginPublic builds a deposit-only session for username.
func LoginPublic(ctx context.Context, backend storage.Backend, username string, log logging.Logger) (*PublicSession, error) {
	store := backend.UserStore(username)

	keys, err := cryptox.NewVault(store).PublicOnly(ctx)
	if err != nil {
		return nil, err
	}
	dep, err := mail.NewDepositor(store, keys)
	if err != nil {
		return nil, err
	}
	return &PublicSession{dep: dep}, nil
}

// Deposit files a raw message into the user's staging area.
func (p *PublicSession) Deposit(ctx context.Context, raw []byte) (uuid.UUID, error) {
	return p.dep.Deposit(ctx, raw)
}
