package cryptox

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/mailkeeper/internal/common"
	"github.com/dmitrijs2005/mailkeeper/internal/storage"
)

// The vault lives in the KV partition "keys":
//
//	salt              -> 32 random bytes, fixed at first init
//	public            -> curve25519 public key, in the clear
//	password:<hex16>  -> per-entry salt ∥ sealed(secret key ∥ master key)
//
// A user may hold several password entries; all of them decrypt to the same
// key material.
const (
	keysPartition  = "keys"
	saltSort       = "salt"
	publicSort     = "public"
	passwordPrefix = "password:"
)

// Keys is the decrypted key material of one user. Secret and Master are nil
// on a public-only capability.
type Keys struct {
	Master []byte
	Public []byte
	Secret []byte
}

// CanRead reports whether this is a full capability (as opposed to a
// deposit-only one).
func (k *Keys) CanRead() bool {
	return k != nil && k.Master != nil && k.Secret != nil
}

// Wipe zeroizes the sensitive halves. Call on session end.
func (k *Keys) Wipe() {
	common.WipeByteArray(k.Master)
	common.WipeByteArray(k.Secret)
	k.Master = nil
	k.Secret = nil
}

// Vault manages the per-user key material stored in the KV partition "keys".
type Vault struct {
	rows storage.RowStore
}

func NewVault(rows storage.RowStore) *Vault {
	return &Vault{rows: rows}
}

// Initialize creates the vault for a fresh user: salt, keypair, master key
// and one password entry. Fails with ErrVaultExists if salt or public are
// already present.
func (v *Vault) Initialize(ctx context.Context, userSecret, password string) (*Keys, error) {
	salt := common.GenerateRandByteArray(SaltSize)
	pk, sk, err := GenKeypair()
	if err != nil {
		return nil, err
	}
	mk := GenKey()

	if err := v.rows.RowCAS(ctx, keysPartition, saltSort, nil, salt); err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, common.ErrVaultExists
		}
		return nil, err
	}
	if err := v.rows.RowCAS(ctx, keysPartition, publicSort, nil, pk); err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, common.ErrVaultExists
		}
		return nil, err
	}

	if err := v.addPasswordEntry(ctx, salt, userSecret, password, sk, mk); err != nil {
		return nil, err
	}

	return &Keys{Master: mk, Public: pk, Secret: sk}, nil
}

// InitializeWithKeys creates the vault from caller-provided key material,
// without any password entry. Used when keys are managed externally
// (keypair-based accounts).
func (v *Vault) InitializeWithKeys(ctx context.Context, k *Keys) error {
	if !k.CanRead() || len(k.Public) != KeySize {
		return fmt.Errorf("%w: incomplete key material", common.ErrInternal)
	}
	pub, err := PublicFromSecret(k.Secret)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(pub, k.Public) != 1 {
		return fmt.Errorf("%w: public key does not match secret key", common.ErrCorrupt)
	}

	salt := common.GenerateRandByteArray(SaltSize)
	if err := v.rows.RowCAS(ctx, keysPartition, saltSort, nil, salt); err != nil {
		if errors.Is(err, common.ErrConflict) {
			return common.ErrVaultExists
		}
		return err
	}
	if err := v.rows.RowCAS(ctx, keysPartition, publicSort, nil, k.Public); err != nil {
		if errors.Is(err, common.ErrConflict) {
			return common.ErrVaultExists
		}
		return err
	}
	return nil
}

// Open recovers the key material with one of the user's passwords.
func (v *Vault) Open(ctx context.Context, userSecret, password string) (*Keys, error) {
	salt, err := v.rows.RowGet(ctx, keysPartition, saltSort)
	if err != nil {
		return nil, fmt.Errorf("vault salt: %w", err)
	}

	name := passwordEntryName(password, salt.Value)
	entry, err := v.rows.RowGet(ctx, keysPartition, name)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrBadPassword
		}
		return nil, err
	}
	if len(entry.Value) < SaltSize+NonceSize {
		return nil, fmt.Errorf("%w: truncated password entry", common.ErrCorrupt)
	}

	skey := entry.Value[:SaltSize]
	sealed := entry.Value[SaltSize:]

	key := DeriveKey(append([]byte(userSecret), password...), skey)
	defer common.WipeByteArray(key)

	payload, err := Open(sealed, key)
	if err != nil {
		if errors.Is(err, common.ErrCorrupt) {
			return nil, common.ErrBadPassword
		}
		return nil, err
	}
	if len(payload) != 2*KeySize {
		return nil, fmt.Errorf("%w: bad key payload length %d", common.ErrCorrupt, len(payload))
	}

	sk := payload[:KeySize]
	mk := payload[KeySize:]

	pub, err := v.rows.RowGet(ctx, keysPartition, publicSort)
	if err != nil {
		return nil, fmt.Errorf("vault public key: %w", err)
	}
	derived, err := PublicFromSecret(sk)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(derived, pub.Value) != 1 {
		return nil, fmt.Errorf("%w: stored public key does not match secret key", common.ErrCorrupt)
	}

	return &Keys{Master: mk, Public: pub.Value, Secret: sk}, nil
}

// OpenWithKeys checks caller-provided key material against the stored
// public key and returns it as a capability.
func (v *Vault) OpenWithKeys(ctx context.Context, k *Keys) (*Keys, error) {
	if !k.CanRead() {
		return nil, fmt.Errorf("%w: incomplete key material", common.ErrInternal)
	}
	pub, err := v.rows.RowGet(ctx, keysPartition, publicSort)
	if err != nil {
		return nil, fmt.Errorf("vault public key: %w", err)
	}
	derived, err := PublicFromSecret(k.Secret)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(derived, pub.Value) != 1 {
		return nil, common.ErrBadPassword
	}
	return &Keys{Master: k.Master, Public: pub.Value, Secret: k.Secret}, nil
}

// PublicOnly returns the deposit-only capability: just the public key.
func (v *Vault) PublicOnly(ctx context.Context) (*Keys, error) {
	pub, err := v.rows.RowGet(ctx, keysPartition, publicSort)
	if err != nil {
		return nil, fmt.Errorf("vault public key: %w", err)
	}
	return &Keys{Public: pub.Value}, nil
}

// AddPassword opens the vault with an existing password and registers an
// additional one. Existing entries are left untouched.
func (v *Vault) AddPassword(ctx context.Context, userSecret, password, newPassword string) error {
	keys, err := v.Open(ctx, userSecret, password)
	if err != nil {
		return err
	}
	defer keys.Wipe()

	salt, err := v.rows.RowGet(ctx, keysPartition, saltSort)
	if err != nil {
		return fmt.Errorf("vault salt: %w", err)
	}
	return v.addPasswordEntry(ctx, salt.Value, userSecret, newPassword, keys.Secret, keys.Master)
}

// RemovePassword deletes the entry matching password. Unless force is set,
// it refuses to delete the last remaining entry, which would lock the user
// out of password-based login for good.
func (v *Vault) RemovePassword(ctx context.Context, password string, force bool) error {
	salt, err := v.rows.RowGet(ctx, keysPartition, saltSort)
	if err != nil {
		return fmt.Errorf("vault salt: %w", err)
	}

	name := passwordEntryName(password, salt.Value)
	if _, err := v.rows.RowGet(ctx, keysPartition, name); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.ErrBadPassword
		}
		return err
	}

	if !force {
		entries, err := v.ListPasswordEntries(ctx)
		if err != nil {
			return err
		}
		if len(entries) <= 1 {
			return fmt.Errorf("refusing to remove the last password entry")
		}
	}

	return v.rows.RowDelete(ctx, keysPartition, name)
}

// ListPasswordEntries returns the digest names of all password entries.
func (v *Vault) ListPasswordEntries(ctx context.Context) ([]string, error) {
	items, err := v.rows.RowRange(ctx, keysPartition, passwordPrefix, passwordPrefix+"\xff", 0)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Sort)
	}
	return names, nil
}

func (v *Vault) addPasswordEntry(ctx context.Context, salt []byte, userSecret, password string, sk, mk []byte) error {
	name := passwordEntryName(password, salt)

	skey := common.GenerateRandByteArray(SaltSize)
	key := DeriveKey(append([]byte(userSecret), password...), skey)
	defer common.WipeByteArray(key)

	payload := make([]byte, 0, 2*KeySize)
	payload = append(payload, sk...)
	payload = append(payload, mk...)
	sealed, err := Seal(payload, key)
	common.WipeByteArray(payload)
	if err != nil {
		return err
	}

	value := make([]byte, 0, SaltSize+len(sealed))
	value = append(value, skey...)
	value = append(value, sealed...)
	return v.rows.RowInsert(ctx, keysPartition, name, value)
}

func passwordEntryName(password string, salt []byte) string {
	digest := NameDigest([]byte(password), salt)
	return passwordPrefix + hex.EncodeToString(digest)
}
