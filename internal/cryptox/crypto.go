// Package cryptox implements the encryption primitives shared by the state
// engine and the key vault: authenticated symmetric blobs (zstd-compressed,
// then XSalsa20-Poly1305), anonymous sealed boxes for the credential-less
// deposit path, and the argon2id derivations.
package cryptox

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/dmitrijs2005/mailkeeper/internal/common"
)

const (
	// KeySize is the size of symmetric keys and of curve25519 key halves.
	KeySize = 32

	// NonceSize is the XSalsa20-Poly1305 nonce, prepended to sealed blobs.
	NonceSize = 24

	// SaltSize is the size of all argon2 salts.
	SaltSize = 32
)

var (
	zenc, _ = zstd.NewWriter(nil)
	zdec, _ = zstd.NewReader(nil)
)

// GenKey returns a fresh random symmetric key.
func GenKey() []byte {
	return common.GenerateRandByteArray(KeySize)
}

// GenKeypair returns a fresh curve25519 (public, secret) pair.
func GenKeypair() (pk, sk []byte, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub[:], priv[:], nil
}

// PublicFromSecret recomputes the curve25519 public half of sk.
func PublicFromSecret(sk []byte) ([]byte, error) {
	if len(sk) != KeySize {
		return nil, fmt.Errorf("%w: bad secret key length %d", common.ErrCorrupt, len(sk))
	}
	return curve25519.X25519(sk, curve25519.Basepoint)
}

// Seal compresses plain with zstd and encrypts it under key with a random
// nonce. Layout: nonce ∥ ciphertext.
func Seal(plain, key []byte) ([]byte, error) {
	k, err := toKey(key)
	if err != nil {
		return nil, err
	}

	compressed := zenc.EncodeAll(plain, make([]byte, 0, len(plain)/2+64))

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	return secretbox.Seal(nonce[:], compressed, &nonce, k), nil
}

// Open reverses Seal. Any authentication or framing failure is ErrCorrupt;
// it is up to the caller to reinterpret that (the vault turns it into
// ErrBadPassword).
func Open(blob, key []byte) ([]byte, error) {
	k, err := toKey(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < NonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrCorrupt)
	}
	var nonce [NonceSize]byte
	copy(nonce[:], blob[:NonceSize])

	compressed, ok := secretbox.Open(nil, blob[NonceSize:], &nonce, k)
	if !ok {
		return nil, fmt.Errorf("%w: could not decrypt blob", common.ErrCorrupt)
	}

	plain, err := zdec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompression failed: %v", common.ErrCorrupt, err)
	}
	return plain, nil
}

// SealJSON serializes v to JSON and seals it.
func SealJSON(v any, key []byte) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Seal(plain, key)
}

// OpenJSON opens blob and unmarshals the plaintext into v.
func OpenJSON(blob, key []byte, v any) error {
	plain, err := Open(blob, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: bad serialized payload: %v", common.ErrCorrupt, err)
	}
	return nil
}

// SealBox encrypts plain so that only the holder of the secret half of pk
// can read it. No credentials beyond the public key are needed, which is
// what lets mail be deposited into an account nobody is logged into.
func SealBox(plain, pk []byte) ([]byte, error) {
	p, err := toKey(pk)
	if err != nil {
		return nil, err
	}
	return box.SealAnonymous(nil, plain, p, rand.Reader)
}

// OpenBox decrypts a SealBox blob with the full keypair.
func OpenBox(blob, pk, sk []byte) ([]byte, error) {
	p, err := toKey(pk)
	if err != nil {
		return nil, err
	}
	s, err := toKey(sk)
	if err != nil {
		return nil, err
	}
	plain, ok := box.OpenAnonymous(nil, blob, p, s)
	if !ok {
		return nil, fmt.Errorf("%w: could not open sealed box", common.ErrCorrupt)
	}
	return plain, nil
}

// NameDigest derives the 16-byte digest used to name a vault password entry.
// Parameters are deliberately modest: the digest only has to be a stable,
// non-reversible key name, the real work factor sits in DeriveKey.
func NameDigest(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, 3, 4096, 1, 16)
}

// DeriveKey derives the 32-byte envelope encryption key from a secret and a
// per-entry salt.
func DeriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, KeySize)
}

func toKey(b []byte) (*[KeySize]byte, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: bad key length %d", common.ErrCorrupt, len(b))
	}
	var k [KeySize]byte
	copy(k[:], b)
	return &k, nil
}
