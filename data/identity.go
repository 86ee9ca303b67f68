package data

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const IdentityClassName = "weave/v0/Identity"
const KeyPairClassName = "weave/v0/KeyPair"

func init() {
	RegisterClass(IdentityClassName, func() HashedObject {
		return &Identity{}
	})
	RegisterClass(KeyPairClassName, func() HashedObject {
		return &KeyPair{}
	})
}

// Identity is a hashed object wrapping an ed25519 public key. Its hash is
// derived from the public key alone, so it is stable whether or not the
// private key is around.
type Identity struct {
	HashedObjectBase
	PublicKey string     // base64, raw 32 bytes
	Info      *HashedMap // optional metadata

	keyPair *KeyPair
}

func NewIdentity(keyPair *KeyPair, info *HashedMap) *Identity {
	identity := &Identity{
		PublicKey: keyPair.PublicKey,
		Info:      info,
		keyPair:   keyPair,
	}
	identity.Init()
	return identity
}

func (self *Identity) ClassName() string {
	return IdentityClassName
}

func (self *Identity) CustomHash(seed string) (Hash, error) {
	return HashValueWithSeed(self.PublicKey, seed)
}

func (self *Identity) Validate(references map[Hash]HashedObject) bool {
	publicKey, err := base64.StdEncoding.DecodeString(self.PublicKey)
	return err == nil && len(publicKey) == ed25519.PublicKeySize
}

func (self *Identity) Verify(hash Hash, signature string) bool {
	publicKey, err := base64.StdEncoding.DecodeString(self.PublicKey)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	signatureBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), []byte(hash), signatureBytes)
}

func (self *Identity) Sign(hash Hash) (string, error) {
	if self.keyPair == nil {
		return "", ErrMissingKey
	}
	return self.keyPair.Sign(hash)
}

func (self *Identity) HasKeyPair() bool {
	return self.keyPair != nil
}

func (self *Identity) GetKeyPair() *KeyPair {
	return self.keyPair
}

func (self *Identity) AttachKeyPair(keyPair *KeyPair) error {
	if keyPair.PublicKey != self.PublicKey {
		return fmt.Errorf("key pair does not match identity public key")
	}
	self.keyPair = keyPair
	return nil
}

// SignChallenge signs the seeded hash of a challenge value, for transient
// authentication exchanges that never touch a store.
func (self *Identity) SignChallenge(challenge any, seed string) (string, error) {
	hash, err := HashValueWithSeed(challenge, seed)
	if err != nil {
		return "", err
	}
	return self.Sign(hash)
}

func (self *Identity) VerifyChallenge(challenge any, seed string, signature string) bool {
	hash, err := HashValueWithSeed(challenge, seed)
	if err != nil {
		return false
	}
	return self.Verify(hash, signature)
}

// KeyPair holds an ed25519 key pair. Its hash is derived from the public key,
// so a store can find the key pair for an identity without an index.
type KeyPair struct {
	HashedObjectBase
	PublicKey  string // base64, raw 32 bytes
	PrivateKey string // base64, 32 byte seed
}

func NewKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	keyPair := &KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(publicKey),
		PrivateKey: base64.StdEncoding.EncodeToString(privateKey.Seed()),
	}
	keyPair.Init()
	return keyPair, nil
}

func RequireKeyPair() *KeyPair {
	keyPair, err := NewKeyPair()
	if err != nil {
		panic(err)
	}
	return keyPair
}

func (self *KeyPair) ClassName() string {
	return KeyPairClassName
}

func (self *KeyPair) CustomHash(seed string) (Hash, error) {
	return KeyPairHashForPublicKey(self.PublicKey, seed)
}

// KeyPairHashForPublicKey computes the deterministic store hash of the key
// pair belonging to a public key.
func KeyPairHashForPublicKey(publicKey string, seed string) (Hash, error) {
	return HashValueWithSeed(publicKey, "keypair."+seed)
}

func (self *KeyPair) Validate(references map[Hash]HashedObject) bool {
	seed, err := base64.StdEncoding.DecodeString(self.PrivateKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return false
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	derivedPublic := base64.StdEncoding.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	return derivedPublic == self.PublicKey
}

func (self *KeyPair) Sign(hash Hash) (string, error) {
	seed, err := base64.StdEncoding.DecodeString(self.PrivateKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("malformed private key")
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	signature := ed25519.Sign(privateKey, []byte(hash))
	return base64.StdEncoding.EncodeToString(signature), nil
}

func (self *KeyPair) Identity() *Identity {
	return NewIdentity(self, nil)
}
