// Package keystore holds RPKI signing key material at rest, encrypted
// with pkg/security's AES-256-GCM envelope: a single symmetric key
// (derived once and never rotated) wraps every private key before it
// touches disk.
package keystore

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpki"
	"github.com/cuemby/rpkid/pkg/security"
)

// KeyPair is a generated signing key plus its key identifier.
type KeyPair struct {
	KI  resources.KI
	Key *rsa.PrivateKey
}

// Store manages RSA-2048 key pairs (the algorithm RFC 7935 mandates
// for RPKI CA and EE keys) encrypted at rest under a single
// data-directory-scoped master key. Each key is written as its own
// file named by its key identifier, so a key can be destroyed (for
// key rollover finalization) without touching any other key.
type Store struct {
	dir   string
	sm    *security.SecretsManager
	mu    sync.RWMutex
	cache map[resources.KI]*rsa.PrivateKey
}

// Open opens (creating if absent) a key store rooted at dir, wrapping
// every key with masterKey via a security.SecretsManager. The key
// store never writes masterKey, or the seed it is derived from, to disk.
func Open(dir string, masterKey []byte) (*Store, error) {
	sm, err := security.NewSecretsManager(masterKey)
	if err != nil {
		return nil, fmt.Errorf("keystore master key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key store dir %s: %w", dir, err)
	}
	return &Store{dir: dir, sm: sm, cache: make(map[resources.KI]*rsa.PrivateKey)}, nil
}

// DeriveMasterKey derives a 32-byte AES key from an arbitrary-length
// seed, delegating to security.DeriveKey.
func DeriveMasterKey(seed []byte) []byte {
	return security.DeriveKey(seed)
}

// Create generates a new RSA-2048 key pair, persists it encrypted,
// and returns its key identifier.
func (s *Store) Create() (resources.KI, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return resources.KI{}, fmt.Errorf("generate key: %w", err)
	}
	ki, err := resources.KIFromPublicKey(&priv.PublicKey)
	if err != nil {
		return resources.KI{}, fmt.Errorf("derive key identifier: %w", err)
	}
	if err := s.persist(ki, priv); err != nil {
		return resources.KI{}, err
	}

	s.mu.Lock()
	s.cache[ki] = priv
	s.mu.Unlock()
	return ki, nil
}

// Sign signs digest (already hashed by the caller) with the private
// key identified by ki. It never returns the key itself.
func (s *Store) Sign(ki resources.KI, digest []byte) ([]byte, error) {
	priv, err := s.load(ki)
	if err != nil {
		return nil, err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest)
	if err != nil {
		return nil, fmt.Errorf("sign with key %s: %w", ki, err)
	}
	return sig, nil
}

// PublicKey returns the public key for ki, for embedding in
// certificates and for callers verifying a signature produced by
// Sign.
func (s *Store) PublicKey(ki resources.KI) (*rsa.PublicKey, error) {
	priv, err := s.load(ki)
	if err != nil {
		return nil, err
	}
	return &priv.PublicKey, nil
}

// keySigner adapts a stored key to rpki.Signer: Sign goes back through
// the store, so the private key itself never leaves this package.
type keySigner struct {
	store *Store
	ki    resources.KI
	pub   *rsa.PublicKey
}

func (k keySigner) Public() *rsa.PublicKey { return k.pub }

func (k keySigner) Sign(digest []byte) ([]byte, error) {
	return k.store.Sign(k.ki, digest)
}

// Signer returns an rpki.Signer backed by the stored key ki, for
// issuing certificates and CRLs over a resource class's long-lived
// key without the caller ever holding its private bytes.
func (s *Store) Signer(ki resources.KI) (rpki.Signer, error) {
	pub, err := s.PublicKey(ki)
	if err != nil {
		return nil, err
	}
	return keySigner{store: s, ki: ki, pub: pub}, nil
}

// Destroy permanently removes a key's encrypted material. Called only
// once a key roll has advanced the resource class past needing the
// revoked key to verify anything.
func (s *Store) Destroy(ki resources.KI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, ki)
	path := s.path(ki)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("destroy key %s: %w", ki, err)
	}
	return nil
}

// Ping is a cheap liveness probe for health.KeyStoreChecker: it
// confirms the key store directory is still readable.
func (s *Store) Ping() error {
	_, err := os.Stat(s.dir)
	return err
}

func (s *Store) load(ki resources.KI) (*rsa.PrivateKey, error) {
	s.mu.RLock()
	if priv, ok := s.cache[ki]; ok {
		s.mu.RUnlock()
		return priv, nil
	}
	s.mu.RUnlock()

	raw, err := os.ReadFile(s.path(ki))
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", ki, err)
	}
	plaintext, err := s.sm.DecryptSecret(raw)
	if err != nil {
		return nil, fmt.Errorf("decrypt key %s: %w", ki, err)
	}
	priv, err := x509.ParsePKCS1PrivateKey(plaintext)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", ki, err)
	}

	s.mu.Lock()
	s.cache[ki] = priv
	s.mu.Unlock()
	return priv, nil
}

func (s *Store) persist(ki resources.KI, priv *rsa.PrivateKey) error {
	der := x509.MarshalPKCS1PrivateKey(priv)
	ciphertext, err := s.sm.EncryptSecret(der)
	if err != nil {
		return fmt.Errorf("encrypt key %s: %w", ki, err)
	}
	tmp := s.path(ki) + ".tmp"
	if err := os.WriteFile(tmp, ciphertext, 0o600); err != nil {
		return fmt.Errorf("write key %s: %w", ki, err)
	}
	if err := os.Rename(tmp, s.path(ki)); err != nil {
		return fmt.Errorf("rename key %s into place: %w", ki, err)
	}
	return nil
}

func (s *Store) path(ki resources.KI) string {
	return filepath.Join(s.dir, ki.String()+".key")
}
