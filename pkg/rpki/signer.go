package rpki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"io"
)

// Signer is the minimal interface IssueCertificate and BuildCRL need
// from a signing key: the public half, and a digest -> signature
// operation. pkg/keystore's Store.Signer satisfies this without ever
// returning the private key; WrapKey adapts an in-memory one-shot EE
// key (which never touches the key store, since it is generated,
// used once, and discarded) to the same interface.
type Signer interface {
	Public() *rsa.PublicKey
	Sign(digest []byte) ([]byte, error)
}

type rawSigner struct{ key *rsa.PrivateKey }

func (r rawSigner) Public() *rsa.PublicKey { return &r.key.PublicKey }

func (r rawSigner) Sign(digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, r.key, crypto.SHA256, digest)
}

// WrapKey adapts a raw RSA private key to the Signer interface, for
// one-shot EE keys that are generated and discarded within a single
// signing operation rather than stored in the key store.
func WrapKey(key *rsa.PrivateKey) Signer { return rawSigner{key} }

// cryptoSignerAdapter bridges Signer to crypto.Signer, the interface
// crypto/x509's CreateCertificate and CreateRevocationList require.
// Both call Sign with a digest already reduced by the declared hash
// (SHA-256 throughout rpkid), so opts and rand are ignored: the real
// signing operation, and the only place private key material is
// touched, happens inside the wrapped Signer.
type cryptoSignerAdapter struct{ s Signer }

func (a cryptoSignerAdapter) Public() crypto.PublicKey { return a.s.Public() }

func (a cryptoSignerAdapter) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	return a.s.Sign(digest)
}
