/*
Package security provides the at-rest encryption envelope used by
pkg/keystore to protect RPKI private keys.

# Master Key

All at-rest encryption is rooted in one master key derived from a
locally generated seed:

	masterKey = SHA-256(seed)  // 32 bytes for AES-256

The key store's master key is derived from the same seed at every
daemon start and never rotated. It is held only in memory for the
lifetime of the daemon process.

# Secrets Encryption

SecretsManager encrypts and decrypts byte payloads using AES-256 in
Galois/Counter Mode (GCM), providing authenticated encryption:

	Plaintext → AES-256-GCM → Nonce || Ciphertext || Tag
	                ↑
	            32-byte key

Key features:
  - Authenticated encryption (integrity + confidentiality)
  - Random nonce per encryption (no nonce reuse)
  - A fresh SecretsManager per key store instance, not a process-global

pkg/keystore is SecretsManager's only caller: every private key written
to disk is first marshaled to its PKCS#1 DER form, then
wrapped with EncryptSecret before the ciphertext is written atomically
(write-to-temp, rename). Decryption happens once per key, on first use,
and the plaintext key is cached in memory for the life of the process.
*/
package security
