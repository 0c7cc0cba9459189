// Package adaptive provides authenticated encryption for snapshot payloads.
//
// Supported algorithms:
//
//   - AES-GCM: preferred when the CPU has AES instructions
//   - ChaCha20-Poly1305: fallback for systems without them
//   - XChaCha20-Poly1305: extended nonce variant for long-lived keys
//
// Every ciphertext carries its random nonce as a prefix, so a Cipher
// can be shared by concurrent writers.
//
// Usage:
//
//	c, err := adaptive.New(key)
//	sealed, err := c.Encrypt(plaintext, aad)
//	plaintext, err := c.Decrypt(sealed, aad)
package adaptive
