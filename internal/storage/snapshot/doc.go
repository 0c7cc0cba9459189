// Package snapshot stores collected world snapshots as files.
//
// File layout:
//
//	snapshot-<ulid>.snap
//	[magic:8 "TSNAPSHT"]
//	[HeaderLen:4][HeaderJSON:HeaderLen]
//	[DataLen:4][Data:DataLen]   (JSON entities and attributes, or sealed bytes)
//	[checksum:32 SHA-256 of all bytes above]
//
// The header carries the snapshot generation, counts, preparer metadata
// and, for encrypted files, the cipher name and passphrase salt. When
// encrypted, the header bytes are the additional data of the AEAD seal.
//
// Load returns the newest snapshot whose checksum verifies and falls back
// to older files otherwise.
package snapshot
