// Package vaultkeys derives and guards the per-tag key material: the key
// encryption key built from a successful authentication, the wrapped data
// keys it protects, and the vault object encryption on top of them.
package vaultkeys

import (
	"errors"
	"fmt"

	"github.com/iskrov/kotori-sub005/internal/crypto"
	"github.com/iskrov/kotori-sub005/internal/storage"
)

const DataKeySize = 32

var (
	ErrUnwrapFailed  = errors.New("vaultkeys: unwrap failed")
	ErrDecryptFailed = errors.New("vaultkeys: object decryption failed")
)

// DataKey is an unwrapped vault key bound to its vault and purpose.
type DataKey struct {
	VaultID string
	Purpose string
	Key     []byte
}

// Destroy wipes the key bytes.
func (d *DataKey) Destroy() {
	crypto.Zero(d.Key)
	d.Key = nil
}

// DeriveKEK combines the PAKE export key with the phrase hash locator into
// the key-encryption key for a tag's wrapped keys. Both inputs are required:
// the export key never leaves the client and the locator binds the KEK to
// exactly one tag. The result is never persisted.
func DeriveKEK(exportKey, phraseHash []byte) ([]byte, error) {
	return crypto.DeriveSubkey(exportKey, phraseHash, crypto.ContextKEK)
}

// NewDataKey generates a fresh random vault data key.
func NewDataKey(vaultID, purpose string) (DataKey, error) {
	key, err := crypto.RandomKey()
	if err != nil {
		return DataKey{}, err
	}
	return DataKey{VaultID: vaultID, Purpose: purpose, Key: key}, nil
}

// WrapKey encrypts a data key under the KEK for upload.
func WrapKey(kek []byte, dk DataKey, tagID string, version int) (storage.WrappedKeyRecord, error) {
	wrapped, err := crypto.Wrap(kek, dk.Key)
	if err != nil {
		return storage.WrappedKeyRecord{}, fmt.Errorf("vaultkeys: wrap: %w", err)
	}
	return storage.WrappedKeyRecord{
		TagID:   tagID,
		VaultID: dk.VaultID,
		Purpose: dk.Purpose,
		Version: version,
		Wrapped: wrapped,
	}, nil
}

// UnwrapAll unwraps every wrapped key owned by the authenticated tag. A
// single failure aborts the whole batch and wipes the keys already
// unwrapped: partial vault access is not permitted.
func UnwrapAll(kek []byte, recs []storage.WrappedKeyRecord) ([]DataKey, error) {
	out := make([]DataKey, 0, len(recs))
	for _, rec := range recs {
		key, err := crypto.Unwrap(kek, rec.Wrapped)
		if err != nil {
			for i := range out {
				out[i].Destroy()
			}
			return nil, ErrUnwrapFailed
		}
		out = append(out, DataKey{VaultID: rec.VaultID, Purpose: rec.Purpose, Key: key})
	}
	return out, nil
}

// objectAAD binds a blob to its vault and object identity so a ciphertext
// cannot be replayed under another name.
func objectAAD(vaultID, objectID string) []byte {
	return []byte(vaultID + "/" + objectID)
}

// EncryptObject seals plaintext into a vault blob under the vault's data
// key, with the (vaultId, objectId) pair as associated data.
func EncryptObject(dk DataKey, objectID, contentType string, plaintext []byte) (storage.ObjectRecord, error) {
	nonce, ct, tag, err := crypto.AEADSeal(dk.Key, plaintext, objectAAD(dk.VaultID, objectID))
	if err != nil {
		return storage.ObjectRecord{}, err
	}
	return storage.ObjectRecord{
		VaultID:     dk.VaultID,
		ObjectID:    objectID,
		IV:          nonce,
		Ciphertext:  ct,
		AuthTag:     tag,
		Size:        len(plaintext),
		ContentType: contentType,
	}, nil
}

// DecryptObject authenticates and opens a vault blob. Substituted or
// tampered blobs fail closed.
func DecryptObject(dk DataKey, rec storage.ObjectRecord) ([]byte, error) {
	pt, err := crypto.AEADOpen(dk.Key, rec.IV, rec.Ciphertext, rec.AuthTag, objectAAD(rec.VaultID, rec.ObjectID))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}
