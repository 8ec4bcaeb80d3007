package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"runtime"

	"github.com/google/uuid"

	"github.com/iskrov/kotori-sub005/internal/storage"
)

const fingerprintKey = "device/fingerprint"

// LoadFingerprint returns the stable device fingerprint, generating and
// persisting one on first use. The fingerprint is a hash over a random
// install id plus coarse host facts, so it identifies the install without
// exposing anything about the host.
func LoadFingerprint(ctx context.Context, kv storage.KV) (string, error) {
	if b, err := kv.Get(ctx, fingerprintKey); err == nil && len(b) > 0 {
		return string(b), nil
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	host, _ := os.Hostname()
	h := sha256.New()
	h.Write([]byte(uuid.NewString()))
	h.Write([]byte(host))
	h.Write([]byte(runtime.GOOS))
	h.Write([]byte(runtime.GOARCH))
	fp := hex.EncodeToString(h.Sum(nil))[:16]

	if err := kv.Set(ctx, fingerprintKey, []byte(fp)); err != nil {
		return "", err
	}
	return fp, nil
}
