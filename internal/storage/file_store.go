package storage

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// FileKV keeps each value in its own file under dir. Keys are hex-encoded so
// arbitrary key strings stay filesystem-safe. Writes are last-writer-wins
// per key, which is all the session metadata store needs.
type FileKV struct{ dir string }

func NewFileKV(dir string) *FileKV {
	_ = os.MkdirAll(dir, 0o700)
	return &FileKV{dir: dir}
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, hex.EncodeToString([]byte(key))+".kv")
}

func (f *FileKV) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return b, err
}

func (f *FileKV) Set(_ context.Context, key string, value []byte) error {
	return os.WriteFile(f.path(key), value, 0o600)
}

func (f *FileKV) Remove(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileKV) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".kv")
		if name == e.Name() {
			continue
		}
		raw, err := hex.DecodeString(name)
		if err != nil {
			continue
		}
		if strings.HasPrefix(string(raw), prefix) {
			out = append(out, string(raw))
		}
	}
	return out, nil
}
