package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrDuplicatePhrase = errors.New("storage: phrase hash already registered")
	ErrDuplicateObject = errors.New("storage: object already exists")
)

// TagRecord is the server-visible state for one registered secret tag. The
// opaque registration record never reveals the phrase; PhraseHash is the
// one-way locator and CredentialID the random identifier pinned at
// registration. TagID is random and never derived from the phrase or name.
type TagRecord struct {
	TagID        string    `bson:"_id" json:"tagId"`
	Name         string    `bson:"name" json:"name"`
	ColorHint    string    `bson:"colorHint" json:"colorHint"`
	Salt         []byte    `bson:"salt" json:"salt"`
	PhraseHash   []byte    `bson:"phraseHash" json:"-"`
	CredentialID []byte    `bson:"credentialId" json:"-"`
	Record       []byte    `bson:"record" json:"-"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
}

// WrappedKeyRecord stores a vault data key encrypted under the tag's KEK.
// The KEK itself is never stored anywhere.
type WrappedKeyRecord struct {
	TagID   string `bson:"tagId" json:"tagId"`
	VaultID string `bson:"vaultId" json:"vaultId"`
	Purpose string `bson:"purpose" json:"purpose"`
	Version int    `bson:"version" json:"version"`
	Wrapped []byte `bson:"wrapped" json:"wrappedDataKey"`
}

// ObjectRecord is an encrypted vault object. The store never decrypts it.
type ObjectRecord struct {
	VaultID     string    `bson:"vaultId" json:"vaultId"`
	ObjectID    string    `bson:"objectId" json:"objectId"`
	IV          []byte    `bson:"iv" json:"iv"`
	Ciphertext  []byte    `bson:"ciphertext" json:"ciphertext"`
	AuthTag     []byte    `bson:"authTag" json:"authTag"`
	Size        int       `bson:"size" json:"size"`
	ContentType string    `bson:"contentType" json:"contentType"`
	CreatedAt   time.Time `bson:"createdAt" json:"createdAt"`
}

type TagStore interface {
	CreateTag(ctx context.Context, rec TagRecord) error
	GetTag(ctx context.Context, tagID string) (TagRecord, error)
	ListTags(ctx context.Context) ([]TagRecord, error)
	DeleteTag(ctx context.Context, tagID string) error
	AddWrappedKey(ctx context.Context, rec WrappedKeyRecord) error
	KeysForTag(ctx context.Context, tagID string) ([]WrappedKeyRecord, error)
}

type ObjectStore interface {
	PutObject(ctx context.Context, rec ObjectRecord) error
	GetObject(ctx context.Context, vaultID, objectID string) (ObjectRecord, error)
	ListObjects(ctx context.Context, vaultID string) ([]ObjectRecord, error)
	DeleteObject(ctx context.Context, vaultID, objectID string) error
}

// ---------- in-memory implementations (tests, single-process dev) ----------

type MemoryTagStore struct {
	mu   sync.Mutex
	tags map[string]TagRecord
	keys map[string][]WrappedKeyRecord
}

func NewMemoryTagStore() *MemoryTagStore {
	return &MemoryTagStore{
		tags: make(map[string]TagRecord),
		keys: make(map[string][]WrappedKeyRecord),
	}
}

func (s *MemoryTagStore) CreateTag(_ context.Context, rec TagRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tags {
		if string(t.PhraseHash) == string(rec.PhraseHash) {
			return ErrDuplicatePhrase
		}
	}
	s.tags[rec.TagID] = rec
	return nil
}

func (s *MemoryTagStore) GetTag(_ context.Context, tagID string) (TagRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tags[tagID]
	if !ok {
		return TagRecord{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryTagStore) ListTags(_ context.Context) ([]TagRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TagRecord, 0, len(s.tags))
	for _, t := range s.tags {
		out = append(out, t)
	}
	return out, nil
}

func (s *MemoryTagStore) DeleteTag(_ context.Context, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[tagID]; !ok {
		return ErrNotFound
	}
	delete(s.tags, tagID)
	delete(s.keys, tagID)
	return nil
}

func (s *MemoryTagStore) AddWrappedKey(_ context.Context, rec WrappedKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[rec.TagID]; !ok {
		return ErrNotFound
	}
	s.keys[rec.TagID] = append(s.keys[rec.TagID], rec)
	return nil
}

func (s *MemoryTagStore) KeysForTag(_ context.Context, tagID string) ([]WrappedKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WrappedKeyRecord(nil), s.keys[tagID]...), nil
}

type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string]ObjectRecord
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string]ObjectRecord)}
}

func objKey(vaultID, objectID string) string { return vaultID + "\x00" + objectID }

// PutObject is insert-only: objects are immutable ciphertext, a rewrite
// under the same id would silently change what the AAD binds to.
func (s *MemoryObjectStore) PutObject(_ context.Context, rec ObjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := objKey(rec.VaultID, rec.ObjectID)
	if _, ok := s.objects[k]; ok {
		return ErrDuplicateObject
	}
	s.objects[k] = rec
	return nil
}

func (s *MemoryObjectStore) GetObject(_ context.Context, vaultID, objectID string) (ObjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.objects[objKey(vaultID, objectID)]
	if !ok {
		return ObjectRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryObjectStore) ListObjects(_ context.Context, vaultID string) ([]ObjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ObjectRecord
	for _, rec := range s.objects {
		if rec.VaultID == vaultID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryObjectStore) DeleteObject(_ context.Context, vaultID, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objKey(vaultID, objectID))
	return nil
}
