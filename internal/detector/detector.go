package detector

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/iskrov/kotori-sub005/internal/crypto"
)

type Action int

const (
	ActionNone Action = iota
	ActionActivated
	ActionDeactivated
	ActionPanic
)

func (a Action) String() string {
	switch a {
	case ActionActivated:
		return "activated"
	case ActionDeactivated:
		return "deactivated"
	case ActionPanic:
		return "panic"
	default:
		return "none"
	}
}

// Result is the outcome for one tag matched in an utterance. Err is set
// when a matched phrase failed to authenticate; processing of other
// matches continues regardless.
type Result struct {
	TagID   string
	TagName string
	Action  Action
	Err     error
}

// CatalogEntry is the public locator for one registered tag.
type CatalogEntry struct {
	TagID      string
	TagName    string
	PhraseHash []byte
}

// Catalog lists the registered tags' phrase locators.
type Catalog interface {
	Entries(ctx context.Context) ([]CatalogEntry, error)
}

// Authenticator runs the full authentication for a matched phrase and, on
// success, leaves an active session behind. Failures must be uniform.
type Authenticator interface {
	Authenticate(ctx context.Context, tagID string, phrase []byte) error
}

// SessionControl is the slice of the session manager the detector drives.
type SessionControl interface {
	Exists(tagID string) bool
	Deactivate(ctx context.Context, tagID string) error
	PanicWipe(ctx context.Context)
}

const (
	DefaultMaxPhraseWords = 8
	DefaultPerTagTimeout  = 600 * time.Millisecond
	DefaultOverallTimeout = 2 * time.Second
	DefaultMaxConcurrent  = 3
)

var ErrNoCatalog = errors.New("detector: catalog unavailable")

type Config struct {
	// PanicHash is the identifier hash of the duress phrase, empty when no
	// panic phrase is configured.
	PanicHash      []byte
	MaxPhraseWords int
	PerTagTimeout  time.Duration
	OverallTimeout time.Duration
	MaxConcurrent  int
}

func (c *Config) setDefaults() {
	if c.MaxPhraseWords <= 0 {
		c.MaxPhraseWords = DefaultMaxPhraseWords
	}
	if c.PerTagTimeout <= 0 {
		c.PerTagTimeout = DefaultPerTagTimeout
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = DefaultOverallTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
}

type Detector struct {
	cfg      Config
	catalog  Catalog
	auth     Authenticator
	sessions SessionControl
	logger   *log.Logger

	mu       sync.Mutex
	tagLocks map[string]*sync.Mutex
	sem      chan struct{}
}

func New(cfg Config, catalog Catalog, auth Authenticator, sessions SessionControl, logger *log.Logger) *Detector {
	cfg.setDefaults()
	if logger == nil {
		logger = log.New(log.Writer(), "[detector] ", log.LstdFlags)
	}
	return &Detector{
		cfg:      cfg,
		catalog:  catalog,
		auth:     auth,
		sessions: sessions,
		logger:   logger,
		tagLocks: make(map[string]*sync.Mutex),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

func (d *Detector) tagLock(tagID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.tagLocks[tagID]
	if !ok {
		l = &sync.Mutex{}
		d.tagLocks[tagID] = l
	}
	return l
}

type match struct {
	entry  CatalogEntry
	phrase []byte
}

// Process resolves one transcribed utterance. Every contiguous word window
// is hashed and checked against the panic phrase and the catalog; each
// matched tag is then toggled: deactivated if a session is live, otherwise
// authenticated. Matched phrase bytes are wiped once their attempt ends.
func (d *Detector) Process(ctx context.Context, transcript string) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.OverallTimeout)
	defer cancel()

	entries, err := d.catalog.Entries(ctx)
	if err != nil {
		return nil, ErrNoCatalog
	}
	byHash := make(map[string]CatalogEntry, len(entries))
	for _, e := range entries {
		byHash[string(e.PhraseHash)] = e
	}

	words := Words(Normalize(transcript))
	seen := make(map[string]bool)
	var matches []match
	for i := range words {
		maxJ := i + d.cfg.MaxPhraseWords
		if maxJ > len(words) {
			maxJ = len(words)
		}
		for j := i + 1; j <= maxJ; j++ {
			phrase := []byte(joinWords(words[i:j]))
			hash := crypto.IdentifierHash(phrase)

			if len(d.cfg.PanicHash) > 0 && crypto.Equal(hash[:], d.cfg.PanicHash) {
				for _, m := range matches {
					crypto.Zero(m.phrase)
				}
				crypto.Zero(phrase)
				d.sessions.PanicWipe(ctx)
				d.logger.Printf("panic phrase detected, all sessions wiped")
				return []Result{{Action: ActionPanic}}, nil
			}

			e, ok := byHash[string(hash[:])]
			if !ok || seen[e.TagID] {
				crypto.Zero(phrase)
				continue
			}
			seen[e.TagID] = true
			matches = append(matches, match{entry: e, phrase: phrase})
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	results := make([]Result, len(matches))
	var wg sync.WaitGroup
	for i, m := range matches {
		wg.Add(1)
		go func(i int, m match) {
			defer wg.Done()
			defer crypto.Zero(m.phrase)
			select {
			case d.sem <- struct{}{}:
				defer func() { <-d.sem }()
			case <-ctx.Done():
				results[i] = Result{TagID: m.entry.TagID, TagName: m.entry.TagName, Err: ctx.Err()}
				return
			}
			results[i] = d.toggle(ctx, m)
		}(i, m)
	}
	wg.Wait()
	return results, nil
}

// toggle runs under the tag's lock so repeated utterances of the same
// phrase serialize instead of racing.
func (d *Detector) toggle(ctx context.Context, m match) Result {
	l := d.tagLock(m.entry.TagID)
	l.Lock()
	defer l.Unlock()

	res := Result{TagID: m.entry.TagID, TagName: m.entry.TagName}
	if d.sessions.Exists(m.entry.TagID) {
		if err := d.sessions.Deactivate(ctx, m.entry.TagID); err != nil {
			res.Err = err
			return res
		}
		res.Action = ActionDeactivated
		return res
	}

	authCtx, cancel := context.WithTimeout(ctx, d.cfg.PerTagTimeout)
	defer cancel()
	if err := d.auth.Authenticate(authCtx, m.entry.TagID, m.phrase); err != nil {
		d.logger.Printf("authentication failed tag=%s", m.entry.TagID)
		res.Err = err
		return res
	}
	res.Action = ActionActivated
	return res
}

func joinWords(ws []string) string {
	n := len(ws) - 1
	for _, w := range ws {
		n += len(w)
	}
	b := make([]byte, 0, n)
	for i, w := range ws {
		if i > 0 {
			b = append(b, ' ')
		}
		b = append(b, w...)
	}
	return string(b)
}
