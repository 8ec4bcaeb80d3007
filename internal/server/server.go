// Package server exposes the secret-tag daemon's HTTP surface: tag
// registration, the two-round authentication exchange, wrapped key and
// vault object storage, and the public tag catalog.
package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iskrov/kotori-sub005/internal/audit"
	"github.com/iskrov/kotori-sub005/internal/pake"
	"github.com/iskrov/kotori-sub005/internal/storage"
)

type Server struct {
	cfg Config

	mux     *http.ServeMux
	logger  *log.Logger
	pake    *pake.Server
	tags    storage.TagStore
	objects storage.ObjectStore
	auditor *audit.Log

	mu         sync.Mutex
	pendingReg map[string]*pendingRegistration
	attempts   map[string]string // auth token -> tagID

	rlAuthIP  *multiLimiter
	rlAuthTag *multiLimiter
	rlRegIP   *multiLimiter
}

// pendingRegistration holds the server-side half of a registration between
// the init and finalize requests.
type pendingRegistration struct {
	name       string
	colorHint  string
	salt       []byte
	phraseHash []byte
	credID     []byte
	expires    time.Time
}

// New connects to MongoDB and builds the daemon. Use NewWithStores to run
// against in-memory stores.
func New(ctx context.Context, cfg Config) (*Server, error) {
	stores, err := storage.NewMongoStores(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, err
	}
	return NewWithStores(cfg, stores, stores)
}

func NewWithStores(cfg Config, tags storage.TagStore, objects storage.ObjectStore) (*Server, error) {
	cfg.setDefaults()

	logger := log.New(os.Stdout, "[tagd] ", log.LstdFlags)
	pk, err := pake.NewServer(pake.ServerConfig{
		Identity: cfg.Identity,
		TokenTTL: cfg.AttemptTTL,
	}, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		logger:     logger,
		pake:       pk,
		tags:       tags,
		objects:    objects,
		auditor:    audit.New(),
		pendingReg: make(map[string]*pendingRegistration),
		attempts:   make(map[string]string),
	}

	perWindow := func(n int, window time.Duration) float64 { return float64(n) / window.Seconds() }
	s.rlAuthIP = newMultiLimiter(rate.Limit(perWindow(30, time.Minute)), 10, 1*time.Hour)
	s.rlAuthTag = newMultiLimiter(rate.Limit(perWindow(10, time.Minute)), 5, 1*time.Hour)
	s.rlRegIP = newMultiLimiter(rate.Limit(perWindow(10, time.Minute)), 5, 1*time.Hour)

	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Printf("panic: %v", rec)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()
	s.mux.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler { return s }

// Audit exposes the tamper-evident event log.
func (s *Server) Audit() *audit.Log { return s.auditor }

// takePendingReg consumes a pending registration; expired entries are
// dropped on the way.
func (s *Server) takePendingReg(tagID string) *pendingRegistration {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range s.pendingReg {
		if now.After(p.expires) {
			delete(s.pendingReg, k)
		}
	}
	p := s.pendingReg[tagID]
	delete(s.pendingReg, tagID)
	return p
}

func (s *Server) putPendingReg(tagID string, p *pendingRegistration) {
	p.expires = time.Now().Add(s.cfg.RegisterTTL)
	s.mu.Lock()
	s.pendingReg[tagID] = p
	s.mu.Unlock()
}

// attempt bookkeeping maps the single-use auth token to the tag it is for,
// so finalize can return that tag's wrapped keys.
func (s *Server) putAttempt(token, tagID string) {
	s.mu.Lock()
	s.attempts[token] = tagID
	s.mu.Unlock()
}

func (s *Server) takeAttempt(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tagID, ok := s.attempts[token]
	delete(s.attempts, token)
	return tagID, ok
}
