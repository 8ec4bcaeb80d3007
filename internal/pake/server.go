package pake

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bytemare/opaque"

	"github.com/iskrov/kotori-sub005/internal/auth"
	"github.com/iskrov/kotori-sub005/internal/crypto"
)

// ServerConfig carries the server role's long-term key material. Seed and
// AKE keys must stay stable for the lifetime of the registered tags; leave
// them nil only for throwaway instances.
type ServerConfig struct {
	Identity   string
	OPRFSeed   []byte
	PrivateKey []byte
	PublicKey  []byte
	TokenTTL   time.Duration
}

func (c *ServerConfig) setDefaults() {
	if c.Identity == "" {
		c.Identity = "kotori-tagd"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 30 * time.Second
	}
}

// Server is the OPAQUE server role. It keeps per-attempt AKE state between
// init and finalize in a single-use pending table keyed by the jti of a
// short-lived signed token, so finalize messages cannot be replayed.
type Server struct {
	cfg    ServerConfig
	conf   *opaque.Configuration
	signer *auth.Signer
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]*pendingAttempt

	decoy *opaque.ClientRecord
}

type pendingAttempt struct {
	server  *opaque.Server
	decoy   bool
	expires time.Time
}

func NewServer(cfg ServerConfig, logger *log.Logger) (*Server, error) {
	cfg.setDefaults()
	conf := Suite()

	if cfg.OPRFSeed == nil {
		cfg.OPRFSeed = conf.GenerateOPRFSeed()
	}
	if cfg.PrivateKey == nil || cfg.PublicKey == nil {
		cfg.PrivateKey, cfg.PublicKey = conf.KeyGen()
	}

	priv, _, err := auth.GenerateEd25519()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		conf:    conf,
		signer:  auth.NewSigner(priv, cfg.Identity, cfg.TokenTTL),
		logger:  logger,
		pending: make(map[string]*pendingAttempt),
	}
	if err := s.buildDecoy(); err != nil {
		return nil, fmt.Errorf("pake: decoy setup: %w", err)
	}
	return s, nil
}

// buildDecoy registers a throwaway random phrase so that unknown-tag
// authentication attempts evaluate against a real record and stay
// indistinguishable from wrong-phrase attempts.
func (s *Server) buildDecoy() error {
	phrase := opaque.RandomBytes(32)
	defer crypto.Zero(phrase)
	identity := opaque.RandomBytes(16)
	credID := opaque.RandomBytes(64)

	client, err := s.conf.Client()
	if err != nil {
		return err
	}
	server, err := s.conf.Server()
	if err != nil {
		return err
	}

	req := client.RegistrationInit(phrase)
	m1, err := server.Deserialize.RegistrationRequest(req.Serialize())
	if err != nil {
		return err
	}
	pks, err := server.Deserialize.DecodeAkePublicKey(s.cfg.PublicKey)
	if err != nil {
		return err
	}
	resp := server.RegistrationResponse(m1, pks, credID, s.cfg.OPRFSeed)
	m2, err := client.Deserialize.RegistrationResponse(resp.Serialize())
	if err != nil {
		return err
	}
	record, exportKey := client.RegistrationFinalize(m2, identity, []byte(s.cfg.Identity))
	crypto.Zero(exportKey)

	s.decoy = &opaque.ClientRecord{
		CredentialIdentifier: credID,
		ClientIdentity:       identity,
		RegistrationRecord:   record,
	}
	return nil
}

// RegistrationResponse evaluates the oblivious function over the blinded
// registration request. credID must be the random credential identifier the
// caller will persist with the tag.
func (s *Server) RegistrationResponse(request, credID []byte) ([]byte, error) {
	server, err := s.conf.Server()
	if err != nil {
		return nil, err
	}
	m1, err := server.Deserialize.RegistrationRequest(request)
	if err != nil {
		return nil, ErrAuthFailed
	}
	pks, err := server.Deserialize.DecodeAkePublicKey(s.cfg.PublicKey)
	if err != nil {
		return nil, err
	}
	resp := server.RegistrationResponse(m1, pks, credID, s.cfg.OPRFSeed)
	return resp.Serialize(), nil
}

// BuildRecord turns an uploaded registration record into the client record
// evaluated during authentication.
func (s *Server) BuildRecord(record, credID, clientID []byte) (*opaque.ClientRecord, error) {
	server, err := s.conf.Server()
	if err != nil {
		return nil, err
	}
	m3, err := server.Deserialize.RegistrationRecord(record)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return &opaque.ClientRecord{
		CredentialIdentifier: append([]byte(nil), credID...),
		ClientIdentity:       append([]byte(nil), clientID...),
		RegistrationRecord:   m3,
	}, nil
}

// AuthInit answers KE1 with KE2 and a single-use token naming the pending
// attempt. Pass record=nil to evaluate against the decoy; the response shape
// and timing match a real record.
func (s *Server) AuthInit(ke1 []byte, record *opaque.ClientRecord) (ke2 []byte, token string, err error) {
	decoy := record == nil
	if decoy {
		record = s.decoy
	}

	server, err := s.conf.Server()
	if err != nil {
		return nil, "", err
	}
	m1, err := server.Deserialize.KE1(ke1)
	if err != nil {
		return nil, "", ErrAuthFailed
	}
	m2, err := server.LoginInit(m1, []byte(s.cfg.Identity), s.cfg.PrivateKey, s.cfg.PublicKey, s.cfg.OPRFSeed, record)
	if err != nil {
		return nil, "", ErrAuthFailed
	}

	token, jti, err := s.signer.Issue("auth-attempt")
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	s.mu.Lock()
	for k, p := range s.pending {
		if now.After(p.expires) {
			delete(s.pending, k)
		}
	}
	s.pending[jti] = &pendingAttempt{server: server, decoy: decoy, expires: now.Add(s.cfg.TokenTTL)}
	s.mu.Unlock()

	return m2.Serialize(), token, nil
}

// AuthFinalize validates KE3 against the pending attempt named by token.
// The attempt is consumed whether or not it succeeds.
func (s *Server) AuthFinalize(token string, ke3 []byte) (sessionKey []byte, err error) {
	_, jti, err := s.signer.Validate(token)
	if err != nil {
		return nil, ErrAuthFailed
	}

	s.mu.Lock()
	p := s.pending[jti]
	delete(s.pending, jti)
	s.mu.Unlock()

	if p == nil || time.Now().After(p.expires) {
		return nil, ErrAuthFailed
	}

	// A decoy attempt runs the same KE3 evaluation as a real one so that
	// finalize timing does not reveal whether the tag exists.
	m3, err := p.server.Deserialize.KE3(ke3)
	if err != nil {
		return nil, ErrAuthFailed
	}
	if err := p.server.LoginFinish(m3); err != nil {
		return nil, ErrAuthFailed
	}
	if p.decoy {
		crypto.Zero(p.server.SessionKey())
		return nil, ErrAuthFailed
	}
	return p.server.SessionKey(), nil
}

// PendingCount reports in-flight attempts; exposed for telemetry.
func (s *Server) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
