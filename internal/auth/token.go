package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues and validates the short-lived EdDSA tokens that bind an
// authentication attempt's init and finalize messages. Tokens are single
// purpose: subject names the pending attempt, TTL is seconds not minutes.
type Signer struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
	Iss  string
	TTL  time.Duration
}

var ErrInvalidToken = errors.New("auth: invalid token")

func NewSigner(priv ed25519.PrivateKey, iss string, ttl time.Duration) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{Priv: priv, Pub: pub, Iss: iss, TTL: ttl}
}

func GenerateEd25519() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, pub, err
}

// Issue signs a token whose jti is a fresh random identifier. The jti doubles
// as the key into the issuer's pending-attempt table.
func (s *Signer) Issue(subject string) (token, jti string, err error) {
	now := time.Now()
	jti = randomJTI()

	claims := jwt.MapClaims{
		"iss": s.Iss,
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(s.TTL).Unix(),
		"jti": jti,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	ss, err := tok.SignedString(s.Priv)
	return ss, jti, err
}

// Validate checks signature, issuer, and expiry, and returns subject and jti.
func (s *Signer) Validate(tokenStr string) (subject, jti string, err error) {
	keyFunc := func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodEdDSA {
			return nil, errors.New("unexpected signing method")
		}
		return s.Pub, nil
	}

	tok, err := jwt.ParseWithClaims(
		tokenStr,
		jwt.MapClaims{},
		keyFunc,
		jwt.WithIssuer(s.Iss),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return "", "", ErrInvalidToken
	}
	claims := tok.Claims.(jwt.MapClaims)

	getString := func(k string) string {
		if v, ok := claims[k].(string); ok {
			return v
		}
		return ""
	}
	return getString("sub"), getString("jti"), nil
}

func randomJTI() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
