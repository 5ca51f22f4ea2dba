package access

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// Cookie subjects.
const (
	SubjectSession    = "session"
	SubjectEdgeEvents = "edgeevents"
)

// MinKeySize is the minimum size of a cookie signing key.
const MinKeySize = 32

// ErrShortKey is returned by NewSigner for keys shorter than MinKeySize.
var ErrShortKey = errors.New("access: signing key too short")

// Claims are the claims carried by session and edge events cookies.
type Claims struct {
	jwt.Claims
	OrgName  string `json:"org,omitempty"`
	AppName  string `json:"app,omitempty"`
	AppVers  string `json:"ver,omitempty"`
	UniqueID string `json:"uid,omitempty"`
	// Fqdn names the app instance an edge events cookie was issued for.
	Fqdn         string `json:"fqdn,omitempty"`
	CloudletName string `json:"cloudlet,omitempty"`
}

// Verifier verifies cookies.
type Verifier interface {
	Verify(token string, exp jwt.Expected) (*Claims, error)
}

// Signer issues and verifies HS256 signed cookies.
type Signer struct {
	issuer string
	key    []byte
	signer jose.Signer
}

// NewSigner creates a signer for the given issuer.
func NewSigner(issuer string, key []byte) (*Signer, error) {
	if len(key) < MinKeySize {
		return nil, ErrShortKey
	}
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, err
	}
	return &Signer{issuer: issuer, key: key, signer: sig}, nil
}

// Issuer returns the issuer name stamped on every cookie.
func (s *Signer) Issuer() string {
	return s.issuer
}

// Sign issues a cookie with the given subject valid for ttl. The registered
// claims of cl other than Audience are overwritten.
func (s *Signer) Sign(subject string, cl Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	cl.Issuer = s.issuer
	cl.Subject = subject
	cl.IssuedAt = jwt.NewNumericDate(now)
	cl.NotBefore = jwt.NewNumericDate(now.Add(-time.Minute))
	cl.Expiry = jwt.NewNumericDate(now.Add(ttl))
	return jwt.Signed(s.signer).Claims(cl).CompactSerialize()
}

// Verify checks the signature of token and validates its registered claims
// against exp. An empty exp.Issuer defaults to the signer's issuer.
func (s *Signer) Verify(token string, exp jwt.Expected) (*Claims, error) {
	tok, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("access: parse cookie: %w", err)
	}
	cl := &Claims{}
	if err := tok.Claims(s.key, cl); err != nil {
		return nil, fmt.Errorf("access: verify cookie: %w", err)
	}
	if exp.Issuer == "" {
		exp.Issuer = s.issuer
	}
	if exp.Time.IsZero() {
		exp.Time = time.Now()
	}
	if err := cl.Claims.Validate(exp); err != nil {
		return nil, fmt.Errorf("access: validate cookie: %w", err)
	}
	return cl, nil
}
