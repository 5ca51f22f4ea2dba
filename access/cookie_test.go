package access

import (
	"errors"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
	"gopkg.in/square/go-jose.v2/jwt"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestNewSigner_ShortKey(t *testing.T) {
	if _, err := NewSigner("dme", []byte("short")); !errors.Is(err, ErrShortKey) {
		t.Errorf("NewSigner() error = %v, want ErrShortKey", err)
	}
}

func TestSigner_SignVerify(t *testing.T) {
	s, err := NewSigner("dme.example", testKey)
	testingx.Must(t, err, "failed to create signer")
	if s.Issuer() != "dme.example" {
		t.Errorf("Issuer() = %q", s.Issuer())
	}
	cookie, err := s.Sign(SubjectSession, Claims{OrgName: "Acme", AppName: "Demo", AppVers: "1.0"}, time.Hour)
	testingx.Must(t, err, "failed to sign cookie")

	cl, err := s.Verify(cookie, jwt.Expected{Subject: SubjectSession})
	testingx.Must(t, err, "failed to verify cookie")
	if cl.OrgName != "Acme" || cl.AppName != "Demo" || cl.AppVers != "1.0" {
		t.Errorf("Verify() claims = %+v", cl)
	}
	if cl.Issuer != "dme.example" || cl.Expiry == nil {
		t.Errorf("Verify() registered claims = %+v", cl.Claims)
	}

	tests := []struct {
		name   string
		cookie string
		exp    jwt.Expected
	}{
		{name: "wrong-subject", cookie: cookie, exp: jwt.Expected{Subject: SubjectEdgeEvents}},
		{name: "expired", cookie: cookie, exp: jwt.Expected{Subject: SubjectSession, Time: time.Now().Add(2 * time.Hour)}},
		{name: "wrong-issuer", cookie: cookie, exp: jwt.Expected{Issuer: "other"}},
		{name: "garbage", cookie: "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Verify(tt.cookie, tt.exp); err == nil {
				t.Error("Verify() succeeded, want error")
			}
		})
	}
}

func TestSigner_VerifyOtherKey(t *testing.T) {
	a, err := NewSigner("dme", testKey)
	testingx.Must(t, err, "failed to create signer")
	b, err := NewSigner("dme", []byte("fedcba9876543210fedcba9876543210"))
	testingx.Must(t, err, "failed to create signer")
	cookie, err := a.Sign(SubjectEdgeEvents, Claims{Fqdn: "app.cloudlet.example"}, time.Minute)
	testingx.Must(t, err, "failed to sign cookie")
	if _, err := b.Verify(cookie, jwt.Expected{}); err == nil {
		t.Error("Verify() accepted a cookie signed with another key")
	}
}
