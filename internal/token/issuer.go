// Package token issues and verifies the short-lived room tokens that let an
// identity join the messaging plane. The issuer fails closed: when the plane
// itself is unreachable its health endpoint answers 503 so clients never
// hold a token for a dead room.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/fault"
)

// TTL is the token lifetime.
const TTL = 15 * time.Minute

// Claims is the verified content of one room token.
type Claims struct {
	Identity string
	Room     string
	JTI      string
	Expires  time.Time
}

// Issuer signs and verifies HS256 room tokens.
type Issuer struct {
	key    []byte
	now    func() time.Time
	logger *log.Entry
}

// NewIssuer builds an issuer around a signing key. An empty key generates an
// ephemeral one, logged so co-located daemons can share it in dev.
func NewIssuer(key string) *Issuer {
	iss := &Issuer{now: time.Now, logger: log.WithField("component", "token")}
	if key == "" {
		buf := make([]byte, 32)
		rand.Read(buf)
		key = hex.EncodeToString(buf)
		iss.logger.WithField("key", key).Warn("TOKEN_SIGNING_KEY unset, generated ephemeral key")
	}
	iss.key = []byte(key)
	return iss
}

// Issue signs a token binding the identity to the room.
func (i *Issuer) Issue(identity, room string) (token string, expires time.Time, err error) {
	if identity == "" || room == "" {
		return "", time.Time{}, fault.Coded(fault.BadRequest, "missing_field",
			"identity and room are both required")
	}
	now := i.now()
	expires = now.Add(TTL)
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  identity,
		"room": room,
		"jti":  uuid.NewString(),
		"iat":  now.Unix(),
		"exp":  expires.Unix(),
	})
	signed, err := t.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fault.Wrap(fault.Internal, err, "sign token")
	}
	return signed, expires, nil
}

// Verify checks signature and expiry and returns the bound claims.
func (i *Issuer) Verify(token string) (Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return Claims{}, fault.Wrap(fault.PolicyDenied, err, "token rejected")
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, fault.New(fault.PolicyDenied, "token claims unreadable")
	}

	var c Claims
	c.Identity, _ = mc["sub"].(string)
	c.Room, _ = mc["room"].(string)
	c.JTI, _ = mc["jti"].(string)
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.Expires = exp.Time
	}
	if c.Identity == "" || c.Room == "" {
		return Claims{}, fault.New(fault.PolicyDenied, "token missing identity or room")
	}
	return c, nil
}

// ============================================================================
// PLANE PROBE
// ============================================================================

// PlaneProbe checks whether the messaging plane answers its health endpoint.
type PlaneProbe struct {
	url  string
	http *http.Client
}

// NewPlaneProbe probes http://<auxHost>/health.
func NewPlaneProbe(auxHost string) *PlaneProbe {
	return &PlaneProbe{
		url:  "http://" + auxHost + "/health",
		http: &http.Client{Timeout: 2 * time.Second},
	}
}

// Reachable reports whether the plane answered 2xx within the probe timeout.
func (p *PlaneProbe) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
