package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearauth/grantd/scope"
)

const testIssuer = "https://auth.example.com"

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testKey, testIssuer, 0)
	require.NoError(t, err)
	return c
}

func TestNewCodec_Validation(t *testing.T) {
	_, err := NewCodec(nil, testIssuer, 0)
	require.Error(t, err)

	_, err = NewCodec(testKey, "", 0)
	require.Error(t, err)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()

	signed, err := c.Sign("u1", "c1", scope.New("profile", "email"), "jti-1", now, now.Add(time.Hour))
	require.NoError(t, err)

	claims, err := c.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "c1", claims.ClientID)
	assert.Equal(t, "jti-1", claims.ID)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "email profile", claims.Scope)
	assert.True(t, claims.Scopes().Equal(scope.New("profile", "email")))
}

func TestVerify_Expired(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()

	signed, err := c.Sign("u1", "c1", scope.New("profile"), "jti-1", now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)

	_, err = c.Verify(signed)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_LeewayHonorsSkewedExpiry(t *testing.T) {
	c, err := NewCodec(testKey, testIssuer, 5*time.Second)
	require.NoError(t, err)
	now := time.Now()

	// Expired two seconds ago: inside the grace window.
	signed, err := c.Sign("u1", "c1", scope.New("profile"), "jti-1", now.Add(-time.Hour), now.Add(-2*time.Second))
	require.NoError(t, err)

	claims, err := c.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)

	// The same token fails without leeway.
	strict := newTestCodec(t)
	_, err = strict.Verify(signed)
	assert.ErrorIs(t, err, ErrExpired)

	// Leeway stretches the window, it does not remove it.
	signed, err = c.Sign("u1", "c1", scope.New("profile"), "jti-1", now.Add(-time.Hour), now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = c.Verify(signed)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_TamperedSignature(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()

	signed, err := c.Sign("u1", "c1", scope.New("profile"), "jti-1", now, now.Add(time.Hour))
	require.NoError(t, err)

	// Flip one character of the signature segment.
	last := signed[len(signed)-1]
	flip := byte('A')
	if last == 'A' {
		flip = 'B'
	}
	tampered := signed[:len(signed)-1] + string(flip)

	_, err = c.Verify(tampered)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_TamperedPayload(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()

	signed, err := c.Sign("u1", "c1", scope.New("profile"), "jti-1", now, now.Add(time.Hour))
	require.NoError(t, err)

	parts := strings.Split(signed, ".")
	require.Len(t, parts, 3)
	payload := []byte(parts[1])
	payload[0] ^= 0x01
	parts[1] = string(payload)

	_, err = c.Verify(strings.Join(parts, "."))
	require.Error(t, err)
	// Depending on which byte flips, decoding fails (malformed) or the
	// signature no longer matches. Both reject the token.
	assert.True(t, errors.Is(err, ErrMalformed) || errors.Is(err, ErrSignatureInvalid))
}

func TestVerify_WrongKey(t *testing.T) {
	c := newTestCodec(t)
	other, err := NewCodec([]byte("another-key-another-key-another!"), testIssuer, 0)
	require.NoError(t, err)

	now := time.Now()
	signed, err := other.Sign("u1", "c1", scope.New("profile"), "jti-1", now, now.Add(time.Hour))
	require.NoError(t, err)

	_, err = c.Verify(signed)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_WrongIssuer(t *testing.T) {
	c := newTestCodec(t)
	other, err := NewCodec(testKey, "https://rogue.example.com", 0)
	require.NoError(t, err)

	now := time.Now()
	signed, err := other.Sign("u1", "c1", scope.New("profile"), "jti-1", now, now.Add(time.Hour))
	require.NoError(t, err)

	_, err = c.Verify(signed)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_AlgorithmConfusion(t *testing.T) {
	c := newTestCodec(t)

	// A token signed with "none" must never verify, even with a valid shape.
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			Issuer:    testIssuer,
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ClientID: "c1",
		Scope:    "profile",
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = c.Verify(unsigned)
	require.Error(t, err)
}

func TestVerify_MissingClaims(t *testing.T) {
	c := newTestCodec(t)

	// Missing client_id and jti.
	claims := jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "u1",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)

	_, err = c.Verify(signed)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVerify_Garbage(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrMalformed)
}
