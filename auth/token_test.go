package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignTokenAndValidateRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(DefaultCurve, rand.Reader)
	assert.Nil(t, err)

	claims := Claims{
		PrincipalID: "alice",
		SecurityID:  "sec-1",
		Attributes:  map[string]string{"scopes": "admin,read"},
		TTLSeconds:  60,
	}

	raw, err := SignToken(key, claims)
	assert.Nil(t, err)

	validator := NewStaticRootValidator([]*ecdsa.PublicKey{&key.PublicKey})
	principal, err := validator.Validate(context.Background(), Token{Type: "bearer", Data: raw}, time.Now())
	assert.Nil(t, err)
	assert.Equal(t, "alice", principal.PrincipalID)
	assert.Equal(t, "sec-1", principal.SecurityID)
	assert.True(t, principal.HasScope("admin"))
	assert.False(t, principal.HasScope("billing"))
}

func TestValidateRejectsUntrustedKey(t *testing.T) {
	signer, err := ecdsa.GenerateKey(DefaultCurve, rand.Reader)
	assert.Nil(t, err)
	other, err := ecdsa.GenerateKey(DefaultCurve, rand.Reader)
	assert.Nil(t, err)

	raw, err := SignToken(signer, Claims{PrincipalID: "bob", TTLSeconds: 60})
	assert.Nil(t, err)

	validator := NewStaticRootValidator([]*ecdsa.PublicKey{&other.PublicKey})
	_, err = validator.Validate(context.Background(), Token{Type: "bearer", Data: raw}, time.Now())
	assert.Equal(t, ErrUntrustedKey, err)
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	key, err := ecdsa.GenerateKey(DefaultCurve, rand.Reader)
	assert.Nil(t, err)

	raw, err := SignToken(key, Claims{PrincipalID: "carol", TTLSeconds: 60})
	assert.Nil(t, err)

	var st SignedToken
	assert.Nil(t, st.Unmarshal(raw))
	st.Message = []byte(`{"principalId":"mallory"}`)
	tampered, err := st.Marshal()
	assert.Nil(t, err)

	validator := NewStaticRootValidator([]*ecdsa.PublicKey{&key.PublicKey})
	_, err = validator.Validate(context.Background(), Token{Type: "bearer", Data: tampered}, time.Now())
	assert.Equal(t, ErrBadSignature, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	key, err := ecdsa.GenerateKey(DefaultCurve, rand.Reader)
	assert.Nil(t, err)

	raw, err := SignToken(key, Claims{PrincipalID: "dave", TTLSeconds: 1})
	assert.Nil(t, err)

	validator := NewStaticRootValidator([]*ecdsa.PublicKey{&key.PublicKey})
	_, err = validator.Validate(context.Background(), Token{Type: "bearer", Data: raw}, time.Now().Add(time.Hour))
	assert.Equal(t, ErrTokenExpired, err)
}

func TestSignedTokenMarshalUnmarshalRoundTrip(t *testing.T) {
	st := &SignedToken{
		Version: 1,
		X:       []byte{1, 2, 3},
		Y:       []byte{4, 5, 6},
		R:       []byte{7, 8},
		S:       []byte{9, 10},
		Message: []byte("payload"),
	}

	raw, err := st.Marshal()
	assert.Nil(t, err)

	var decoded SignedToken
	assert.Nil(t, decoded.Unmarshal(raw))
	assert.Equal(t, st.Version, decoded.Version)
	assert.Equal(t, st.X, decoded.X)
	assert.Equal(t, st.Y, decoded.Y)
	assert.Equal(t, st.R, decoded.R)
	assert.Equal(t, st.S, decoded.S)
	assert.Equal(t, st.Message, decoded.Message)
}
