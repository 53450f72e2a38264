package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProofURLSignerRoundTrip(t *testing.T) {
	signer := NewProofURLSigner("test-secret", time.Minute)

	token, expiresAt, err := signer.Sign("enrollment:42", "enrollments/abc_proof.pdf")
	require.NoError(t, err)
	require.True(t, expiresAt.After(time.Now()))

	ref, path, err := signer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "enrollment:42", ref)
	require.Equal(t, "enrollments/abc_proof.pdf", path)
}

func TestProofURLSignerRejectsTampering(t *testing.T) {
	signer := NewProofURLSigner("test-secret", time.Minute)

	token, _, err := signer.Sign("exam:7", "exams/proof.png")
	require.NoError(t, err)

	_, _, err = signer.Verify(token + "x")
	require.Error(t, err)

	other := NewProofURLSigner("other-secret", time.Minute)
	_, _, err = other.Verify(token)
	require.Error(t, err)
}

func TestProofURLSignerRejectsExpired(t *testing.T) {
	signer := NewProofURLSigner("test-secret", time.Minute)

	token, expiresAt, err := signer.Sign("enrollment:1", "enrollments/proof.pdf")
	require.NoError(t, err)

	signer.now = func() time.Time { return expiresAt.Add(time.Second) }
	_, _, err = signer.Verify(token)
	require.Error(t, err)
	require.Contains(t, err.Error(), "expired")
}

func TestProofURLSignerClampsNonPositiveTTL(t *testing.T) {
	signer := NewProofURLSigner("test-secret", -time.Minute)

	token, expiresAt, err := signer.Sign("enrollment:1", "enrollments/proof.pdf")
	require.NoError(t, err)
	require.True(t, expiresAt.After(time.Now()))

	_, _, err = signer.Verify(token)
	require.NoError(t, err)
}

func TestProofURLSignerRequiresArguments(t *testing.T) {
	signer := NewProofURLSigner("test-secret", time.Minute)

	_, _, err := signer.Sign("", "path")
	require.Error(t, err)

	_, _, err = signer.Sign("ref", "")
	require.Error(t, err)

	_, _, err = signer.Verify("not-a-token")
	require.Error(t, err)
}
