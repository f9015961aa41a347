package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/golang-jwt/jwt/v4"
	"github.com/octopulse/installation-broker/internal/config"
	"github.com/octopulse/installation-broker/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyARN = "arn:aws:kms:us-east-1:123456789:key/test-key"

func TestKMSSigner_Sign(t *testing.T) {
	key, _ := testhelpers.GenerateKey(t)

	mockClient := &mockKMSClient{
		signFunc: func(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
			assert.Equal(t, testKeyARN, *in.KeyId)
			assert.Equal(t, types.MessageTypeDigest, in.MessageType)
			assert.Equal(t, types.SigningAlgorithmSpecRsassaPkcs1V15Sha256, in.SigningAlgorithm)
			assert.Len(t, in.Message, sha256.Size)

			sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, in.Message)
			return &kms.SignOutput{Signature: sig}, err
		},
	}

	signer := newKMSSigner(context.Background(), mockClient, testKeyARN)

	now := time.Now()
	token, err := signer.Sign(jwt.RegisteredClaims{
		Issuer:    "12345",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	})
	require.NoError(t, err)

	// the KMS signature must verify as a standard RS256 JWT
	claims := parseAssertion(t, token, &key.PublicKey)
	assert.Equal(t, "12345", claims["iss"])
}

func TestKMSSigner_Sign_KMSError(t *testing.T) {
	mockClient := &mockKMSClient{
		signFunc: func(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
			return nil, assert.AnError
		},
	}

	signer := newKMSSigner(context.Background(), mockClient, testKeyARN)

	_, err := signer.Sign(jwt.RegisteredClaims{Issuer: "12345"})

	require.Error(t, err)
	assert.ErrorContains(t, err, "KMS signing failed")
}

func TestKMSSigner_FailureSurfacesAsSigningError(t *testing.T) {
	mockClient := &mockKMSClient{
		signFunc: func(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
			return nil, assert.AnError
		},
	}

	identity := NewSigningIdentityFromSigner("12345", newKMSSigner(context.Background(), mockClient, testKeyARN))

	_, err := NewAssertionCache(identity, DefaultAssertionPolicy).Current(context.Background())

	assert.ErrorAs(t, err, &SigningError{})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestKMSSigner_SignContextStopsWithCaller(t *testing.T) {
	var observed atomic.Bool
	mockClient := &mockKMSClient{
		signFunc: func(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
			<-ctx.Done()
			observed.Store(true)
			return nil, ctx.Err()
		},
	}

	// the startup context never ends
	signer := newKMSSigner(context.Background(), mockClient, testKeyARN)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := signer.SignContext(ctx, jwt.RegisteredClaims{Issuer: "12345"})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, observed.Load())
}

func TestAssertion_KMSSigningBoundedByCaller(t *testing.T) {
	var observed atomic.Bool
	mockClient := &mockKMSClient{
		signFunc: func(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
			<-ctx.Done()
			observed.Store(true)
			return nil, ctx.Err()
		},
	}

	identity := NewSigningIdentityFromSigner("12345", newKMSSigner(context.Background(), mockClient, testKeyARN))
	c := NewAssertionCache(identity, DefaultAssertionPolicy)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Current(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Eventually(t, observed.Load, time.Second, time.Millisecond)
}

func TestAssertion_WaiterOutlivesCancelledLeader(t *testing.T) {
	key, _ := testhelpers.GenerateKey(t)
	release := make(chan struct{})

	var calls atomic.Int32
	mockClient := &mockKMSClient{
		signFunc: func(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
			calls.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, in.Message)
			return &kms.SignOutput{Signature: sig}, err
		},
	}

	identity := NewSigningIdentityFromSigner("12345", newKMSSigner(context.Background(), mockClient, testKeyARN))
	c := NewAssertionCache(identity, DefaultAssertionPolicy)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()

	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Current(leaderCtx)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	var (
		waiterAssertion AppAssertion
		waiterErr       error
	)
	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		waiterAssertion, waiterErr = c.Current(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	<-waiterDone

	require.NoError(t, waiterErr)
	claims := parseAssertion(t, waiterAssertion.Token, &key.PublicKey)
	assert.Equal(t, "12345", claims["iss"])
}

func TestCreateSigner(t *testing.T) {
	_, pemKey := testhelpers.GenerateKey(t)

	t.Run("PEM key", func(t *testing.T) {
		signer, err := createSigner(context.Background(), config.GithubConfig{PrivateKey: pemKey})
		require.NoError(t, err)
		assert.NotNil(t, signer)
	})

	t.Run("KMS key", func(t *testing.T) {
		// set a purposefully invalid endpoint to prevent any errant remote calls
		t.Setenv("AWS_ENDPOINT_URL", "http://localhost:20987/not-bound")
		t.Setenv("AWS_REGION", "us-east-1")

		signer, err := createSigner(context.Background(), config.GithubConfig{
			PrivateKey:    pemKey,
			PrivateKeyARN: testKeyARN,
		})
		require.NoError(t, err)
		assert.IsType(t, kmsSigner{}, signer)
	})

	t.Run("no key", func(t *testing.T) {
		_, err := createSigner(context.Background(), config.GithubConfig{})

		assert.ErrorAs(t, err, &ConfigurationError{})
		assert.ErrorIs(t, err, errNoPrivateKey)
	})

	t.Run("malformed key", func(t *testing.T) {
		_, err := createSigner(context.Background(), config.GithubConfig{PrivateKey: "nope"})

		assert.ErrorAs(t, err, &ConfigurationError{})
		assert.ErrorContains(t, err, "could not parse private key")
	})
}

// mockKMSClient is a mock implementation of KMSClient for testing.
type mockKMSClient struct {
	signFunc func(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

func (m *mockKMSClient) Sign(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error) {
	return m.signFunc(ctx, in, optFns...)
}
