package github

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/octopulse/installation-broker/internal/config"
)

// KMSClient defines the AWS API surface required for KMS signing.
type KMSClient interface {
	Sign(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// contextSigner is implemented by signers that make a remote call and can
// stop when the caller gives up.
type contextSigner interface {
	SignContext(ctx context.Context, claims jwt.Claims) (string, error)
}

// kmsSigner implements ghinstallation.Signer by producing the RS256 signature
// in AWS KMS, so the private key material never leaves KMS.
type kmsSigner struct {
	ctx    context.Context // used by Sign, which has no caller context
	client KMSClient
	arn    string
}

// NewAWSKMSSigner creates a signer for the asymmetric KMS key identified by
// arn, using the default AWS credential chain.
func NewAWSKMSSigner(ctx context.Context, arn string) (ghinstallation.Signer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	return newKMSSigner(ctx, kms.NewFromConfig(awsCfg), arn), nil
}

func newKMSSigner(ctx context.Context, client KMSClient, arn string) kmsSigner {
	return kmsSigner{
		ctx:    ctx,
		client: client,
		arn:    arn,
	}
}

func (s kmsSigner) Sign(claims jwt.Claims) (string, error) {
	return s.SignContext(s.ctx, claims)
}

// SignContext builds the JWS signing input locally and has KMS sign its
// SHA-256 digest with RSASSA-PKCS1-v1_5, which is exactly RS256.
func (s kmsSigner) SignContext(ctx context.Context, claims jwt.Claims) (string, error) {
	signingString, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SigningString()
	if err != nil {
		return "", fmt.Errorf("encode JWT: %w", err)
	}

	hash := sha256.Sum256([]byte(signingString))
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.arn),
		Message:          hash[:],
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	})
	if err != nil {
		return "", fmt.Errorf("KMS signing failed: %w", err)
	}

	return signingString + "." + base64.RawURLEncoding.EncodeToString(out.Signature), nil
}

// createSigner selects the signing backend from configuration. A KMS key takes
// precedence over an inline PEM key.
func createSigner(ctx context.Context, cfg config.GithubConfig) (ghinstallation.Signer, error) {
	if cfg.PrivateKeyARN != "" {
		signer, err := NewAWSKMSSigner(ctx, cfg.PrivateKeyARN)
		if err != nil {
			return nil, ConfigurationError{Reason: "could not configure KMS signer", Err: err}
		}
		return signer, nil
	}

	if cfg.PrivateKey != "" {
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, ConfigurationError{Reason: "could not parse private key", Err: err}
		}

		return ghinstallation.NewRSASigner(jwt.SigningMethodRS256, key), nil
	}

	return nil, ConfigurationError{Reason: "no private key configuration specified", Err: errNoPrivateKey}
}

var errNoPrivateKey = errors.New("one of GITHUB_APP_PRIVATE_KEY or GITHUB_APP_PRIVATE_KEY_ARN is required")
