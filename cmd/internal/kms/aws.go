package kms

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
)

// kmsAPI is the subset of the AWS KMS client used here.
type kmsAPI interface {
	Encrypt(ctx context.Context, in *awskms.EncryptInput, optFns ...func(*awskms.Options)) (*awskms.EncryptOutput, error)
	Decrypt(ctx context.Context, in *awskms.DecryptInput, optFns ...func(*awskms.Options)) (*awskms.DecryptOutput, error)
}

// AWSEncryptor encrypts with AWS KMS symmetric keys.
//
// The ciphertext blob produced by KMS embeds the key id, so Decrypt needs no key ref.
type AWSEncryptor struct {
	client kmsAPI
}

// NewAWSEncryptor wraps an existing KMS client.
func NewAWSEncryptor(client kmsAPI) (*AWSEncryptor, error) {
	if client == nil {
		return nil, errors.New("kms: nil aws client")
	}
	return &AWSEncryptor{client: client}, nil
}

// NewAWSEncryptorFromConfig builds a KMS client from the default AWS credential
// chain, with optional static credentials and endpoint override from cfg.
func NewAWSEncryptorFromConfig(ctx context.Context, cfg Config) (*AWSEncryptor, error) {
	opts := make([]func(*awsconfig.LoadOptions) error, 0, 2)
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.AWSSessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimSpace(cfg.AWSEndpoint)
	client := awskms.NewFromConfig(awsCfg, func(o *awskms.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewAWSEncryptor(client)
}

func (e *AWSEncryptor) Encrypt(ctx context.Context, keyRef string, plaintext []byte) ([]byte, error) {
	keyRef = strings.TrimSpace(keyRef)
	if keyRef == "" {
		return nil, ErrMissingKeyRef
	}
	out, err := e.client.Encrypt(ctx, &awskms.EncryptInput{
		KeyId:     aws.String(keyRef),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, err
	}
	if len(out.CiphertextBlob) == 0 {
		return nil, errors.New("kms: empty ciphertext from aws")
	}
	return out.CiphertextBlob, nil
}

func (e *AWSEncryptor) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrInvalidEnvelope
	}
	out, err := e.client.Decrypt(ctx, &awskms.DecryptInput{
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, err
	}
	return out.Plaintext, nil
}
