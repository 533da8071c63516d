// Package signing wraps rendered documents in a PKCS#7 signature.
package signing

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/smallstep/pkcs7"
)

type Signer interface {
	Sign(ctx context.Context, content []byte) ([]byte, error)
}

// Nop returns content unchanged.
type Nop struct{}

func (Nop) Sign(_ context.Context, content []byte) ([]byte, error) {
	return content, nil
}

// PKCS7 produces attached SignedData with a SHA-256 digest.
type PKCS7 struct {
	Cert *x509.Certificate
	Key  crypto.PrivateKey
}

// LoadPKCS7 reads a PEM certificate and key pair from disk.
func LoadPKCS7(certFile, keyFile string) (*PKCS7, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load signing key pair: %w", err)
	}
	if len(pair.Certificate) == 0 {
		return nil, errors.New("signing certificate is empty")
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse signing certificate: %w", err)
	}
	return &PKCS7{Cert: cert, Key: pair.PrivateKey}, nil
}

func (s *PKCS7) Sign(_ context.Context, content []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("new signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(s.Cert, s.Key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("add signer: %w", err)
	}
	signed, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("finish signed data: %w", err)
	}
	return signed, nil
}

// Verify checks a signature produced by PKCS7.Sign and returns the content.
func Verify(signed []byte) ([]byte, error) {
	p7, err := pkcs7.Parse(signed)
	if err != nil {
		return nil, fmt.Errorf("parse signed data: %w", err)
	}
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("verify signed data: %w", err)
	}
	return p7.Content, nil
}
