package service

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// Environment variables carrying the server side of Certs into a child process, base64-encoded PEM.
const (
	EnvCACertPEM = "CHILDPROC_SERVICE_CA_PEM"
	EnvCertPEM   = "CHILDPROC_SERVICE_CERT_PEM"
	EnvKeyPEM    = "CHILDPROC_SERVICE_KEY_PEM"
)

// ServerName is the name service certificates are issued for.
const ServerName = "childproc-service"

// Certs contains the TLS client and server certs and keys for configuring mTLS between a parent and a hosted service.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

// ServerEnv returns the environment entries that ServerTLSConfigFromEnv reads.
func (c *Certs) ServerEnv() []string {
	enc := base64.StdEncoding.EncodeToString
	return []string{
		EnvCACertPEM + "=" + enc(c.CA.CertPEMBytes),
		EnvCertPEM + "=" + enc(c.Server.CertPEMBytes),
		EnvKeyPEM + "=" + enc(c.Server.KeyPEMBytes),
	}
}

// ClientTLSConfig builds the parent's side of the mTLS config.
func (c *Certs) ClientTLSConfig() (*tls.Config, error) {
	return ClientTLSConfig(c.CA.CertPEMBytes, c.Client.CertPEMBytes, c.Client.KeyPEMBytes)
}

// ServerTLSConfigFromEnv builds the server config from the environment, returning nil if none of the variables are set.
func ServerTLSConfigFromEnv() (*tls.Config, error) {
	caEnc, certEnc, keyEnc := os.Getenv(EnvCACertPEM), os.Getenv(EnvCertPEM), os.Getenv(EnvKeyPEM)
	if caEnc == "" && certEnc == "" && keyEnc == "" {
		return nil, nil
	}
	caPEM, err := base64.StdEncoding.DecodeString(caEnc)
	if err != nil {
		return nil, fmt.Errorf("decoding CA cert PEM: %w", err)
	}
	certPEM, err := base64.StdEncoding.DecodeString(certEnc)
	if err != nil {
		return nil, fmt.Errorf("decoding cert PEM: %w", err)
	}
	keyPEM, err := base64.StdEncoding.DecodeString(keyEnc)
	if err != nil {
		return nil, fmt.Errorf("decoding key PEM: %w", err)
	}
	return ServerTLSConfig(caPEM, certPEM, keyPEM)
}

func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	cfg := &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		ServerName:   ServerName,
	}
	return cfg, nil
}

func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}

	return cfg, nil
}

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *rsa.PrivateKey
}

func randomSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, serialNumberLimit)
}

func buildCACert(subject *pkix.Name, validFor time.Duration) (CACert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return CACert{}, fmt.Errorf("getting random serial number: %w", err)
	}

	caCert := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               *subject,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, caCert, caCert, &caKey.PublicKey, caKey)
	if err != nil {
		return CACert{}, fmt.Errorf("creating x509 cert: %w", err)
	}

	caPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: caBytes,
	})
	if caPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA cert")
	}

	caKeyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(caKey),
	})
	if caKeyPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA private key")
	}

	return CACert{
		CertPEMBytes: caPEMBytes,
		KeyPEMBytes:  caKeyPEMBytes,
		x509Cert:     caCert,
		privKey:      caKey,
	}, nil
}

type Cert struct {
	X509Cert     *x509.Certificate
	CertDER      []byte
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

func buildCert(ca CACert, subject *pkix.Name, validFor time.Duration) (*Cert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	c := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      *subject,
		DNSNames:     []string{ServerName, "localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &c, ca.x509Cert, &certKey.PublicKey, ca.privKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	if certPEMBytes == nil {
		return nil, errors.New("unable to encode certificate to PEM")
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	certKeyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	})

	return &Cert{
		X509Cert:     &c,
		CertDER:      certDER,
		CertPEMBytes: certPEMBytes,
		KeyPEMBytes:  certKeyPEMBytes,
	}, nil
}

// GenerateCerts generates a throwaway CA plus server and client certs for one parent/child pair.
func GenerateCerts() (*Certs, error) {
	const validFor = 24 * time.Hour

	caCert, err := buildCACert(&pkix.Name{CommonName: "ChildprocCA"}, validFor)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	serverCert, err := buildCert(caCert, &pkix.Name{CommonName: ServerName}, validFor)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	clientCert, err := buildCert(caCert, &pkix.Name{CommonName: "childproc-parent"}, validFor)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{
		Server: *serverCert,
		Client: *clientCert,
		CA:     caCert,
	}, nil
}
