package gateway

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ServerName is the name the gateway certificate is issued for.
// Clients always dial the configured address but verify the server against this name.
const ServerName = "mediagate"

const certLifetime = 7 * 24 * time.Hour

// Certs contains the CA, server and client certs and keys for configuring mTLS between the gateway and its clients.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	CA     Cert
	Server Cert
	Client Cert
}

// Cert is a PEM-encoded certificate and its private key.
type Cert struct {
	CertPEM []byte
	KeyPEM  []byte

	x509Cert *x509.Certificate
	key      *ecdsa.PrivateKey
}

// ClientTLSConfig builds the TLS config a client uses to present certPEM and trust only caCertPEM.
func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      pool,
		ServerName:   ServerName,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ServerTLSConfig builds the TLS config of a gateway that requires client certs signed by caCertPEM.
func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func certPool(caCertPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}
	return pool, nil
}

func serialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

// issue creates a cert from tmpl. When parent is nil the cert is self-signed.
func issue(tmpl *x509.Certificate, parent *Cert) (Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return Cert{}, err
	}
	tmpl.SerialNumber = serial
	tmpl.NotBefore = time.Now().Add(-time.Minute)
	tmpl.NotAfter = time.Now().Add(certLifetime)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating private key: %w", err)
	}

	signerCert, signerKey := tmpl, key
	if parent != nil {
		signerCert, signerKey = parent.x509Cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating cert: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return Cert{}, fmt.Errorf("parsing created cert: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return Cert{
		CertPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		x509Cert: parsed,
		key:      key,
	}, nil
}

// GenerateCerts generates a throwaway CA plus a server and client cert signed by it.
func GenerateCerts() (*Certs, error) {
	ca, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "MediagateCA"},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	leaf := func(usage x509.ExtKeyUsage) *x509.Certificate {
		return &x509.Certificate{
			Subject:     pkix.Name{CommonName: ServerName},
			DNSNames:    []string{ServerName},
			KeyUsage:    x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{usage},
		}
	}
	server, err := issue(leaf(x509.ExtKeyUsageServerAuth), &ca)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	client, err := issue(leaf(x509.ExtKeyUsageClientAuth), &ca)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}
	return &Certs{CA: ca, Server: server, Client: client}, nil
}
