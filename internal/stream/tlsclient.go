package stream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
)

// CertVerifyMode mirrors spec §4.C's server-cert-verify enum.
type CertVerifyMode int

const (
	VerifyFull CertVerifyMode = iota
	VerifyIgnoreHostname
	VerifyInsecure
)

// RootCertSource selects where the client's trust anchors come from.
type RootCertSource struct {
	UseSystem bool
	CustomDER [][]byte // DER-encoded certs, used when UseSystem is false
}

// ClientTLSParams is the full input set spec §4.C names for constructing
// a client-side TLS session.
type ClientTLSParams struct {
	VerifyMode     CertVerifyMode
	Roots          RootCertSource
	ClientCert     *tls.Certificate // optional mutual-TLS client cert
	CRLs           []*x509.RevocationList
	MinVersion     uint16 // 0 = library default
	MaxVersion     uint16
	ALPN           []string
	ServerName     string // SNI and verified host name; used as given, no default
	KeyLogEnabled  bool
	KeyLogFile     interface{ Write([]byte) (int, error) }
}

func (p *ClientTLSParams) rootPool() (*x509.CertPool, error) {
	if p.Roots.UseSystem {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("loading system cert pool: %w", err)
		}
		if pool == nil {
			pool = x509.NewCertPool()
		}
		return pool, nil
	}
	pool := x509.NewCertPool()
	for _, der := range p.Roots.CustomDER {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parsing custom root certificate: %w", err)
		}
		pool.AddCert(cert)
	}
	return pool, nil
}

func (p *ClientTLSParams) buildConfig() (*tls.Config, error) {
	roots, err := p.rootPool()
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		RootCAs:            roots,
		ServerName:         p.ServerName,
		InsecureSkipVerify: p.VerifyMode != VerifyFull,
		MinVersion:         p.MinVersion,
		MaxVersion:         p.MaxVersion,
		NextProtos:         p.ALPN,
	}
	if p.ClientCert != nil {
		cfg.Certificates = []tls.Certificate{*p.ClientCert}
	}
	if p.KeyLogEnabled && p.KeyLogFile != nil {
		cfg.KeyLogWriter = p.KeyLogFile
	}

	switch p.VerifyMode {
	case VerifyFull:
		cfg.VerifyPeerCertificate = p.verifyWithCRL(roots, true)
	case VerifyIgnoreHostname:
		cfg.VerifyPeerCertificate = p.verifyWithCRL(roots, false)
	case VerifyInsecure:
		// No verification at all; InsecureSkipVerify already disables the
		// library's own checks.
	}
	return cfg, nil
}

// verifyWithCRL builds the VerifyPeerCertificate callback that layers CRL
// checking and (when checkChain is true) issuer-chain validation on
// top of Go's TLS library, since crypto/tls has no built-in CRL support.
func (p *ClientTLSParams) verifyWithCRL(roots *x509.CertPool, checkChain bool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("tls: no peer certificates presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("tls: parsing peer certificate: %w", err)
		}
		for _, crl := range p.CRLs {
			for _, rc := range crl.RevokedCertificateEntries {
				if rc.SerialNumber != nil && leaf.SerialNumber != nil && rc.SerialNumber.Cmp(leaf.SerialNumber) == 0 {
					return ErrCertificateRevoked
				}
			}
		}
		if !checkChain {
			return nil
		}
		intermediates := x509.NewCertPool()
		for _, der := range rawCerts[1:] {
			if c, err := x509.ParseCertificate(der); err == nil {
				intermediates.AddCert(c)
			}
		}
		_, err = leaf.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIssuer, err)
		}
		return nil
	}
}

func upgradeClient(ctx context.Context, raw net.Conn, params *ClientTLSParams) (*tls.Conn, error) {
	if params == nil {
		params = &ClientTLSParams{Roots: RootCertSource{UseSystem: true}}
	}
	cfg, err := params.buildConfig()
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, classifyClientError(err)
	}
	return tlsConn, nil
}
