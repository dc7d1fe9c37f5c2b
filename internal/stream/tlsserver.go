package stream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
)

// ClientCertVerifyMode mirrors spec §4.C's server-side
// Ignore|Optional(cas)|Validate(cas) enum.
type ClientCertVerifyMode int

const (
	ClientCertIgnore ClientCertVerifyMode = iota
	ClientCertOptional
	ClientCertValidate
)

// ServerParameters is spec §4.C's per-connection TLS server config,
// produced either statically or by a per-SNI lookup.
type ServerParameters struct {
	ServerCert       tls.Certificate
	ClientCertVerify ClientCertVerifyMode
	ClientCAs        *x509.CertPool
	MinVersion       uint16
	MaxVersion       uint16
	ALPN             []string
}

// ServerParameterProvider is consulted lazily, after the TLS ClientHello
// is parsed, so that SNI-based routing can pick per-tenant certificates.
type ServerParameterProvider interface {
	// Parameters is called once per upgrade with the SNI name the client
	// offered (empty if none). It returns the parameters to use, or an
	// error to abort the handshake before any certificate is sent.
	Parameters(serverName string) (*ServerParameters, error)
}

// StaticServerParameters implements ServerParameterProvider by always
// returning the same parameters regardless of SNI.
type StaticServerParameters struct {
	Params *ServerParameters
}

func (s StaticServerParameters) Parameters(string) (*ServerParameters, error) {
	return s.Params, nil
}

// SNIServerParameterProvider implements ServerParameterProvider with a
// dynamic lookup-by-SNI callback.
type SNIServerParameterProvider struct {
	Lookup func(serverName string) (*ServerParameters, error)
}

func (s SNIServerParameterProvider) Parameters(serverName string) (*ServerParameters, error) {
	return s.Lookup(serverName)
}

func upgradeServer(ctx context.Context, raw net.Conn, provider ServerParameterProvider) (*tls.Conn, error) {
	if provider == nil {
		return nil, &SslError{Kind: SslHandshakeFailed, Err: fmt.Errorf("no TLS server parameters configured")}
	}

	cfg := &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			params, err := provider.Parameters(hello.ServerName)
			if err != nil {
				return nil, err
			}
			if params == nil {
				return nil, fmt.Errorf("tls: no server parameters for SNI %q", hello.ServerName)
			}
			return buildServerConfig(params), nil
		},
	}

	tlsConn := tls.Server(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, classifyClientError(err)
	}
	return tlsConn, nil
}

func buildServerConfig(p *ServerParameters) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{p.ServerCert},
		MinVersion:   p.MinVersion,
		MaxVersion:   p.MaxVersion,
		NextProtos:   p.ALPN,
	}
	switch p.ClientCertVerify {
	case ClientCertIgnore:
		cfg.ClientAuth = tls.NoClientCert
	case ClientCertOptional:
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		cfg.ClientCAs = p.ClientCAs
	case ClientCertValidate:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = p.ClientCAs
	}
	return cfg
}

// NegotiateALPN intersects a listener's configured protocol list with a
// client's offered list, returning the first match in the listener's
// preference order. Spec §4.C: "taking the configured listener's first
// acceptable protocol."
func NegotiateALPN(listenerProtocols, clientOffered []string) (string, bool) {
	offered := make(map[string]bool, len(clientOffered))
	for _, p := range clientOffered {
		offered[p] = true
	}
	for _, p := range listenerProtocols {
		if offered[p] {
			return p, true
		}
	}
	return "", false
}
