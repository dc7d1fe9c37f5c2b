package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/dbbouncer/edgewire/internal/auth"
	"github.com/dbbouncer/edgewire/internal/config"
	"github.com/dbbouncer/edgewire/internal/handshake"
	"github.com/dbbouncer/edgewire/internal/pool"
	"github.com/dbbouncer/edgewire/internal/router"
	"github.com/dbbouncer/edgewire/internal/stream"
)

// ConnectionHandler handles a client connection for a specific wire
// protocol once it has been sniffed/dispatched by Server's accept loop.
type ConnectionHandler interface {
	Handle(ctx context.Context, clientConn net.Conn) error
}

// relay copies data bidirectionally between client and backend
// connections — the session-management loop spec §2 hands a Ready
// stream off to, once the handshake state machines and the pool are out
// of the way. Returns when either side closes, errors, or ctx is done.
func relay(ctx context.Context, client, backend net.Conn) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)

	// Client → Backend
	go func() {
		defer wg.Done()
		_, err := io.Copy(backend, client)
		errCh <- err
		if tc, ok := backend.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	// Backend → Client
	go func() {
		defer wg.Done()
		_, err := io.Copy(client, backend)
		errCh <- err
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	select {
	case <-ctx.Done():
		client.Close()
		backend.Close()
	case err := <-errCh:
		if err != nil && err != io.EOF {
			client.Close()
			backend.Close()
			return err
		}
	}

	wg.Wait()
	return nil
}

// credentialForAuthType builds the auth.Credential a configured database
// asks its clients to satisfy, per its DatabaseConfig.AuthType and
// Password. Mirrors spec §3's Deny|Trust|Plain|Md5|ScramSha256 sum type;
// md5's stored hash is salted with the client-offered user, not a fixed
// one, per internal/auth.MD5StoredHash's documented formula.
func credentialForAuthType(dc config.DatabaseConfig, user string) (auth.Credential, error) {
	switch dc.AuthType {
	case "", "trust":
		return auth.TrustCredential(), nil
	case "plain":
		return auth.PlainCredential(dc.Password), nil
	case "md5":
		return auth.MD5Credential(auth.MD5StoredHash(dc.Password, user)), nil
	case "scram-sha-256":
		v, err := auth.NewScramVerifier(dc.Password)
		if err != nil {
			return auth.Credential{}, fmt.Errorf("proxy: deriving scram verifier: %w", err)
		}
		return auth.ScramCredential(v), nil
	default:
		return auth.DenyCredential(), nil
	}
}

// pgCredentialLookup adapts the router's database table to
// rawconn.PGCredentialLookup: spec §4.B.2's "auth(user, database)"
// callback.
func pgCredentialLookup(r *router.Router) func(user, database string) auth.Credential {
	return func(user, database string) auth.Credential {
		dc, err := r.Resolve(database)
		if err != nil {
			return auth.DenyCredential()
		}
		cred, err := credentialForAuthType(dc, user)
		if err != nil {
			return auth.DenyCredential()
		}
		return cred
	}
}

// edgeCredentialLookup adapts the router's database table to
// rawconn.EdgeDBCredentialLookup: spec §4.B.3's "auth(user, database,
// branch)" callback. Branch selection is out of scope for the pool
// (component E indexes by database name only), so it is accepted but not
// otherwise consulted here.
func edgeCredentialLookup(r *router.Router) func(user, database, branch string) auth.Credential {
	return func(user, database, branch string) auth.Credential {
		dc, err := r.Resolve(database)
		if err != nil {
			return auth.DenyCredential()
		}
		cred, err := credentialForAuthType(dc, user)
		if err != nil {
			return auth.DenyCredential()
		}
		return cred
	}
}

// BackendTargetLookup adapts the router's database table to
// pool.TargetLookup, the function PGConnector consults to learn how to
// reach and authenticate against a database's real backend. Exported so
// cmd/dbbouncer can build the shared Connector before constructing the
// pool, independent of this package's own Server.
func BackendTargetLookup(r *router.Router) pool.TargetLookup {
	return func(db string) (pool.BackendTarget, bool) {
		dc, err := r.Resolve(db)
		if err != nil {
			return pool.BackendTarget{}, false
		}
		return pool.BackendTarget{
			Address:        fmt.Sprintf("%s:%d", dc.Host, dc.Port),
			Database:       dc.DBName,
			User:           dc.Username,
			Password:       dc.Password,
			SslRequirement: handshake.SslOptional,
			DialTimeout:    dc.EffectiveDialTimeout(r.Defaults()),
		}, true
	}
}

// buildServerTLSProvider loads the listener's certificate/key (and
// optional client-CA bundle) into a stream.ServerParameterProvider, or
// returns nil if TLS is not configured for this listener (spec §4.C:
// plaintext remains a supported inner state).
func buildServerTLSProvider(lc config.ListenConfig) (stream.ServerParameterProvider, error) {
	if !lc.TLSEnabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("proxy: loading TLS certificate: %w", err)
	}

	params := &stream.ServerParameters{
		ServerCert: cert,
		ALPN:       lc.ALPNProtocols,
	}

	if lc.TLSClientCAFile != "" {
		pem, err := os.ReadFile(lc.TLSClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("proxy: reading client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("proxy: no certificates found in %s", lc.TLSClientCAFile)
		}
		params.ClientCAs = pool
		if lc.RequireClientCert {
			params.ClientCertVerify = stream.ClientCertValidate
		} else {
			params.ClientCertVerify = stream.ClientCertOptional
		}
	} else if lc.RequireClientCert {
		return nil, fmt.Errorf("proxy: require_client_cert set without tls_client_ca_file")
	}

	return stream.StaticServerParameters{Params: params}, nil
}
