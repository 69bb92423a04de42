package gmailsmtp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/gmail-relay/internal/provider"
	relaytls "github.com/shineum/gmail-relay/internal/tls"
)

// startTLSServer runs the fake backend behind a self-signed certificate,
// either with implicit TLS or offering STARTTLS. It returns the address and a
// client config that trusts the certificate.
func startTLSServer(t *testing.T, backend *fakeBackend, implicit bool) (string, *tls.Config) {
	t.Helper()

	serverCfg, err := relaytls.LoadOrGenerate("", "", nil)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(serverCfg.Certificates[0].Leaf)

	srv := smtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	srv.TLSConfig = serverCfg

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if implicit {
		ln = tls.NewListener(ln, serverCfg)
	}

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().String(), &tls.Config{RootCAs: pool, ServerName: "localhost", MinVersion: tls.VersionTLS12}
}

func TestSend_ImplicitTLS(t *testing.T) {
	t.Parallel()

	rec := &received{}
	addr, clientCfg := startTLSServer(t, &fakeBackend{rec: rec, validToken: "access-1"}, true)

	p, err := New(Config{Addr: addr, Security: SecurityTLS, Account: "relay@gmail.com", TLSConfig: clientCfg},
		&countingTokenSource{token: "access-1"})
	require.NoError(t, err)

	require.NoError(t, p.Send(context.Background(), testMessage()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"owner@example.com"}, rec.rcpts)
}

func TestSend_StartTLS(t *testing.T) {
	t.Parallel()

	rec := &received{}
	addr, clientCfg := startTLSServer(t, &fakeBackend{rec: rec, validToken: "access-1"}, false)

	p, err := New(Config{Addr: addr, Security: SecurityStartTLS, Account: "relay@gmail.com", TLSConfig: clientCfg},
		&countingTokenSource{token: "access-1"})
	require.NoError(t, err)

	require.NoError(t, p.Send(context.Background(), testMessage()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "relay@gmail.com", rec.from)
}

func TestSend_UntrustedCertificate(t *testing.T) {
	t.Parallel()

	addr, _ := startTLSServer(t, &fakeBackend{rec: &received{}, validToken: "access-1"}, true)

	p, err := New(Config{Addr: addr, Security: SecurityTLS, Account: "relay@gmail.com"},
		&countingTokenSource{token: "access-1"})
	require.NoError(t, err)

	err = p.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Equal(t, provider.KindTransport, provider.KindOf(err))
}
