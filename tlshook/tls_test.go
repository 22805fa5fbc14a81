package tlshook

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/yaomer/angelgo/buffer"
)

// selfSignedConfig mirrors the shape of a minimal ad-hoc cert generator (one
// RSA key, one self-signed leaf) seen elsewhere in the retrieval pack,
// scaled down to exactly what a handshake test needs.
func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return &tls.Config{Certificates: []tls.Certificate{pair}, InsecureSkipVerify: true}
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

// fakeOwner stands in for *loop.Loop: it just runs f synchronously, since
// these tests don't exercise a real event loop.
type fakeOwner struct{}

func (fakeOwner) QueueInLoop(f func()) { f() }

func TestWrapServerAndClientConnHandshakeAndExchangeMessages(t *testing.T) {
	serverFD, clientFD := socketpair(t)
	cfg := selfSignedConfig(t)

	type result struct {
		c   *Connection
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := WrapServerConn(fakeOwner{}, 1, serverFD, nil, cfg)
		serverCh <- result{c, err}
	}()

	clientCfg := &tls.Config{InsecureSkipVerify: true}
	clientConn, err := WrapClientConn(fakeOwner{}, 2, clientFD, nil, clientCfg)
	require.NoError(t, err)

	srvResult := <-serverCh
	require.NoError(t, srvResult.err)
	serverConn := srvResult.c

	received := make(chan string, 1)
	serverConn.SetMessageHandler(func(c *Connection, in *buffer.Buffer) {
		received <- in.RetrieveAsString(in.Readable())
	})
	serverConn.Start()
	clientConn.Start()

	clientConn.SendString("hello over tls")

	select {
	case msg := <-received:
		assert.Equal(t, "hello over tls", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}

	clientConn.Close()
	clientConn.CloseWait()
	serverConn.ForceClose()
	serverConn.CloseWait()
}

func TestWrapServerConnFailsWhenPeerClosesDuringHandshake(t *testing.T) {
	serverFD, clientFD := socketpair(t)
	cfg := selfSignedConfig(t)

	type result struct {
		c   *Connection
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := WrapServerConn(fakeOwner{}, 1, serverFD, nil, cfg)
		serverCh <- result{c, err}
	}()

	// Closing the raw client fd immediately, instead of speaking TLS,
	// must surface as a handshake error rather than hang.
	require.NoError(t, unix.Close(clientFD))

	srvResult := <-serverCh
	assert.Error(t, srvResult.err)
	assert.Nil(t, srvResult.c)
}
