package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-anime-cache/logger"
	"github.com/saiset-co/sai-anime-cache/types"
)

func writeKeyPair(t *testing.T, notBefore, notAfter time.Time) *types.TLSConfig {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "anicache.local"},
		DNSNames:     []string{"anicache.local"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))

	return &types.TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}
}

func TestLoadKeyPair(t *testing.T) {
	now := time.Now()
	cfg := writeKeyPair(t, now.Add(-time.Hour), now.Add(90*24*time.Hour))

	cm, err := NewCertManager(context.Background(), logger.NewNopLogger(), cfg)
	require.NoError(t, err)
	require.NoError(t, cm.Start())
	defer func() { _ = cm.Stop() }()

	status := cm.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "anicache.local", status[0].Domain)
	assert.Equal(t, "valid", status[0].Status)

	check := cm.HealthCheck(context.Background())
	assert.Equal(t, types.StatusHealthy, check.Status)

	config := cm.Config()
	assert.Len(t, config.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), config.MinVersion)
}

func TestExpiringCertificateIsDegraded(t *testing.T) {
	now := time.Now()
	cfg := writeKeyPair(t, now.Add(-time.Hour), now.Add(10*24*time.Hour))

	cm, err := NewCertManager(context.Background(), logger.NewNopLogger(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "expiring_soon", cm.Status()[0].Status)
	assert.Equal(t, types.StatusDegraded, cm.HealthCheck(context.Background()).Status)

	cm.now = func() time.Time { return now.Add(11 * 24 * time.Hour) }
	assert.Equal(t, types.StatusUnhealthy, cm.HealthCheck(context.Background()).Status)
}

func TestRejectsUnusableConfig(t *testing.T) {
	log := logger.NewNopLogger()
	ctx := context.Background()

	_, err := NewCertManager(ctx, log, nil)
	assert.ErrorIs(t, err, types.ErrTLSConfigInvalid)

	_, err = NewCertManager(ctx, log, &types.TLSConfig{Enabled: true})
	assert.ErrorIs(t, err, types.ErrTLSConfigInvalid)

	_, err = NewCertManager(ctx, log, &types.TLSConfig{Enabled: true, AutoCert: true})
	assert.ErrorIs(t, err, types.ErrTLSConfigInvalid)

	now := time.Now()
	expired := writeKeyPair(t, now.Add(-48*time.Hour), now.Add(-time.Hour))
	_, err = NewCertManager(ctx, log, expired)
	assert.ErrorIs(t, err, types.ErrCertificateInvalid)
}

func TestWrappedListenerServesTLS(t *testing.T) {
	now := time.Now()
	cfg := writeKeyPair(t, now.Add(-time.Hour), now.Add(90*24*time.Hour))

	cm, err := NewCertManager(context.Background(), logger.NewNopLogger(), cfg)
	require.NoError(t, err)

	raw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := cm.Wrap(raw)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	state := conn.ConnectionState()
	require.Len(t, state.PeerCertificates, 1)
	assert.Equal(t, "anicache.local", state.PeerCertificates[0].Subject.CommonName)
}

func TestAutocertCreatesCacheDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")

	cm, err := NewCertManager(context.Background(), logger.NewNopLogger(), &types.TLSConfig{
		Enabled:  true,
		AutoCert: true,
		Domains:  []string{"anime.example.com"},
		CacheDir: dir,
	})
	require.NoError(t, err)

	assert.DirExists(t, dir)
	assert.NotNil(t, cm.Config().GetCertificate)
}
