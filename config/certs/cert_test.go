package certs

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndServeMutualTLS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, time.Hour))

	serverTLS, err := LoadServerTLSConfig(filepath.Join(dir, CAFile), filepath.Join(dir, ServerCertFile), filepath.Join(dir, ServerKeyFile))
	require.NoError(t, err)
	clientTLS, err := LoadClientTLSConfig(filepath.Join(dir, CAFile), filepath.Join(dir, ClientCertFile), filepath.Join(dir, ClientKeyFile))
	require.NoError(t, err)

	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.TLS.PeerCertificates[0].Subject.CommonName)
	}))
	server.TLS = serverTLS
	server.StartTLS()
	defer server.Close()

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "client", string(body))

	// Without a client certificate the handshake is refused.
	anonymous := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: clientTLS.RootCAs}}}
	_, err = anonymous.Get(server.URL)
	require.Error(t, err)
}

func TestLoadServerTLSConfig_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadServerTLSConfig(filepath.Join(dir, CAFile), filepath.Join(dir, ServerCertFile), filepath.Join(dir, ServerKeyFile))
	require.Error(t, err)

	require.NoError(t, Generate(dir, time.Hour))
	_, err = LoadServerTLSConfig(filepath.Join(dir, ServerKeyFile), filepath.Join(dir, ServerCertFile), filepath.Join(dir, ServerKeyFile))
	require.Error(t, err)
}
