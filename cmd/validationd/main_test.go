package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "github.com/fyrsmithlabs/validationd/internal/http"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "validationd by Fyrsmith Labs")
	assert.Contains(t, out.String(), "Version:    dev")
}

func TestStartEmbeddedNATS(t *testing.T) {
	srv, err := startEmbeddedNATS(filepath.Join(t.TempDir(), "nats"))
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	_, err = nc.JetStream()
	assert.NoError(t, err)
}

func TestServeIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	dir := t.TempDir()
	port := freePort(t)
	t.Setenv("HOME", dir)
	t.Setenv("SERVER_HTTP_PORT", fmt.Sprint(port))
	t.Setenv("STORE_PATH", filepath.Join(dir, "validationd.db"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx, &options{host: "127.0.0.1", embeddedNATS: true})
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	var health apihttp.HealthResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&health) == nil
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.PendingKickoffs)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
