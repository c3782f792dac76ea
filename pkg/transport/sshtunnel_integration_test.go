//go:build integration

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jhaynes/fuo/pkg/upgrade"
)

// recordingObserver captures every connection state it's notified of.
type recordingObserver struct {
	states []upgrade.ConnectionState
}

func (r *recordingObserver) DidChangeStateTo(state upgrade.ConnectionState) {
	r.states = append(r.states, state)
}

// TestSSHTunnel_Testcontainers launches a real SSH-enabled container and
// drives SSHTunnel.Connect against it, exercising the gateway dial plus
// the nested device dial in full, rather than against a fake net.Conn.
// Grounded on the teacher's pkg/executor/testcontainer_helpers.go +
// ssh_integration_test.go: launch a container, wait for the SSH port,
// dial in with password auth.
func TestSSHTunnel_Testcontainers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	// A device's remote socket is modeled here by the container's own
	// SSH listener: RemoteAddr is dialed from inside the SSH session,
	// exactly like the real gateway-to-device hop.
	req := testcontainers.ContainerRequest{
		Image:        "lscr.io/linuxserver/openssh-server:latest",
		ExposedPorts: []string{"2222/tcp"},
		Env: map[string]string{
			"PASSWORD_ACCESS": "true",
			"USER_NAME":       "fuo",
			"USER_PASSWORD":   "fuopass",
		},
		WaitingFor: wait.ForListeningPort("2222/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start SSH container")
	defer func() { _ = container.Terminate(ctx) }()

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, "2222")
	require.NoError(t, err)

	tun := NewSSHTunnel(SSHTunnelConfig{
		Host:       host,
		Port:       mapped.Int(),
		User:       "fuo",
		Password:   "fuopass",
		RemoteAddr: "127.0.0.1:2222",
		Timeout:    30 * time.Second,
	})

	obs := &recordingObserver{}
	tun.AddObserver(obs)

	outcome, err := tun.Connect()
	require.NoError(t, err)
	assert.Equal(t, upgrade.ConnectResultConnected, outcome)
	assert.Contains(t, obs.states, upgrade.Connected)

	require.NoError(t, tun.Close())
	assert.Contains(t, obs.states, upgrade.Disconnected)
}
