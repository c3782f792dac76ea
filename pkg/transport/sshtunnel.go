package transport

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/jhaynes/fuo/pkg/upgrade"
)

// SSHTunnelConfig describes how to reach a device's management socket
// through an SSH-accessible gateway host (e.g. a lab bench controller
// sitting in front of the board).
type SSHTunnelConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	KeyFile    string
	RemoteAddr string // address of the device socket, from the gateway's perspective
	Timeout    time.Duration
}

// SSHTunnel is an upgrade.Transport that connects to a device indirectly
// by dialing RemoteAddr from inside an SSH session to Host.
type SSHTunnel struct {
	observerSet

	cfg       SSHTunnelConfig
	client    *ssh.Client
	agentConn net.Conn
	conn      net.Conn
}

// NewSSHTunnel builds a tunnel transport for the given config.
func NewSSHTunnel(cfg SSHTunnelConfig) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SSHTunnel{cfg: cfg}
}

// Connect dials the gateway host over SSH, then dials the device's
// remote address through that session.
func (t *SSHTunnel) Connect() (upgrade.ConnectOutcome, error) {
	t.closeLocked()

	clientConfig := &ssh.ClientConfig{
		User:            t.cfg.User,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.cfg.Timeout,
	}

	if t.cfg.KeyFile != "" {
		key, err := os.ReadFile(t.cfg.KeyFile)
		if err != nil {
			return upgrade.ConnectResultFailed, fmt.Errorf("read SSH key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return upgrade.ConnectResultFailed, fmt.Errorf("parse SSH private key: %w", err)
		}
		clientConfig.Auth = append(clientConfig.Auth, ssh.PublicKeys(signer))
	}

	if conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK")); err == nil {
		t.agentConn = conn
		sshAgent := agent.NewClient(conn)
		if signers, err := sshAgent.Signers(); err == nil && len(signers) > 0 {
			clientConfig.Auth = append(clientConfig.Auth, ssh.PublicKeys(signers...))
		}
	}

	if t.cfg.Password != "" {
		clientConfig.Auth = append(clientConfig.Auth, ssh.Password(t.cfg.Password))
	}

	if len(clientConfig.Auth) == 0 {
		return upgrade.ConnectResultFailed, fmt.Errorf("no SSH authentication method available")
	}

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		// A gateway that refuses connections shortly after a device
		// reset (it may also be rebooting, or mid-handoff) is the
		// expected transient case; the reconnect coordinator retries.
		return upgrade.ConnectResultDeferred, nil
	}
	t.client = client

	conn, err := client.Dial("tcp", t.cfg.RemoteAddr)
	if err != nil {
		_ = client.Close()
		t.client = nil
		return upgrade.ConnectResultFailed, fmt.Errorf("dial device at %s: %w", t.cfg.RemoteAddr, err)
	}
	t.conn = conn

	t.notify(upgrade.Connected)
	return upgrade.ConnectResultConnected, nil
}

// Close tears down the device connection, the SSH client, and the
// agent socket, in that order.
func (t *SSHTunnel) Close() error {
	t.closeLocked()
	t.notify(upgrade.Disconnected)
	return nil
}

func (t *SSHTunnel) closeLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
	if t.agentConn != nil {
		_ = t.agentConn.Close()
		t.agentConn = nil
	}
}
