// Package pairing bootstraps a new tunnel group: it generates a dedicated
// ed25519 keypair, provisions a restricted tunnel user on the remote host
// over a password-authenticated SSH session, and writes the initial group
// document.
package pairing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/mlagier/sshtunnel/internal/config"
	"github.com/mlagier/sshtunnel/pkg/types"
)

// TunnelUser is the account created on the remote host. It has no shell;
// its only purpose is to accept the tunnel connection.
const TunnelUser = "tunnel_user"

const provisionScript = "useradd -m -s /bin/false " + TunnelUser +
	" && mkdir -p ~" + TunnelUser + "/.ssh" +
	" && cat >> ~" + TunnelUser + "/.ssh/authorized_keys"

// Pairing drives the bootstrap flow.
type Pairing struct {
	store    *config.Store
	settings *config.Settings
	log      *slog.Logger
}

// New wires the pairing flow to its collaborators.
func New(store *config.Store, settings *config.Settings, log *slog.Logger) *Pairing {
	return &Pairing{store: store, settings: settings, log: log}
}

// Run pairs with the remote host and persists the resulting group document.
// bandwidth is an optional "up/down" limit pair in KB/s.
func (p *Pairing) Run(name, ip, adminUser, password, bandwidth string) error {
	keyPath := filepath.Join(p.settings.KeyDir, name+"_key")
	authorized, err := generateKeypair(keyPath)
	if err != nil {
		return err
	}
	if err := p.provision(ip, adminUser, password, authorized); err != nil {
		return err
	}

	cfg := &types.GroupConfig{
		User:       TunnelUser,
		IP:         ip,
		SSHPort:    22,
		SSHKeyPath: keyPath,
		Tunnels:    &types.TunnelTable{},
	}
	if bandwidth != "" {
		bw, err := parseBandwidth(bandwidth)
		if err != nil {
			return err
		}
		cfg.Bandwidth = bw
	}
	if err := p.store.Save(name, cfg); err != nil {
		return err
	}
	p.log.Info("pairing complete", "group", name, "ip", ip, "key", keyPath)
	return nil
}

// generateKeypair writes an ed25519 private key to keyPath (0600) and its
// public half to keyPath.pub, returning the authorized_keys line.
func generateKeypair(keyPath string) ([]byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	authorized := ssh.MarshalAuthorizedKey(sshPub)
	if err := os.WriteFile(keyPath+".pub", authorized, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}
	return authorized, nil
}

// provision creates the tunnel user remotely and installs the public key,
// feeding it to the remote shell's stdin.
func (p *Pairing) provision(ip, adminUser, password string, authorized []byte) error {
	sshConfig := &ssh.ClientConfig{
		User: adminUser,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
		},
		// First contact with the host, nothing to verify against yet.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := ip + ":22"
	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(authorized)
	if err := session.Run(provisionScript); err != nil {
		return fmt.Errorf("remote provisioning failed: %w", err)
	}
	return nil
}

func parseBandwidth(s string) (*types.Bandwidth, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid bandwidth %q, want up/down", s)
	}
	up, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid bandwidth %q: %w", s, err)
	}
	down, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid bandwidth %q: %w", s, err)
	}
	return &types.Bandwidth{Up: up, Down: down}, nil
}
