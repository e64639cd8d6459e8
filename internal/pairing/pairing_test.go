package pairing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/mlagier/sshtunnel/pkg/types"
)

func TestGenerateKeypair(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "site1_key")
	authorized, err := generateKeypair(keyPath)
	if err != nil {
		t.Fatalf("generateKeypair: %v", err)
	}

	if !strings.HasPrefix(string(authorized), "ssh-ed25519 ") {
		t.Errorf("authorized key line = %q", authorized)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("private key missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("private key mode = %v, want 0600", info.Mode().Perm())
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		t.Fatalf("generated key does not parse: %v", err)
	}

	pubData, err := os.ReadFile(keyPath + ".pub")
	if err != nil {
		t.Fatalf("public key missing: %v", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(pubData)
	if err != nil {
		t.Fatalf("public key does not parse: %v", err)
	}
	if string(pub.Marshal()) != string(signer.PublicKey().Marshal()) {
		t.Error("public key does not match the private key")
	}
}

func TestParseBandwidth(t *testing.T) {
	cases := []struct {
		in      string
		want    types.Bandwidth
		wantErr bool
	}{
		{"100/500", types.Bandwidth{Up: 100, Down: 500}, false},
		{"0/0", types.Bandwidth{}, false},
		{"100", types.Bandwidth{}, true},
		{"a/b", types.Bandwidth{}, true},
		{"100/", types.Bandwidth{}, true},
	}
	for _, c := range cases {
		got, err := parseBandwidth(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseBandwidth(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseBandwidth(%q): %v", c.in, err)
			continue
		}
		if *got != c.want {
			t.Errorf("parseBandwidth(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}
