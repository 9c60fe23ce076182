package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFreshStartIdentity(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "rootstream")

	id, err := GenerateIfMissing(cfgDir, "test-host")
	if err != nil {
		t.Fatalf("generate if missing: %v", err)
	}

	info, err := os.Stat(cfgDir)
	if err != nil {
		t.Fatalf("stat config dir: %v", err)
	}
	if info.Mode().Perm() != dirMode {
		t.Fatalf("config dir mode = %04o, want %04o", info.Mode().Perm(), dirMode)
	}

	keyInfo, err := os.Stat(filepath.Join(cfgDir, keyFileName))
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if keyInfo.Mode().Perm() != keyMode {
		t.Fatalf("key file mode = %04o, want %04o", keyInfo.Mode().Perm(), keyMode)
	}

	pub, label, err := ParsePeerCode(id.PeerCode)
	if err != nil {
		t.Fatalf("parse peer code: %v", err)
	}
	if label != "test-host" {
		t.Fatalf("label = %q, want test-host", label)
	}
	if !pub.Equal(id.Public) {
		t.Fatalf("parsed public key does not match generated key")
	}

	// Second call must load the same identity rather than regenerating.
	again, err := GenerateIfMissing(cfgDir, "test-host")
	if err != nil {
		t.Fatalf("second generate if missing: %v", err)
	}
	if !again.Public.Equal(id.Public) {
		t.Fatalf("identity was regenerated instead of loaded")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	id, err := GenerateIfMissing(t.TempDir(), "fp-host")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	a := FormatFingerprint(id.Public)
	b := FormatFingerprint(id.Public)
	if a != b {
		t.Fatalf("fingerprint not deterministic: %q vs %q", a, b)
	}
	if len(a) != 19 { // 16 hex chars + 3 dashes
		t.Fatalf("unexpected fingerprint shape: %q", a)
	}
}

func TestParsePeerCodeRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"no-at-sign",
		"not-base64!!!@host",
		"@host",
	}
	for _, c := range cases {
		if _, _, err := ParsePeerCode(c); err == nil {
			t.Fatalf("expected error parsing %q", c)
		}
	}
}
