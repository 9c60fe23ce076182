// Package identity implements the persistent per-device Ed25519 keypair,
// human identity label, and peer-code encoding.
//
// The keypair is stored as three files (identity.pub, identity.key,
// identity.txt) under the config directory, created 0700 with the
// secret key at 0600 and the public files at 0644. The loaded secret
// key is exposed as the exported Identity.Private field, which the host
// loop, client loop and handshake dialer read directly for signing and
// key agreement.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2s"

	"rootstream/internal/rcrypto"
	"rootstream/internal/rserrors"
)

const (
	pubFileName  = "identity.pub"
	keyFileName  = "identity.key"
	textFileName = "identity.txt"

	dirMode  = 0o700
	pubMode  = 0o644
	keyMode  = 0o600
	textMode = 0o644
)

// Identity is the loaded-or-generated device identity: the Ed25519
// keypair plus a human label and the derived peer code.
type Identity struct {
	Public    ed25519.PublicKey
	Private   ed25519.PrivateKey
	Label     string
	PeerCode  string
}

// ConfigDir resolves the identity directory: $XDG_CONFIG_HOME/rootstream
// or ~/.config/rootstream.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rootstream"), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "", fmt.Errorf("resolve config dir: %w: HOME not set", rserrors.ErrConfig)
	}
	return filepath.Join(home, ".config", "rootstream"), nil
}

// Load reads identity.pub, identity.key, and identity.txt from dir. A
// missing secret-key file wraps os.ErrNotExist (check with errors.Is);
// any other failure wraps rserrors.ErrConfig.
func Load(dir string) (*Identity, error) {
	keyPath := filepath.Join(dir, keyFileName)
	info, err := os.Stat(keyPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("load identity: %w: %v", os.ErrNotExist, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w: %v", rserrors.ErrConfig, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		// Warn-only; the caller decides whether to tighten it.
		fmt.Fprintf(os.Stderr, "WARNING: %s has group/other permissions set (mode %04o)\n", keyPath, info.Mode().Perm())
	}

	seed, err := os.ReadFile(keyPath)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("load identity: %w: bad secret key file", rserrors.ErrConfig)
	}
	priv := ed25519.NewKeyFromSeed(seed)

	pubRaw, err := os.ReadFile(filepath.Join(dir, pubFileName))
	if err != nil || len(pubRaw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("load identity: %w: bad public key file", rserrors.ErrConfig)
	}
	pub := ed25519.PublicKey(pubRaw)

	labelRaw, err := os.ReadFile(filepath.Join(dir, textFileName))
	label := strings.TrimSpace(string(labelRaw))
	if err != nil || label == "" {
		label = defaultLabel()
	}

	return &Identity{
		Public:   pub,
		Private:  priv,
		Label:    label,
		PeerCode: FormatPeerCode(pub, label),
	}, nil
}

// Save writes identity.pub, identity.key, and identity.txt to dir,
// creating dir with mode 0700 if it doesn't exist.
func (id *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("save identity: %w: %v", rserrors.ErrConfig, err)
	}
	if err := os.WriteFile(filepath.Join(dir, keyFileName), id.Private.Seed(), keyMode); err != nil {
		return fmt.Errorf("save identity: %w: %v", rserrors.ErrConfig, err)
	}
	if err := os.WriteFile(filepath.Join(dir, pubFileName), id.Public, pubMode); err != nil {
		return fmt.Errorf("save identity: %w: %v", rserrors.ErrConfig, err)
	}
	if err := os.WriteFile(filepath.Join(dir, textFileName), []byte(id.Label+"\n"), textMode); err != nil {
		return fmt.Errorf("save identity: %w: %v", rserrors.ErrConfig, err)
	}
	return nil
}

// GenerateIfMissing loads the identity from dir, or generates and saves a
// fresh one under label if none exists yet.
func GenerateIfMissing(dir, label string) (*Identity, error) {
	id, err := Load(dir)
	if err == nil {
		return id, nil
	}
	if label == "" {
		label = defaultLabel()
	}

	fresh, err := rcrypto.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	id = &Identity{
		Public:   fresh.Public,
		Private:  fresh.Private,
		Label:    label,
		PeerCode: FormatPeerCode(fresh.Public, label),
	}
	if err := id.Save(dir); err != nil {
		return nil, err
	}
	return id, nil
}

// Wipe zeroes the in-memory private key. Call on shutdown.
func (id *Identity) Wipe() {
	if id == nil {
		return
	}
	rcrypto.SecureWipe(id.Private)
}

// FormatFingerprint renders a 32-byte public key as a 16-hex-char,
// dash-grouped fingerprint for human verification: "xxxx-xxxx-xxxx-xxxx".
// Deterministic: a pure function of the key.
func FormatFingerprint(pub ed25519.PublicKey) string {
	sum := blake2s.Sum256(pub)
	hexStr := hex.EncodeToString(sum[:8]) // 16 hex chars
	var groups []string
	for i := 0; i < len(hexStr); i += 4 {
		groups = append(groups, hexStr[i:i+4])
	}
	return strings.Join(groups, "-")
}

// FormatPeerCode renders the textual peer identifier:
// <base64(public_key)>@<identity>.
func FormatPeerCode(pub ed25519.PublicKey, label string) string {
	return base64.StdEncoding.EncodeToString(pub) + "@" + label
}

// ParsePeerCode splits a peer code on the first '@', base64-decodes the
// left side, and validates the result is a non-zero 32-byte public key.
// Round-trips with FormatPeerCode.
func ParsePeerCode(code string) (ed25519.PublicKey, string, error) {
	idx := strings.IndexByte(code, '@')
	if idx < 0 {
		return nil, "", fmt.Errorf("parse peer code: %w: missing '@'", rserrors.ErrConfig)
	}
	keyPart, label := code[:idx], code[idx+1:]

	raw, err := base64.StdEncoding.DecodeString(keyPart)
	if err != nil {
		return nil, "", fmt.Errorf("parse peer code: %w: %v", rserrors.ErrConfig, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, "", fmt.Errorf("parse peer code: %w: wrong key length %d", rserrors.ErrConfig, len(raw))
	}

	allZero := true
	for _, b := range raw {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, "", fmt.Errorf("parse peer code: %w: zero public key", rserrors.ErrConfig)
	}
	if label == "" {
		return nil, "", fmt.Errorf("parse peer code: %w: empty identity label", rserrors.ErrConfig)
	}

	return ed25519.PublicKey(raw), label, nil
}

func defaultLabel() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "rootstream-host"
	}
	if len(h) > 64 {
		h = h[:64]
	}
	return h
}
