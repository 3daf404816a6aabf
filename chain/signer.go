package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// KeySource describes where the operator signing key lives. Exactly one of the
// fields must be set.
type KeySource struct {
	Hex      string
	Env      string
	File     string
	Keystore string
	// Passphrase resolves the keystore password. Only consulted for Keystore.
	Passphrase func() (string, error)
}

// ErrNoSigner is returned when no key source is configured.
var ErrNoSigner = errors.New("chain: signer key not configured")

// LoadKey resolves the operator key from the configured source.
func LoadKey(src KeySource) (*ecdsa.PrivateKey, error) {
	set := 0
	for _, v := range []string{src.Hex, src.Env, src.File, src.Keystore} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	switch {
	case set == 0:
		return nil, ErrNoSigner
	case set > 1:
		return nil, fmt.Errorf("chain: signer key configured from %d sources; choose one", set)
	}

	switch {
	case strings.TrimSpace(src.Hex) != "":
		return parseHexKey(src.Hex)
	case strings.TrimSpace(src.Env) != "":
		value := strings.TrimSpace(os.Getenv(strings.TrimSpace(src.Env)))
		if value == "" {
			return nil, fmt.Errorf("chain: signer env %s is empty", src.Env)
		}
		return parseHexKey(value)
	case strings.TrimSpace(src.File) != "":
		data, err := os.ReadFile(filepath.Clean(strings.TrimSpace(src.File)))
		if err != nil {
			return nil, fmt.Errorf("chain: read signer file: %w", err)
		}
		return parseHexKey(string(data))
	default:
		return loadKeystore(strings.TrimSpace(src.Keystore), src.Passphrase)
	}
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: parse signer key: %w", err)
	}
	return key, nil
}

func loadKeystore(path string, passphrase func() (string, error)) (*ecdsa.PrivateKey, error) {
	if passphrase == nil {
		return nil, fmt.Errorf("chain: keystore passphrase source required")
	}
	keyJSON, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("chain: read keystore: %w", err)
	}
	pass, err := passphrase()
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, pass)
	if err != nil {
		return nil, fmt.Errorf("chain: decrypt keystore: %w", err)
	}
	return decrypted.PrivateKey, nil
}

// SaveKeystore writes key to path as an Ethereum v3 keystore file readable only by
// the owner.
func SaveKeystore(path string, key *ecdsa.PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("chain: nil private key")
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("chain: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, keystore.LightScryptN, keystore.LightScryptP)
	if _, err := ks.ImportECDSA(key, passphrase); err != nil {
		return err
	}
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("chain: failed to create keystore file")
	}
	if err := os.Rename(filepath.Join(tmpDir, entries[0].Name()), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}
