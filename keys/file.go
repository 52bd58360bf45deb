package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/giantswarm/mindflow-oauth/security"
)

const (
	pemTypePrivateKey = "PRIVATE KEY"
	pemTypeSealedKey  = "MINDFLOW SEALED PRIVATE KEY"

	keyFileMode = 0o600
)

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// PEM headers recorded on every block of the key file
const (
	headerCreatedAt = "Created-At"
	headerRetiredAt = "Retired-At"
)

// storedKey is one PEM block of the key file. The active key is written
// first and has no Retired-At header.
type storedKey struct {
	priv      *rsa.PrivateKey
	createdAt time.Time
	retiredAt time.Time
}

// readKeyFile parses the PKCS#8 PEM blocks of path, opening sealed blocks
// first. The first block is the active key, the rest are retired keys.
func readKeyFile(path string, enc *security.Encryptor) ([]storedKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var stored []storedKey
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		k, err := parseKeyBlock(path, block, enc)
		if err != nil {
			return nil, err
		}
		stored = append(stored, k)
	}

	if len(stored) == 0 {
		return nil, fmt.Errorf("key file %s contains no PEM block", path)
	}
	if !stored[0].retiredAt.IsZero() {
		return nil, fmt.Errorf("key file %s does not start with the active key", path)
	}
	for _, k := range stored[1:] {
		if k.retiredAt.IsZero() {
			return nil, fmt.Errorf("key file %s holds more than one active key", path)
		}
	}
	return stored, nil
}

func parseKeyBlock(path string, block *pem.Block, enc *security.Encryptor) (storedKey, error) {
	der := block.Bytes
	switch block.Type {
	case pemTypePrivateKey:
	case pemTypeSealedKey:
		if !enc.IsEnabled() {
			return storedKey{}, fmt.Errorf("key file %s is encrypted but no encryption key is configured", path)
		}
		var err error
		der, err = enc.Open(block.Bytes)
		if err != nil {
			return storedKey{}, fmt.Errorf("failed to decrypt key file: %w", err)
		}
	default:
		return storedKey{}, fmt.Errorf("unexpected PEM block %q in %s", block.Type, path)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return storedKey{}, fmt.Errorf("failed to parse key file: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return storedKey{}, fmt.Errorf("key file %s does not hold an RSA key", path)
	}

	k := storedKey{priv: priv}
	if k.createdAt, err = parseHeaderTime(block.Headers, headerCreatedAt); err != nil {
		return storedKey{}, fmt.Errorf("key file %s: %w", path, err)
	}
	if k.retiredAt, err = parseHeaderTime(block.Headers, headerRetiredAt); err != nil {
		return storedKey{}, fmt.Errorf("key file %s: %w", path, err)
	}
	return k, nil
}

// parseHeaderTime returns the zero time when the header is absent
func parseHeaderTime(headers map[string]string, name string) (time.Time, error) {
	v, ok := headers[name]
	if !ok {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s header: %w", name, err)
	}
	return t, nil
}

// writeKeyFile replaces path atomically with mode 0600. active is written
// first, followed by the retired keys with their retirement time.
func writeKeyFile(path string, active SigningKey, retired []SigningKey, enc *security.Encryptor) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".signing-key-*")
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(keyFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set key file mode: %w", err)
	}
	for _, k := range append([]SigningKey{active}, retired...) {
		block, err := keyBlock(k, enc)
		if err != nil {
			tmp.Close()
			return err
		}
		if err := pem.Encode(tmp, block); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write key file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install key file: %w", err)
	}
	return nil
}

func keyBlock(k SigningKey, enc *security.Encryptor) (*pem.Block, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signing key: %w", err)
	}

	headers := map[string]string{headerCreatedAt: k.CreatedAt.UTC().Format(time.RFC3339Nano)}
	if k.Retired() {
		headers[headerRetiredAt] = k.RetiredAt.UTC().Format(time.RFC3339Nano)
	}

	if !enc.IsEnabled() {
		return &pem.Block{Type: pemTypePrivateKey, Headers: headers, Bytes: der}, nil
	}
	sealed, err := enc.Seal(der)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt signing key: %w", err)
	}
	return &pem.Block{Type: pemTypeSealedKey, Headers: headers, Bytes: sealed}, nil
}
