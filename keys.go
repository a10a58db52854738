package finch

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// newKey derives a 32-byte database key from a password and a per-install
// random salt. The salt is created on first use and persisted next to the
// databases; losing it makes every derived key unrecoverable.
func newKey(password, root, saltName string) ([]byte, error) {
	var salt [16]byte
	saltPath := filepath.Join(root, saltName)
	if _, err := os.Stat(saltPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if _, err := crypto_rand.Read(salt[:]); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_SYNC, 0o400) // #nosec G304
		if err != nil {
			return nil, err
		}
		n, err := f.Write(salt[:])
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if n != 16 {
			_ = f.Close()
			return nil, fmt.Errorf("expected to write 16 bytes, got %d", n)
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
		return argon2.IDKey([]byte(password), salt[:], 1, 64*1024, 4, 32), nil
	}

	f, err := os.OpenFile(saltPath, os.O_RDONLY, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(f, salt[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt[:], 1, 64*1024, 4, 32), nil
}
