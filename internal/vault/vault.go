// Package vault envelope-encrypts secret values with AES-GCM under a
// versioned key ring, so keys can rotate without a flag-day re-encryption:
// new writes use the current version, reads accept any listed version.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"omnihub/pkg/faults"
)

type Vault struct {
	keys    map[int][]byte
	current int
}

// New parses a key ring of the form "1:<secret>,2:<secret>". Each secret is
// hashed to a 32-byte AES key. currentVersion 0 selects the highest version.
func New(keyring string, currentVersion int) (*Vault, error) {
	v := &Vault{keys: map[int][]byte{}}
	for _, part := range strings.Split(keyring, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ver, secret, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("vault: malformed key entry %q", ver)
		}
		n, err := strconv.Atoi(strings.TrimSpace(ver))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("vault: bad key version %q", ver)
		}
		if _, dup := v.keys[n]; dup {
			return nil, fmt.Errorf("vault: duplicate key version %d", n)
		}
		h := sha256.Sum256([]byte(secret))
		v.keys[n] = h[:]
		if n > v.current {
			v.current = n
		}
	}
	if len(v.keys) == 0 {
		return nil, errors.New("vault: empty key ring")
	}
	if currentVersion != 0 {
		if _, ok := v.keys[currentVersion]; !ok {
			return nil, fmt.Errorf("vault: current version %d not in ring", currentVersion)
		}
		v.current = currentVersion
	}
	return v, nil
}

// CurrentVersion is the version new ciphertexts are written under.
func (v *Vault) CurrentVersion() int { return v.current }

// Encrypt seals plaintext under the current key. The returned ciphertext is
// nonce||sealed; the key version is stored alongside it by the caller.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, int, error) {
	gcm, err := v.aead(v.current)
	if err != nil {
		return nil, 0, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, 0, err
	}
	out := gcm.Seal(nonce, nonce, plaintext, nil)
	return out, v.current, nil
}

// Decrypt opens a ciphertext produced under any key version in the ring.
// Tampered data or an unknown version is a hard DecryptionError — garbage is
// never returned.
func (v *Vault) Decrypt(ciphertext []byte, keyVersion int) ([]byte, error) {
	gcm, err := v.aead(keyVersion)
	if err != nil {
		return nil, &faults.DecryptionError{KeyVersion: keyVersion, Err: err}
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, &faults.DecryptionError{KeyVersion: keyVersion, Err: errors.New("ciphertext too short")}
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &faults.DecryptionError{KeyVersion: keyVersion, Err: err}
	}
	return plain, nil
}

func (v *Vault) aead(version int) (cipher.AEAD, error) {
	key, ok := v.keys[version]
	if !ok {
		return nil, fmt.Errorf("unknown key version %d", version)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
