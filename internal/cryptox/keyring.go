// Package cryptox holds medvault's cryptography: a passphrase-protected
// keyring of named AES-256 keys and the segmented streaming file cipher.
//
// Raw key material never leaves this package. Callers get a *Key handle and
// can only encrypt or decrypt streams with it.
package cryptox

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/filex"
)

var ErrWrongPassphrase = errors.New("wrong keyring passphrase")

// KeyStore hands out named keys, creating them on first use.
type KeyStore interface {
	GetOrCreate(name string) (*Key, error)
}

// Key is an opaque handle to a symmetric key held by a keyring.
type Key struct {
	name     string
	material []byte
}

func (k *Key) Name() string { return k.name }

// EncryptStream encrypts src into dst. associated binds the ciphertext to a
// context (the storage file name) and must be repeated on decrypt.
func (k *Key) EncryptStream(dst io.Writer, src io.Reader, associated []byte) error {
	return encryptStream(k.material, dst, src, associated)
}

func (k *Key) DecryptStream(dst io.Writer, src io.Reader, associated []byte) error {
	return decryptStream(k.material, dst, src, associated)
}

type wrappedKey struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

type keyringFile struct {
	Salt     []byte                `json:"salt"`
	Verifier []byte                `json:"verifier"`
	Keys     map[string]wrappedKey `json:"keys"`
}

// FileKeyring persists keys wrapped under an Argon2id-derived KEK in a JSON
// file. It is safe for concurrent use.
type FileKeyring struct {
	path string
	kek  []byte

	mu    sync.Mutex
	file  keyringFile
	cache map[string]*Key
}

// OpenFileKeyring opens (or creates) the keyring at path. A wrong passphrase
// for an existing keyring yields ErrWrongPassphrase.
func OpenFileKeyring(path string, passphrase []byte) (*FileKeyring, error) {
	kr := &FileKeyring{path: path, cache: make(map[string]*Key)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		kr.file.Salt = common.GenerateRandByteArray(32)
		kr.file.Keys = make(map[string]wrappedKey)
		kr.kek = DeriveKEK(passphrase, kr.file.Salt)
		kr.file.Verifier = MakeVerifier(kr.kek)
		if err := kr.save(); err != nil {
			return nil, err
		}
		return kr, nil
	case err != nil:
		return nil, fmt.Errorf("read keyring: %w", err)
	}

	if err := json.Unmarshal(data, &kr.file); err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}
	if kr.file.Keys == nil {
		kr.file.Keys = make(map[string]wrappedKey)
	}

	kr.kek = DeriveKEK(passphrase, kr.file.Salt)
	if subtle.ConstantTimeCompare(kr.file.Verifier, MakeVerifier(kr.kek)) == 0 {
		common.WipeByteArray(kr.kek)
		return nil, ErrWrongPassphrase
	}
	return kr, nil
}

func (kr *FileKeyring) GetOrCreate(name string) (*Key, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if k, ok := kr.cache[name]; ok {
		return k, nil
	}

	if w, ok := kr.file.Keys[name]; ok {
		material, err := open(kr.kek, w.Ciphertext, w.Nonce, []byte(name))
		if err != nil {
			return nil, fmt.Errorf("unwrap key %s: %w", name, err)
		}
		k := &Key{name: name, material: material}
		kr.cache[name] = k
		return k, nil
	}

	material := common.GenerateRandByteArray(KeySize)
	ct, nonce, err := seal(kr.kek, material, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("wrap key %s: %w", name, err)
	}
	kr.file.Keys[name] = wrappedKey{Ciphertext: ct, Nonce: nonce}
	if err := kr.save(); err != nil {
		delete(kr.file.Keys, name)
		return nil, err
	}

	k := &Key{name: name, material: material}
	kr.cache[name] = k
	return k, nil
}

// Close wipes key material held in memory.
func (kr *FileKeyring) Close() {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	for name, k := range kr.cache {
		common.WipeByteArray(k.material)
		delete(kr.cache, name)
	}
	common.WipeByteArray(kr.kek)
}

// save writes the keyring through a temp file and rename.
func (kr *FileKeyring) save() error {
	data, err := json.MarshalIndent(kr.file, "", "  ")
	if err != nil {
		return err
	}

	if _, err := filex.EnsureDir(filepath.Dir(kr.path)); err != nil {
		return err
	}

	return filex.WriteAtomic(kr.path, 0o600, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// NewEphemeralKey returns a random key that is not persisted anywhere.
func NewEphemeralKey(name string) *Key {
	return &Key{name: name, material: common.GenerateRandByteArray(KeySize)}
}

// MemoryKeyring keeps random keys in memory only.
type MemoryKeyring struct {
	mu   sync.Mutex
	keys map[string]*Key
}

func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{keys: make(map[string]*Key)}
}

func (m *MemoryKeyring) GetOrCreate(name string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[name]; ok {
		return k, nil
	}
	k := NewEphemeralKey(name)
	m.keys[name] = k
	return k, nil
}
