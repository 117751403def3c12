// Package encryptor signs the payloads the Submitter and SessionManager
// hand to chain (settlements, session-join attestations). The runtime
// never implements a cipher suite of its own; this package just gives the
// core an interface to call through and one concrete ed25519/AES-GCM
// implementation for tests and single-node deployments that don't plug in
// a hardware signer.
package encryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

// Encryptor is the capability the Submitter (signing settlement
// submissions) and SessionManager (signing its own join/attestation
// traffic) depend on. No concrete chain-specific signature scheme is
// mandated, only this interface.
type Encryptor interface {
	Sign(data []byte) ([]byte, error)
	Verify(pub, data, sig []byte) error
	PublicKey() []byte
}

// Ed25519Encryptor is the one concrete Encryptor this repo ships: an
// ed25519 keypair loaded from an AES-GCM-encrypted keystore file (see
// keystoreFile below).
type Ed25519Encryptor struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a fresh ed25519 key pair.
func Generate() (*Ed25519Encryptor, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("encryptor: generate: %w", err)
	}
	return &Ed25519Encryptor{priv: priv, pub: pub}, nil
}

func (e *Ed25519Encryptor) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(e.priv, data), nil
}

func (e *Ed25519Encryptor) Verify(pub, data, sig []byte) error {
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return errors.New("encryptor: signature verification failed")
	}
	return nil
}

func (e *Ed25519Encryptor) PublicKey() []byte {
	return append([]byte(nil), e.pub...)
}

// Address returns the 40-hex-char address derived from the public key
// (first 20 bytes of SHA-256(pubkey)), the identity the Synchronizer's
// roster and the Submitter's transactor_addr use.
func (e *Ed25519Encryptor) Address() string {
	h := sha256.Sum256(e.pub)
	return hex.EncodeToString(h[:20])
}

// keystoreFile is the on-disk encrypted key format.
type keystoreFile struct {
	PubKey     string `json:"pub_key"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

// SaveKeystore encrypts e's private key with password and writes it to
// path. Key derivation is PBKDF2-HMAC-SHA256 at 210,000 rounds.
func (e *Ed25519Encryptor) SaveKeystore(path, password string) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("encryptor: salt: %w", err)
	}
	key := deriveKey(password, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("encryptor: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("encryptor: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("encryptor: nonce: %w", err)
	}
	cipherText := gcm.Seal(nil, nonce, e.priv, nil)

	ks := keystoreFile{
		PubKey:     hex.EncodeToString(e.pub),
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(cipherText),
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return fmt.Errorf("encryptor: marshal keystore: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// LoadKeystore decrypts the keystore at path using password.
func LoadKeystore(path, password string) (*Ed25519Encryptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("encryptor: read %q: %w", path, err)
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("encryptor: decode keystore: %w", err)
	}
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, fmt.Errorf("encryptor: salt hex: %w", err)
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return nil, fmt.Errorf("encryptor: nonce hex: %w", err)
	}
	cipherText, err := hex.DecodeString(ks.CipherText)
	if err != nil {
		return nil, fmt.Errorf("encryptor: ciphertext hex: %w", err)
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryptor: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryptor: gcm: %w", err)
	}
	privBytes, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, errors.New("encryptor: wrong password or corrupted keystore")
	}
	priv := ed25519.PrivateKey(privBytes)
	return &Ed25519Encryptor{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, 210_000, 32, sha256.New)
}

var _ Encryptor = (*Ed25519Encryptor)(nil)
