package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrPassphraseProtected is returned when the configured key is encrypted.
var ErrPassphraseProtected = errors.New("passphrase-protected private keys are not supported")

// Credential is the fixed key material used to authenticate every outbound
// SSH connection.
type Credential struct {
	signer      ssh.Signer
	fingerprint string
	source      string
}

// Load reads and parses the private key at path.
func Load(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	c.source = path
	log.Printf("[credential] loaded %s key from %s (%s)", c.signer.PublicKey().Type(), path, c.fingerprint)
	return c, nil
}

// Parse builds a Credential from PEM-encoded private key bytes.
func Parse(privateKeyPEM []byte) (*Credential, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrPassphraseProtected
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Credential{
		signer:      signer,
		fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
	}, nil
}

// Signer returns the signer used for public key authentication.
func (c *Credential) Signer() ssh.Signer { return c.signer }

// AuthMethod returns the SSH auth method backed by this credential.
func (c *Credential) AuthMethod() ssh.AuthMethod { return ssh.PublicKeys(c.signer) }

// Fingerprint is the SHA256 fingerprint of the public half.
func (c *Credential) Fingerprint() string { return c.fingerprint }

// Source is the path the key was loaded from, empty for parsed keys.
func (c *Credential) Source() string { return c.source }

// AuthorizedKey returns the public key as an authorized_keys line.
func (c *Credential) AuthorizedKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(c.signer.PublicKey())))
}

// GenerateKeyPair generates an ED25519 key pair and returns the PEM-encoded
// private key and OpenSSH-format public key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), privateKeyPEM, nil
}

// SaveKeyPair writes the private key to privPath (mode 0600) and the public
// key next to it as privPath+".pub" (mode 0644). Existing files are not
// overwritten.
func SaveKeyPair(privPath string, privateKey, publicKey []byte) error {
	if err := os.MkdirAll(filepath.Dir(privPath), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := writeNew(privPath, privateKey, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := writeNew(privPath+".pub", publicKey, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	log.Printf("[credential] key pair saved to %s", privPath)
	return nil
}

func writeNew(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
