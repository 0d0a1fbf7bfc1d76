package pemfile

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"log"
	"os"

	"github.com/zond/apphost"

	gossh "golang.org/x/crypto/ssh"
)

const (
	DefaultBits = 4096
)

// HostKey is the SSH host key of a server, stored as a PEM private key
// next to its authorized_keys formatted public key.
type HostKey struct {
	KeyPath       string
	SSHPubKeyPath string
	// Bits defaults to DefaultBits.
	Bits int
}

func (k HostKey) Generate() error {
	bits := k.Bits
	if bits == 0 {
		bits = DefaultBits
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return apphost.WithStack(err)
	}
	keyBytes := x509.MarshalPKCS1PrivateKey(privateKey)

	if err := os.WriteFile(k.KeyPath, pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: keyBytes,
		}),
		0600,
	); err != nil {
		return apphost.WithStack(err)
	}

	pub, err := gossh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return apphost.WithStack(err)
	}
	if err := os.WriteFile(k.SSHPubKeyPath, gossh.MarshalAuthorizedKey(pub), 0600); err != nil {
		return apphost.WithStack(err)
	}
	return nil
}

// Load returns the signer of the key, generating the key pair first when
// there is none.
func (k HostKey) Load() (gossh.Signer, error) {
	pemBytes, err := os.ReadFile(k.KeyPath)
	if os.IsNotExist(err) {
		if err := k.Generate(); err != nil {
			return nil, err
		}
		log.Printf("Generated host key in %q", k.KeyPath)
		if pemBytes, err = os.ReadFile(k.KeyPath); err != nil {
			return nil, apphost.WithStack(err)
		}
	} else if err != nil {
		return nil, apphost.WithStack(err)
	}
	signer, err := gossh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, apphost.WithStack(err)
	}
	return signer, nil
}
