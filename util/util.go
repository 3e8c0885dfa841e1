package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

//go:embed version.txt
var embeddedVersion string

const DefaultKeyBits = 4096

type RsaKeyPair struct {
	Private string
	Public  string
}

var (
	strictPolicy = bluemonday.StrictPolicy()
	ugcPolicy    = bluemonday.UGCPolicy()
)

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// StripHTML removes all markup, for single line fields like names.
func StripHTML(text string) string {
	return strings.TrimSpace(strictPolicy.Sanitize(text))
}

// SanitizeHTML keeps the safe subset of user generated markup.
func SanitizeHTML(text string) string {
	return ugcPolicy.Sanitize(text)
}

// GeneratePemKeypair creates an RSA keypair. The private key is PKCS1, the public key PKIX,
// which is the form actor documents publish.
func GeneratePemKeypair(bits int) (*RsaKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		},
	)

	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubBytes,
		},
	)

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}
