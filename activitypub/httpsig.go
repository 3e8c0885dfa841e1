package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

// Allowed distance between a signed Date header and our clock.
const maxClockSkew = 12 * time.Hour

// SignRequest signs an outgoing HTTP request with the given private key.
// keyId format: "https://example.com/u/alice#main-key". A non-nil body also gets a Digest header.
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	// httpsig reads host from the header map, net/http only fills req.Host
	req.Header.Set("Host", req.URL.Host)

	headers := []string{"(request-target)", "host", "date"}
	if body != nil {
		headers = append(headers, "digest")
	}
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	return signer.SignRequest(privateKey, keyId, req, body)
}

// RequestSignature is the signature material of one inbound request.
type RequestSignature struct {
	verifier httpsig.Verifier
	req      *http.Request
	body     []byte
	now      func() time.Time
}

// NewRequestSignature extracts the Signature header of r. body is the already read request body.
func NewRequestSignature(r *http.Request, body []byte) (*RequestSignature, error) {
	if r.Header.Get("Host") == "" {
		r.Header.Set("Host", r.Host)
	}
	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return nil, fmt.Errorf("no usable signature: %w", err)
	}
	return &RequestSignature{verifier: verifier, req: r, body: body, now: time.Now}, nil
}

// KeyID is the keyId parameter of the signature.
func (s *RequestSignature) KeyID() string {
	return s.verifier.KeyId()
}

// Verify checks digest, date and signature against the sender's public key.
func (s *RequestSignature) Verify(publicKeyPem string) error {
	if err := s.checkSignedHeaders(); err != nil {
		return err
	}
	if err := s.checkDigest(); err != nil {
		return err
	}
	if err := s.checkDate(); err != nil {
		return err
	}
	pub, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return err
	}
	if err := s.verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// checkSignedHeaders requires a request with a body to sign its digest, otherwise the body
// could be swapped under a valid signature.
func (s *RequestSignature) checkSignedHeaders() error {
	if len(s.body) == 0 {
		return nil
	}
	for _, h := range signedHeaders(s.req) {
		if h == "digest" {
			return nil
		}
	}
	return fmt.Errorf("digest is not a signed header")
}

// signedHeaders lists the headers parameter of the Signature or Authorization header.
// An absent parameter means only date is signed.
func signedHeaders(r *http.Request) []string {
	raw := r.Header.Get("Signature")
	if raw == "" {
		auth := r.Header.Get("Authorization")
		scheme, params, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Signature") {
			return nil
		}
		raw = params
	}
	for _, param := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || key != "headers" {
			continue
		}
		return strings.Fields(strings.ToLower(strings.Trim(value, `"`)))
	}
	return []string{"date"}
}

func (s *RequestSignature) checkDigest() error {
	header := s.req.Header.Get("Digest")
	if header == "" {
		if len(s.body) > 0 {
			return fmt.Errorf("missing digest header")
		}
		return nil
	}
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		sum := sha256.Sum256(s.body)
		want := base64.StdEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(value), []byte(want)) != 1 {
			return fmt.Errorf("digest mismatch")
		}
		return nil
	}
	return fmt.Errorf("unsupported digest %q", header)
}

func (s *RequestSignature) checkDate() error {
	raw := s.req.Header.Get("Date")
	if raw == "" {
		return fmt.Errorf("missing date header")
	}
	date, err := http.ParseTime(raw)
	if err != nil {
		return fmt.Errorf("bad date header: %w", err)
	}
	skew := s.now().Sub(date)
	if skew > maxClockSkew || skew < -maxClockSkew {
		return fmt.Errorf("date %s outside allowed window", raw)
	}
	return nil
}

// KeyOwner strips the fragment from a key id: ".../u/alice#main-key" -> ".../u/alice".
func KeyOwner(keyId string) string {
	owner, _, _ := strings.Cut(keyId, "#")
	return owner
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey. Both PKIX and PKCS1 encodings are accepted.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
