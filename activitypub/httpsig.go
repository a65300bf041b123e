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

	"github.com/deemkeen/stegofed/domain"
	"github.com/go-fed/httpsig"
)

var (
	// headers covered by the signature of requests with and without a body
	bodyHeaders   = []string{httpsig.RequestTarget, "host", "date", "digest"}
	noBodyHeaders = []string{httpsig.RequestTarget, "host", "date"}
)

// SignRequest signs an outgoing HTTP request with the given key pair. It sets
// Date (unless present), Host and, when body is not nil, Digest.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, body []byte, key *domain.KeyPair, now time.Time) error {
	privateKey, err := ParsePrivateKey(key.PrivatePem)
	if err != nil {
		return err
	}

	headers := noBodyHeaders
	if body != nil {
		headers = bodyHeaders
	}

	// Create signer with required headers
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

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", now.UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)
	req.Header.Del("Digest")

	return signer.SignRequest(privateKey, key.KeyId, req, body)
}

// SignatureKeyID extracts the key id of a signed request without verifying
// anything.
func SignatureKeyID(req *http.Request) (string, error) {
	params, err := signatureParams(req)
	if err != nil {
		return "", err
	}
	keyId := params["keyId"]
	if keyId == "" {
		return "", sigErr(SigMalformed, "signature has no keyId")
	}
	return keyId, nil
}

// VerifyRequest verifies the HTTP signature on an incoming request against
// publicKeyPem. body must be the request body as read by the caller. The Date
// header must lie within skew of now. Returns the key id on success.
func VerifyRequest(req *http.Request, body []byte, publicKeyPem string, now time.Time, skew time.Duration) (string, error) {
	keyId, err := checkEnvelope(req, body, now, skew)
	if err != nil {
		return "", err
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", &SignatureError{Kind: SigInvalid, KeyId: keyId, Err: err}
	}

	// servers move Host out of the header map
	if req.Header.Get("Host") == "" && req.Host != "" {
		req.Header.Set("Host", req.Host)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", &SignatureError{Kind: SigMalformed, KeyId: keyId, Err: err}
	}

	// Verify the signature
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", &SignatureError{Kind: SigInvalid, KeyId: keyId, Err: fmt.Errorf("signature verification failed: %w", err)}
	}

	return verifier.KeyId(), nil
}

// checkEnvelope runs every check that needs no key: signature parameters,
// covered headers, Date freshness and body digest.
func checkEnvelope(req *http.Request, body []byte, now time.Time, skew time.Duration) (string, error) {
	params, err := signatureParams(req)
	if err != nil {
		return "", err
	}
	keyId := params["keyId"]
	if keyId == "" {
		return "", sigErr(SigMalformed, "signature has no keyId")
	}

	covered := strings.Fields(strings.ToLower(params["headers"]))
	required := noBodyHeaders
	if len(body) > 0 {
		required = bodyHeaders
	}
	for _, h := range required {
		if !contains(covered, h) {
			return "", &SignatureError{Kind: SigMalformed, KeyId: keyId, Err: fmt.Errorf("signature does not cover %q", h)}
		}
	}

	date, err := http.ParseTime(req.Header.Get("Date"))
	if err != nil {
		return "", &SignatureError{Kind: SigMalformed, KeyId: keyId, Err: fmt.Errorf("unparseable Date header: %w", err)}
	}
	if date.Before(now.Add(-skew)) || date.After(now.Add(skew)) {
		return "", &SignatureError{Kind: SigExpired, KeyId: keyId, Err: fmt.Errorf("date %s outside %s of %s", date.Format(time.RFC3339), skew, now.UTC().Format(time.RFC3339))}
	}

	if len(body) > 0 {
		if err := verifyDigest(req.Header.Get("Digest"), body); err != nil {
			err.KeyId = keyId
			return "", err
		}
	}
	return keyId, nil
}

// signatureParams splits the Signature header into its parameters.
func signatureParams(req *http.Request) (map[string]string, error) {
	header := req.Header.Get("Signature")
	if header == "" {
		return nil, sigErr(SigMalformed, "missing Signature header")
	}

	params := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, sigErr(SigMalformed, "malformed signature parameter %q", part)
		}
		params[k] = strings.Trim(v, `"`)
	}
	return params, nil
}

// verifyDigest checks a Digest header (RFC 3230) carrying a SHA-256 value
// against body.
func verifyDigest(header string, body []byte) *SignatureError {
	if header == "" {
		return sigErr(SigMalformed, "missing Digest header")
	}
	sum := sha256.Sum256(body)
	for _, d := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(d), "=")
		if !ok || !strings.EqualFold(algo, string(httpsig.DigestSha256)) {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return sigErr(SigMalformed, "undecodable digest: %v", err)
		}
		if subtle.ConstantTimeCompare(got, sum[:]) != 1 {
			return sigErr(SigInvalid, "digest does not match body")
		}
		return nil
	}
	return sigErr(SigMalformed, "no SHA-256 digest in %q", header)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return privateKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
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
