// Package auth signs Binance API requests with HMAC-SHA256, RSA or Ed25519 keys.
package auth

import (
	"crypto"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"
)

// Key types accepted by NewSigner.
const (
	KeyTypeHMAC    = "hmac"
	KeyTypeRSA     = "rsa"
	KeyTypeEd25519 = "ed25519"
)

// Signer signs a canonical payload and returns the encoded signature.
type Signer interface {
	Sign(payload string) (string, error)
}

// HMACSigner signs with HMAC-SHA256 and hex-encodes the result.
type HMACSigner struct {
	Secret []byte
}

func (s HMACSigner) Sign(payload string) (string, error) {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// RSASigner signs with RSASSA-PKCS1-v1_5 over SHA-256 and base64-encodes the result.
type RSASigner struct {
	Key *rsa.PrivateKey
}

func (s RSASigner) Sign(payload string) (string, error) {
	hashed := sha256.Sum256([]byte(payload))

	signature, err := rsa.SignPKCS1v15(rand.Reader, s.Key, crypto.SHA256, hashed[:])
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}

// Ed25519Signer signs with Ed25519 and base64-encodes the result.
type Ed25519Signer struct {
	Key ed25519.PrivateKey
}

func (s Ed25519Signer) Sign(payload string) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.Key, []byte(payload))), nil
}

// Credentials holds the API key and the signer for its secret.
type Credentials struct {
	APIKey string
	Signer Signer
}

// LoadCredentials builds credentials for the given key type. HMAC keys use secret;
// RSA and Ed25519 keys are read from privateKeyPath.
func LoadCredentials(apiKey, keyType, secret, privateKeyPath string) (*Credentials, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	signer, err := NewSigner(keyType, secret, privateKeyPath)
	if err != nil {
		return nil, err
	}

	return &Credentials{
		APIKey: apiKey,
		Signer: signer,
	}, nil
}

// NewSigner returns the signer for keyType.
func NewSigner(keyType, secret, privateKeyPath string) (Signer, error) {
	switch keyType {
	case "", KeyTypeHMAC:
		if secret == "" {
			return nil, fmt.Errorf("API secret is required for hmac keys")
		}
		return HMACSigner{Secret: []byte(secret)}, nil

	case KeyTypeRSA, KeyTypeEd25519:
		if privateKeyPath == "" {
			return nil, fmt.Errorf("private key path is required for %s keys", keyType)
		}
		key, err := LoadPrivateKey(privateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load private key: %w", err)
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			if keyType != KeyTypeRSA {
				return nil, fmt.Errorf("key is not an %s private key", keyType)
			}
			return RSASigner{Key: k}, nil
		case ed25519.PrivateKey:
			if keyType != KeyTypeEd25519 {
				return nil, fmt.Errorf("key is not an %s private key", keyType)
			}
			return Ed25519Signer{Key: k}, nil
		}
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}

	return nil, fmt.Errorf("unknown key type %q", keyType)
}

// LoadPrivateKey loads an RSA or Ed25519 private key from a PEM file.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format, the only one carrying Ed25519)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key type %T cannot sign", key)
		}
		return signer, nil
	}

	// Fall back to PKCS#1 (older RSA format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// Canonical returns params as a query string sorted by key.
func Canonical(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b []byte
	for i, k := range keys {
		if i > 0 {
			b = append(b, '&')
		}
		b = append(b, url.QueryEscape(k)...)
		b = append(b, '=')
		b = append(b, url.QueryEscape(formatValue(params[k]))...)
	}
	return string(b)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// SignParams returns a copy of params with apiKey, timestamp and signature added.
// The signature covers every other field in canonical order.
func (c *Credentials) SignParams(params map[string]any, now time.Time) (map[string]any, error) {
	signed := make(map[string]any, len(params)+3)
	for k, v := range params {
		signed[k] = v
	}
	signed["apiKey"] = c.APIKey
	signed["timestamp"] = now.UnixMilli()

	signature, err := c.Signer.Sign(Canonical(signed))
	if err != nil {
		return nil, err
	}
	signed["signature"] = signature

	return signed, nil
}

// SignQuery signs a REST query string in place: timestamp and signature are appended.
func (c *Credentials) SignQuery(query url.Values, now time.Time) (url.Values, error) {
	out := url.Values{}
	for k, v := range query {
		out[k] = append([]string(nil), v...)
	}
	out.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))

	signature, err := c.Signer.Sign(out.Encode())
	if err != nil {
		return nil, err
	}
	out.Set("signature", signature)

	return out, nil
}
