package push

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/xakep666/ecego"
)

var ErrNoKeys = errors.New("push keys are not configured")

// Decrypter removes the Web Push content encryption (RFC 8291) from payloads
// addressed to this agent's subscription.
type Decrypter struct {
	decrypt func(body []byte, params ecego.OperationalParams) ([]byte, error)
}

// NewDecrypter takes the subscription private key (raw 32 byte P-256 scalar)
// and the auth secret, both base64url.
func NewDecrypter(privateKey, authSecret string) (*Decrypter, error) {
	if privateKey == "" || authSecret == "" {
		return nil, ErrNoKeys
	}
	auth, err := decodeBase64URL(authSecret)
	if err != nil {
		return nil, fmt.Errorf("auth secret: %w", err)
	}
	priv, err := privateKeyFromRaw(privateKey)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	engine := ecego.NewEngine(ecego.SingleKey(priv), ecego.WithAuthSecret(auth))
	return &Decrypter{decrypt: func(body []byte, params ecego.OperationalParams) ([]byte, error) {
		return engine.Decrypt(body, nil, params)
	}}, nil
}

// IsEncrypted reports whether a request body uses a Web Push content encoding.
func IsEncrypted(h http.Header) bool {
	switch strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding"))) {
	case "aes128gcm", "aesgcm":
		return true
	}
	return false
}

// Decrypt decodes body. For the legacy "aesgcm" encoding the salt and the
// sender key come from the Encryption and Crypto-Key headers.
func (d *Decrypter) Decrypt(body []byte, h http.Header) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding")))
	params := ecego.OperationalParams{Version: ecego.AES128GCM}
	if enc != "" {
		params.Version = ecego.Version(enc)
	}
	if salt := headerParam(h.Get("Encryption"), "salt"); salt != "" {
		if b, err := decodeBase64URL(salt); err == nil {
			params.Salt = b
		}
	}
	if dh := headerParam(h.Get("Crypto-Key"), "dh"); dh != "" {
		if b, err := decodeBase64URL(dh); err == nil {
			params.DH = b
		}
	}
	plain, err := d.decrypt(body, params)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s payload: %w", params.Version, err)
	}
	return plain, nil
}

func headerParam(v, name string) string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ';' || r == ',' })
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, name+"=") {
			return strings.Trim(strings.TrimPrefix(p, name+"="), `"`)
		}
	}
	return ""
}

// Keys are push subscription credentials, base64url encoded.
type Keys struct {
	PublicKey  string `json:"p256dh"`
	PrivateKey string `json:"privateKey"`
	AuthSecret string `json:"auth"`
}

// GenerateKeys creates a fresh P-256 key pair and a 16 byte auth secret.
func GenerateKeys() (Keys, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Keys{}, err
	}
	pub := elliptic.Marshal(priv.Curve, priv.PublicKey.X, priv.PublicKey.Y)
	d := make([]byte, 32)
	priv.D.FillBytes(d)
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return Keys{}, err
	}
	return Keys{
		PublicKey:  base64.RawURLEncoding.EncodeToString(pub),
		PrivateKey: base64.RawURLEncoding.EncodeToString(d),
		AuthSecret: base64.RawURLEncoding.EncodeToString(auth),
	}, nil
}

func privateKeyFromRaw(privRawB64 string) (*ecdsa.PrivateKey, error) {
	privRaw, err := decodeBase64URL(privRawB64)
	if err != nil {
		return nil, err
	}
	if len(privRaw) != 32 {
		return nil, fmt.Errorf("invalid key length: %d", len(privRaw))
	}
	curve := elliptic.P256()
	x, y := curve.ScalarBaseMult(privRaw)
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         new(big.Int).SetBytes(privRaw),
	}, nil
}

func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	return base64.RawURLEncoding.DecodeString(s)
}
