package wallet

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/harvest-trading/harvest/internal/solana"
)

// EnvKey is the environment variable holding the wallet secret key.
const EnvKey = "WALLET_PRIVATE_KEY"

// KeystoreError means the wallet key is missing or unusable. There is no
// recovering from it: the process must exit before any worker starts.
type KeystoreError struct {
	Msg string
}

func (e *KeystoreError) Error() string { return "keystore: " + e.Msg }

// Wallet holds the signing key. The secret never appears in logs, errors,
// or the status display; only the derived public key does.
type Wallet struct {
	secret ed25519.PrivateKey
	pubkey solana.Pubkey
}

// FromEnv loads the wallet from EnvKey. Two encodings are accepted: a
// base58 string (the 64-byte secret key as wallets export it) or a JSON
// byte array (the solana-keygen id.json format).
func FromEnv() (*Wallet, error) {
	raw := strings.TrimSpace(os.Getenv(EnvKey))
	if raw == "" {
		return nil, &KeystoreError{Msg: EnvKey + " is not set"}
	}
	return Parse(raw)
}

// Parse decodes a secret key from either supported encoding.
func Parse(raw string) (*Wallet, error) {
	var secret []byte

	if strings.HasPrefix(raw, "[") {
		// encoding/json maps []byte to base64, so decode into ints.
		var values []int
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil, &KeystoreError{Msg: "key looks like a JSON array but does not parse"}
		}
		secret = make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return nil, &KeystoreError{Msg: "key array holds values outside 0-255"}
			}
			secret[i] = byte(v)
		}
	} else {
		decoded, err := base58.Decode(raw)
		if err != nil {
			return nil, &KeystoreError{Msg: "key is not valid base58"}
		}
		secret = decoded
	}

	switch len(secret) {
	case ed25519.PrivateKeySize: // 64: secret || public
	case ed25519.SeedSize: // 32: seed only
		secret = ed25519.NewKeyFromSeed(secret)
	default:
		return nil, &KeystoreError{Msg: fmt.Sprintf("decoded key is %d bytes, want %d or %d", len(secret), ed25519.SeedSize, ed25519.PrivateKeySize)}
	}

	key := ed25519.PrivateKey(secret)
	pub := key.Public().(ed25519.PublicKey)

	return &Wallet{
		secret: key,
		pubkey: solana.Pubkey(base58.Encode(pub)),
	}, nil
}

// Pubkey is the wallet's public address.
func (w *Wallet) Pubkey() solana.Pubkey { return w.pubkey }

// ExportSecret re-encodes the secret key in base58 for handing to the
// execution backend. Callers must not persist or log the result.
func (w *Wallet) ExportSecret() string {
	return base58.Encode(w.secret)
}

// String identifies the wallet by its public key only.
func (w *Wallet) String() string {
	return string(w.pubkey)
}
