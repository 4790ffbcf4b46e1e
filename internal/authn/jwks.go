package authn

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
)

// jwkKey is one entry of a JSON Web Key Set file, supporting the two key
// types this orchestrator's IdP tier accepts: RSA (for RS256) and oct
// (a shared secret, for HS256 issued by an identity provider rather than
// minted locally).
type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	K   string `json:"k"`
}

type jwkSet struct {
	Keys []jwkKey `json:"keys"`
}

// keySet resolves a key ID to the verification key golang-jwt expects:
// *rsa.PublicKey for RS256 entries, []byte for oct (HS256) entries.
type keySet struct {
	byKid map[string]interface{}
	first interface{}
}

func loadJWKS(path string) (*keySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwks file: %w", err)
	}
	var set jwkSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("parse jwks file: %w", err)
	}

	ks := &keySet{byKid: make(map[string]interface{}, len(set.Keys))}
	for _, k := range set.Keys {
		var key interface{}
		switch k.Kty {
		case "RSA":
			pub, err := rsaPublicKeyFromJWK(k.N, k.E)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k.Kid, err)
			}
			key = pub
		case "oct":
			secret, err := base64.RawURLEncoding.DecodeString(k.K)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k.Kid, err)
			}
			key = secret
		default:
			// unsupported key type, skip rather than fail the whole set
			continue
		}
		ks.byKid[k.Kid] = key
		if ks.first == nil {
			ks.first = key
		}
	}
	return ks, nil
}

// lookup resolves kid to a verification key. An empty kid falls back to the
// set's first key, matching the reference auth.py's _lookup_jwk behavior
// for tokens that omit a kid header.
func (ks *keySet) lookup(kid string) (interface{}, bool) {
	if ks == nil {
		return nil, false
	}
	if kid == "" {
		return ks.first, ks.first != nil
	}
	key, ok := ks.byKid[kid]
	return key, ok
}

func rsaPublicKeyFromJWK(nEnc, eEnc string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nEnc)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eEnc)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}

	eBuf := make([]byte, 8)
	copy(eBuf[8-len(eBytes):], eBytes)
	e := int(binary.BigEndian.Uint64(eBuf))

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
