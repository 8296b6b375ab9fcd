// transform/registry.go
//
// Resolves the repository's configured transform names (spec.md §6:
// "transforms: [zstd, aes_256_gcm]") into a Chain, the same
// registry-by-name pattern used by the hash and storage packages.
package transform

import (
	"crypto/ecdh"
	"fmt"
)

// Config carries whatever parameters a transform constructor needs beyond
// its name; fields are consulted only by the transforms that need them.
type Config struct {
	ZstdLevel int

	MasterKey []byte

	// ECCCurve defaults to ecdh.P256() when nil.
	ECCCurve      ecdh.Curve
	ECCPrivateKey []byte // read-write aes_256_gcm_ecc instances
	ECCPublicKey  []byte // write-only aes_256_gcm_ecc instances, when ECCPrivateKey is unset
}

// BuildChain constructs a Chain from repository config names in order. A
// zero Config.ZstdLevel uses zstd's default level.
func BuildChain(names []string, cfg Config) (Chain, error) {
	level := cfg.ZstdLevel
	if level == 0 {
		level = 3
	}
	curve := cfg.ECCCurve
	if curve == nil {
		curve = ecdh.P256()
	}

	chain := make(Chain, 0, len(names))
	for _, name := range names {
		switch name {
		case "zstd":
			t, err := NewZstd(level)
			if err != nil {
				return nil, err
			}
			chain = append(chain, t)
		case "aes_256_gcm":
			if len(cfg.MasterKey) == 0 {
				return nil, fmt.Errorf("transform: aes_256_gcm requires a master key")
			}
			t, err := NewAESGCM(cfg.MasterKey)
			if err != nil {
				return nil, err
			}
			chain = append(chain, t)
		case "aes_256_gcm_ecc":
			t, err := buildECC(curve, cfg)
			if err != nil {
				return nil, err
			}
			chain = append(chain, t)
		default:
			return nil, fmt.Errorf("transform: unknown transform %q", name)
		}
	}
	return chain, nil
}

func buildECC(curve ecdh.Curve, cfg Config) (Transform, error) {
	if len(cfg.ECCPrivateKey) > 0 {
		priv, err := curve.NewPrivateKey(cfg.ECCPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("transform: aes_256_gcm_ecc: private key: %w", err)
		}
		return NewAESGCMECC(priv)
	}
	if len(cfg.ECCPublicKey) > 0 {
		pub, err := curve.NewPublicKey(cfg.ECCPublicKey)
		if err != nil {
			return nil, fmt.Errorf("transform: aes_256_gcm_ecc: public key: %w", err)
		}
		return NewAESGCMECCWriteOnly(curve, pub)
	}
	return nil, fmt.Errorf("transform: aes_256_gcm_ecc requires eccPrivateKey or eccPublicKey")
}
