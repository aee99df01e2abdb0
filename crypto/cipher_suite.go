package crypto

import "fmt"

// Ciphersuite identifies one MLS ciphersuite, using RFC 9420 §17.1's 16-bit
// wire codes. Ciphersuite selects which HPKE KEM/AEAD/hash/signature
// combination (circl's HPKE suites plus package crypto's AEAD dispatch) a
// given client, group, or key package uses.
type Ciphersuite uint16

const (
	// MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519 is the spec's default:
	// X25519 HPKE KEM, AES-128-GCM AEAD, SHA-256, Ed25519 signatures.
	Ciphersuite128X25519Aes128GcmSha256Ed25519 Ciphersuite = 0x0001
	// Ciphersuite128X25519Chacha20Sha256Ed25519 swaps the AEAD for
	// ChaCha20-Poly1305, useful on platforms without AES-NI.
	Ciphersuite128X25519Chacha20Sha256Ed25519 Ciphersuite = 0x0003
	// Ciphersuite256X448Aes256GcmSha512Ed448 is the 256-bit-security suite,
	// offered for deployments that require it; not the default.
	Ciphersuite256X448Aes256GcmSha512Ed448 Ciphersuite = 0x0004
)

// DefaultCiphersuite is the ciphersuite new clients and conversations use
// unless told otherwise.
const DefaultCiphersuite = Ciphersuite128X25519Aes128GcmSha256Ed25519

// SupportedCiphersuites lists every ciphersuite this build negotiates, most
// preferred first.
var SupportedCiphersuites = []Ciphersuite{
	Ciphersuite128X25519Aes128GcmSha256Ed25519,
	Ciphersuite128X25519Chacha20Sha256Ed25519,
	Ciphersuite256X448Aes256GcmSha512Ed448,
}

func (c Ciphersuite) String() string {
	switch c {
	case Ciphersuite128X25519Aes128GcmSha256Ed25519:
		return "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519"
	case Ciphersuite128X25519Chacha20Sha256Ed25519:
		return "MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519"
	case Ciphersuite256X448Aes256GcmSha512Ed448:
		return "MLS_256_DHKEMX448_AES256GCM_SHA512_Ed448"
	default:
		return fmt.Sprintf("Ciphersuite(0x%04x)", uint16(c))
	}
}

// IsSupported reports whether c is one of SupportedCiphersuites.
func (c Ciphersuite) IsSupported() bool {
	for _, s := range SupportedCiphersuites {
		if s == c {
			return true
		}
	}
	return false
}

// Validate returns an error naming the unsupported ciphersuite, or nil.
func (c Ciphersuite) Validate() error {
	if !c.IsSupported() {
		return fmt.Errorf("crypto: unsupported ciphersuite %s", c)
	}
	return nil
}

// NegotiateCiphersuite picks the first of local that also appears in
// remote, preserving local's preference order. Used when a key package's
// advertised capabilities must be reconciled with a group's configured
// ciphersuite list.
func NegotiateCiphersuite(local, remote []Ciphersuite) (Ciphersuite, error) {
	remoteSet := make(map[Ciphersuite]bool, len(remote))
	for _, r := range remote {
		remoteSet[r] = true
	}
	for _, l := range local {
		if remoteSet[l] {
			return l, nil
		}
	}
	return 0, fmt.Errorf("crypto: no mutually supported ciphersuite")
}
