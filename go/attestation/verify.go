package attestation

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"hash"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Policy configures what Verify checks.
type Policy struct {
	// MaxAge bounds now - payload timestamp. Zero disables the check.
	MaxAge time.Duration
	// Expected PCR values, byte-exact. Nil entries are not checked.
	PCR0, PCR1, PCR2 []byte
}

// Result reports each verification check individually. Verification
// failures are results, not errors.
type Result struct {
	TimestampValid   bool   `json:"timestamp_valid"`
	PCRsValid        bool   `json:"pcrs_valid"`
	CertificateValid bool   `json:"certificate_valid"`
	SignatureValid   bool   `json:"signature_valid"`
	Valid            bool   `json:"valid"`
	Error            string `json:"error,omitempty"`
}

// sigStructure is the standard COSE Sig_structure for COSE_Sign1.
type sigStructure struct {
	_           struct{} `cbor:",toarray"`
	Context     string
	Protected   []byte
	ExternalAAD []byte
	Payload     []byte
}

// Verify applies the full verification policy to a parsed envelope.
// Chain-to-root validation of the CA bundle is a known limitation; the leaf
// signature and structural validity of every bundle entry are checked.
func Verify(env *Envelope, policy Policy, now time.Time) Result {
	var res Result

	// 1. Timestamp freshness.
	var issued = time.UnixMilli(int64(env.Doc.Timestamp))
	if policy.MaxAge <= 0 || now.Sub(issued) <= policy.MaxAge {
		res.TimestampValid = true
	} else {
		res.Error = fmt.Sprintf("attestation is stale: issued %s", issued.UTC().Format(time.RFC3339))
	}

	// 2. PCR expectations.
	res.PCRsValid = true
	for i, expect := range [][]byte{policy.PCR0, policy.PCR1, policy.PCR2} {
		if expect == nil {
			continue
		}
		if !bytes.Equal(env.Doc.PCRs[uint(i)], expect) {
			res.PCRsValid = false
			if res.Error == "" {
				res.Error = fmt.Sprintf("PCR%d mismatch", i)
			}
			break
		}
	}

	// 3. Certificate well-formedness: leaf and every bundle entry.
	var leaf, err = x509.ParseCertificate(env.Doc.Certificate)
	if err == nil {
		res.CertificateValid = true
		for _, der := range env.Doc.CABundle {
			if _, caErr := x509.ParseCertificate(der); caErr != nil {
				res.CertificateValid = false
				if res.Error == "" {
					res.Error = fmt.Sprintf("CA bundle entry does not parse: %v", caErr)
				}
				break
			}
		}
	} else if res.Error == "" {
		res.Error = fmt.Sprintf("leaf certificate does not parse: %v", err)
	}

	// 4. Signature over the rebuilt Sig_structure.
	if res.CertificateValid {
		if sigErr := verifySignature(env, leaf); sigErr == nil {
			res.SignatureValid = true
		} else if res.Error == "" {
			res.Error = sigErr.Error()
		}
	}

	res.Valid = res.TimestampValid && res.PCRsValid && res.CertificateValid && res.SignatureValid
	return res
}

// verifySignature rebuilds ["Signature1", protected, h'', payload], hashes it
// per the protected-header algorithm, converts the raw R||S signature to DER,
// and verifies against the leaf certificate's ECDSA key. The algorithm comes
// from the envelope, never from caller input.
func verifySignature(env *Envelope, leaf *x509.Certificate) error {
	var toSign, err = cbor.Marshal(sigStructure{
		Context:     "Signature1",
		Protected:   env.Protected,
		ExternalAAD: []byte{},
		Payload:     env.Payload,
	})
	if err != nil {
		return fmt.Errorf("encoding Sig_structure: %w", err)
	}

	var h hash.Hash
	switch env.Alg {
	case AlgES256:
		h = sha256.New()
	case AlgES384:
		h = sha512.New384()
	case AlgES512:
		h = sha512.New()
	default:
		return fmt.Errorf("unsupported signature algorithm %d", env.Alg)
	}
	h.Write(toSign)
	var digest = h.Sum(nil)

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("leaf certificate key is not ECDSA")
	}

	der, err := rawToDER(env.Signature)
	if err != nil {
		return err
	}
	if !ecdsa.VerifyASN1(pub, digest, der) {
		return fmt.Errorf("attestation signature does not verify")
	}
	return nil
}

// rawToDER converts a raw R||S signature into ASN.1 DER form.
func rawToDER(sig []byte) ([]byte, error) {
	if len(sig) == 0 || len(sig)%2 != 0 {
		return nil, fmt.Errorf("malformed raw signature of %d bytes", len(sig))
	}
	var half = len(sig) / 2
	var der, err = asn1.Marshal(struct {
		R *big.Int
		S *big.Int
	}{
		R: new(big.Int).SetBytes(sig[:half]),
		S: new(big.Int).SetBytes(sig[half:]),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding DER signature: %w", err)
	}
	return der, nil
}
