package cose

import (
	"errors"
	"math/big"
)

// encodeRS packs an ECDSA signature as the fixed-width big-endian R||S
// concatenation COSE uses on the wire, rather than ASN.1 DER.
func encodeRS(r, s *big.Int, curveBits int) ([]byte, error) {
	n := (curveBits + 7) / 8
	out := make([]byte, 2*n)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	if len(rBytes) > n || len(sBytes) > n {
		return nil, errors.New("cose: signature component too large for curve")
	}
	copy(out[n-len(rBytes):n], rBytes)
	copy(out[2*n-len(sBytes):], sBytes)
	return out, nil
}

// decodeRS reverses encodeRS.
func decodeRS(sig []byte, curveBits int) (r, s *big.Int, err error) {
	n := (curveBits + 7) / 8
	if len(sig) != 2*n {
		return nil, nil, errors.New("cose: wrong signature length for curve")
	}
	r = new(big.Int).SetBytes(sig[:n])
	s = new(big.Int).SetBytes(sig[n:])
	return r, s, nil
}
