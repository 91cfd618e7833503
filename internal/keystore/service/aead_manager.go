package service

import (
	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
)

// AEADManagerService implements the AEADManager interface.
type AEADManagerService struct{}

// NewAEADManager creates a new AEADManagerService.
func NewAEADManager() *AEADManagerService {
	return &AEADManagerService{}
}

// CreateCipher creates an AEAD cipher instance for the specified algorithm.
// Returns ErrInvalidKeySize if key is not 32 bytes or ErrUnsupportedAlgorithm if algorithm is unknown.
func (am *AEADManagerService) CreateCipher(key []byte, alg keystoreDomain.Algorithm) (AEAD, error) {
	if len(key) != keystoreDomain.KeySize {
		return nil, keystoreDomain.ErrInvalidKeySize
	}

	switch alg {
	case keystoreDomain.AESGCM:
		return NewAESGCM(key)
	case keystoreDomain.ChaCha20:
		return NewChaCha20Poly1305(key)
	default:
		return nil, keystoreDomain.ErrUnsupportedAlgorithm
	}
}

// ParseAlgorithm converts a configuration string into an Algorithm.
func ParseAlgorithm(s string) (keystoreDomain.Algorithm, error) {
	switch keystoreDomain.Algorithm(s) {
	case keystoreDomain.AESGCM:
		return keystoreDomain.AESGCM, nil
	case keystoreDomain.ChaCha20:
		return keystoreDomain.ChaCha20, nil
	default:
		return "", keystoreDomain.ErrUnsupportedAlgorithm
	}
}
