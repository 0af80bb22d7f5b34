package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
)

// encryptPassword encrypts the plaintext password with Steam's login RSA
// key (hex-encoded modulus and exponent) using PKCS#1 v1.5 and returns the
// base64 form the dologin endpoint expects.
func encryptPassword(password, modHex, expHex string) (string, error) {
	mod, ok := new(big.Int).SetString(modHex, 16)
	if !ok {
		return "", fmt.Errorf("%w: bad modulus", ErrKeyFetchFailed)
	}
	exp, err := strconv.ParseInt(expHex, 16, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad exponent: %v", ErrKeyFetchFailed, err)
	}

	key := &rsa.PublicKey{N: mod, E: int(exp)}
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, key, []byte(password))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt password: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}
