package ca

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
