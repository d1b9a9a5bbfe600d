package ca

import (
	"crypto/x509/pkix"
	"testing"
)

func mustName(t *testing.T, dn string) pkix.Name {
	t.Helper()
	n, err := ParseDN(dn)
	if err != nil {
		return pkix.Name{}
	}
	return n
}
