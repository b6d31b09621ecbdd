// Package pincode issues the door codes handed out with paid reservations.
package pincode

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const Digits = 6

var upper = big.NewInt(1_000_000)

// Generate returns a uniformly random, zero-padded six digit code.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", fmt.Errorf("generate pin code: %w", err)
	}
	return fmt.Sprintf("%0*d", Digits, n.Int64()), nil
}
