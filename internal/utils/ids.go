package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// GenerateSecureID generates a random id with the given prefix, used for
// messages that never passed through a real provider
func GenerateSecureID(prefix string) string {
	max := big.NewInt(999999)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano())
	}

	// Use timestamp + random for uniqueness
	return fmt.Sprintf("%s%d%06d", prefix, time.Now().Unix(), n.Int64())
}
