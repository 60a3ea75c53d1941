package version

import (
	"fmt"
)

const fingerprintDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// GenerateFingerprint builds the Azureus style peer ID prefix for a two letter client code. Each
// version component is a single base 36 digit.
//
// Example: GenerateFingerprint("UM", 0, 1, 0, 0) → "-UM0100-"
func GenerateFingerprint(client string, components ...int) string {
	if len(client) != 2 {
		client = "--"
	}
	if len(components) != 4 {
		panic(fmt.Sprintf("fingerprint needs 4 version components, got %d", len(components)))
	}
	b := []byte{'-', client[0], client[1]}
	for _, c := range components {
		if c < 0 || c >= len(fingerprintDigits) {
			panic(fmt.Sprintf("version component %d out of range for fingerprint", c))
		}
		b = append(b, fingerprintDigits[c])
	}
	return string(append(b, '-'))
}
