package device

import (
	"fmt"
	"strings"
)

// sigBaseSuffix is the Bluetooth SIG base UUID tail (xxxxxxxx-0000-1000-8000-00805f9b34fb)
// in normalized form.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the canonical form used for lookups:
// lowercase, no dashes, no 0x prefix. Full 128-bit UUIDs built on the Bluetooth SIG
// base (0000xxxx-0000-1000-8000-00805f9b34fb) collapse to their 16-bit short form.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes every UUID in the slice.
func NormalizeUUIDs(uuids []string) []string {
	normalized := make([]string, len(uuids))
	for i, uuid := range uuids {
		normalized[i] = NormalizeUUID(uuid)
	}
	return normalized
}

// EqualUUID reports whether two UUID strings name the same attribute regardless of
// their textual form.
func EqualUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// ValidateUUID checks that a UUID is a 16-bit, 32-bit or 128-bit hex identifier and
// returns its normalized form.
func ValidateUUID(uuid string) (string, error) {
	if strings.TrimSpace(uuid) == "" {
		return "", fmt.Errorf("UUID cannot be empty")
	}

	normalized := NormalizeUUID(uuid)
	switch len(normalized) {
	case 4, 8, 32:
	default:
		return "", fmt.Errorf("invalid UUID length %d: %s", len(normalized), uuid)
	}

	for _, r := range normalized {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("invalid UUID character %q: %s", r, uuid)
		}
	}
	return normalized, nil
}
