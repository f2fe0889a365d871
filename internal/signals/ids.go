package signals

import (
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes.
const (
	signalPrefix     = "sig_"
	eventPrefix      = "evt_"
	conversionPrefix = "cnv_"
)

// newToken returns prefix followed by 128 bits from crypto/rand.
func newToken(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
