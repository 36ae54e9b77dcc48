package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatAmount renders minor currency units for email bodies and the operator
// UI, e.g. 500000 -> "Rs 5,000.00".
func FormatAmount(minor int64) string {
	negative := minor < 0
	if negative {
		minor = -minor
	}
	units := minor / 100
	cents := minor % 100
	digits := strconv.FormatInt(units, 10)
	var groups []string
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)
	out := fmt.Sprintf("Rs %s.%02d", strings.Join(groups, ","), cents)
	if negative {
		return "-" + out
	}
	return out
}
