package domain

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

var billNumberPattern = regexp.MustCompile(`^BILL[A-Z0-9]{6,12}$`)

// NewBillNumber encodes the bill id in base36. Ids wider than twelve digits
// keep their low-order digits.
func NewBillNumber(id snowflake.ID) string {
	encoded := strings.ToUpper(strconv.FormatInt(int64(id), 36))
	if len(encoded) > 12 {
		encoded = encoded[len(encoded)-12:]
	}
	if len(encoded) < 6 {
		encoded = strings.Repeat("0", 6-len(encoded)) + encoded
	}
	return "BILL" + encoded
}

func ValidBillNumber(number string) bool {
	return billNumberPattern.MatchString(number)
}
