package product

import "strings"

const (
	MinBarcodeDigits = 6
	maxBarcodeDigits = 14
	upcDigits        = 12
)

// NormalizeBarcode strips everything but digits from s. Codes shorter than
// 12 digits are zero padded to 12, longer codes are kept as they are. ok is
// false when fewer than 6 or more than 14 digits remain.
func NormalizeBarcode(s string) (string, bool) {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	digits := b.String()
	if len(digits) < MinBarcodeDigits || len(digits) > maxBarcodeDigits {
		return "", false
	}
	if len(digits) < upcDigits {
		digits = strings.Repeat("0", upcDigits-len(digits)) + digits
	}
	return digits, true
}

// UPCCheckDigit computes the GS1 check digit for the given digits without
// a check digit.
func UPCCheckDigit(body string) byte {
	sum := 0
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		// weights alternate 3,1 starting from the rightmost digit
		if (len(body)-1-i)%2 == 0 {
			d *= 3
		}
		sum += d
	}
	return byte('0' + (10-sum%10)%10)
}

// ValidGTIN reports whether code is a 12 to 14 digit code with a correct
// check digit.
func ValidGTIN(code string) bool {
	if len(code) < upcDigits || len(code) > maxBarcodeDigits {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return UPCCheckDigit(code[:len(code)-1]) == code[len(code)-1]
}
