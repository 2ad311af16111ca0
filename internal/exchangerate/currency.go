package exchangerate

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorExponents lists currencies whose minor unit is not 1/100.
var minorExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"CLP": 0,
	"ISK": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"JOD": 3,
	"TND": 3,
}

// MinorExponent returns the number of decimal places of currency's minor
// unit.
func MinorExponent(currency string) int32 {
	if exp, ok := minorExponents[NormalizeCurrency(currency)]; ok {
		return exp
	}
	return 2
}

func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// ToMajor converts an amount in minor units into a decimal major amount.
func ToMajor(amountMinor int64, currency string) decimal.Decimal {
	return decimal.New(amountMinor, -MinorExponent(currency))
}

// ToMinor rounds a major amount to the nearest minor unit, half away
// from zero.
func ToMinor(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(MinorExponent(currency)).Round(0).IntPart()
}
