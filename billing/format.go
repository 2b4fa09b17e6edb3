package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var currencyPrinter = message.NewPrinter(language.English)

// FormatCurrency renders an amount as dollars with thousands grouping,
// e.g. $1,250.00 or -$200.00.
func FormatCurrency(d decimal.Decimal) string {
	rounded := RoundMoney(d)
	sign := ""
	if rounded.IsNegative() {
		sign = "-"
		rounded = rounded.Abs()
	}
	whole := rounded.Truncate(0)
	cents := rounded.Sub(whole).Shift(2).IntPart()
	return sign + "$" + currencyPrinter.Sprintf("%d", whole.IntPart()) + fmt.Sprintf(".%02d", cents)
}

// FormatPercentage renders a percentage without trailing zeros, e.g. 12.5%.
func FormatPercentage(d decimal.Decimal) string {
	return d.Round(2).String() + "%"
}
