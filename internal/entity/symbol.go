package entity

import (
	"fmt"
	"regexp"
	"strings"
)

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.\-_]{0,29}$`)

// ValidateSymbol accepts exchange-qualified and bare trading symbols
// (IF2312.CFFEX, rb2401, 600000.SH, BTC-USD).
func ValidateSymbol(symbol string) error {
	cleaned := strings.TrimSpace(symbol)
	if cleaned == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if !symbolPattern.MatchString(cleaned) {
		return fmt.Errorf("invalid symbol format: %s", cleaned)
	}
	return nil
}
