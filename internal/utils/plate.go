package utils

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"gate-controller/internal/domain/anpr"
)

const minPlateLength = 7

var (
	ErrPlateTooShort  = errors.New("plate too short")
	ErrPlateNoGrammar = errors.New("plate matches no known format")
)

// Checked in order: two-wheeler before four-wheeler.
var plateGrammars = []plateGrammar{
	{pattern: regexp.MustCompile(`^[0-9]{2}[A-Z]{2}[0-9]{4,5}$`), separatorAt: 4, class: anpr.TwoWheeler},
	{pattern: regexp.MustCompile(`^[0-9]{2}[A-Z][0-9]{4,5}$`), separatorAt: 3, class: anpr.FourWheeler},
}

type plateGrammar struct {
	pattern     *regexp.Regexp
	separatorAt int
	class       anpr.VehicleClass
}

// NormalizePlate strips whitespace and punctuation and uppercases the rest.
func NormalizePlate(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range plate {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// ValidatePlate normalizes plate and matches it against the two-wheeler grammar
// first, then the four-wheeler one. The returned plate carries the separator.
func ValidatePlate(plate string) (string, anpr.VehicleClass, error) {
	normalized := NormalizePlate(plate)
	if len(normalized) < minPlateLength {
		return "", "", ErrPlateTooShort
	}

	for _, g := range plateGrammars {
		if g.pattern.MatchString(normalized) {
			return normalized[:g.separatorAt] + "-" + normalized[g.separatorAt:], g.class, nil
		}
	}

	return "", "", ErrPlateNoGrammar
}
