// Package fixed implements the fixed-width field codec for LS-DYNA
// keyword cards: eight columns of ten characters per data line.
package fixed

import (
	"strconv"
	"strings"
)

const (
	// FieldWidth is the width of one card column in characters.
	FieldWidth = 10
	// NumFields is the number of columns on a card line.
	NumFields = 8
	// lineWidth is the full content width of a data line.
	lineWidth = FieldWidth * NumFields
)

// SplitFixed cuts a card line into its eight 10-character fields. One
// trailing newline is dropped if present, and short lines are treated
// as space-padded out to the full 80 characters. Content beyond the
// 80th character is dropped.
func SplitFixed(line string) []string {
	line = strings.TrimSuffix(line, "\n")
	if len(line) < lineWidth {
		line += strings.Repeat(" ", lineWidth-len(line))
	}
	fields := make([]string, NumFields)
	for i := range fields {
		fields[i] = line[i*FieldWidth : (i+1)*FieldWidth]
	}
	return fields
}

// JoinFixed reassembles field values into one card line. Each value is
// stripped of surrounding whitespace, truncated to ten characters when
// longer (lossy), and right-justified in its column. The returned line
// ends with a newline.
func JoinFixed(fields []string) string {
	var b strings.Builder
	b.Grow(FieldWidth*len(fields) + 1)
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if len(f) > FieldWidth {
			f = f[:FieldWidth]
		}
		for pad := FieldWidth - len(f); pad > 0; pad-- {
			b.WriteByte(' ')
		}
		b.WriteString(f)
	}
	b.WriteByte('\n')
	return b.String()
}

// IsNumber reports whether the token, after stripping surrounding
// whitespace, parses as a floating-point literal. Empty tokens are not
// numbers.
func IsNumber(tok string) bool {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return false
	}
	_, err := strconv.ParseFloat(tok, 64)
	return err == nil
}

// FormatField renders a float into at most ten characters, preferring
// plain decimal notation and only then scientific form. The precision
// descent (general format from nine significant digits down to four,
// then E form from four digits down to zero, then a truncated
// three-digit E form) determines the exact bytes written back into the
// deck and must not be reordered.
func FormatField(v float64) string {
	if v == 0.0 {
		return "0.0"
	}
	for prec := 9; prec >= 4; prec-- {
		s := strconv.FormatFloat(v, 'g', prec, 64)
		if len(s) <= FieldWidth {
			return s
		}
	}
	for prec := 4; prec >= 0; prec-- {
		s := strconv.FormatFloat(v, 'E', prec, 64)
		if len(s) <= FieldWidth {
			return s
		}
	}
	// Last resort: hard truncation, may silently lose precision.
	s := strconv.FormatFloat(v, 'E', 3, 64)
	if len(s) > FieldWidth {
		s = s[:FieldWidth]
	}
	return s
}
