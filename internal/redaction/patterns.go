package redaction

import (
	"fmt"
	"regexp"
)

// Category labels a Pattern by the kind of data it masks.
type Category string

const (
	CategoryPHI       Category = "PHI"
	CategoryPII       Category = "PII"
	CategoryFinancial Category = "FINANCIAL"
)

// Pattern is one entry of the fixed, ordered redaction catalog. Ordering is
// significant: a pattern's replacement feeds into the next pattern's input,
// and overlapping matches (credit-card numbers vs. UK phone numbers, in
// particular) are resolved by which pattern runs first.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Category    Category
}

// Catalog is the canonical pattern order golden tests pin: structured
// medical/government identifiers first, then looser numeric patterns
// (phone, card) that are more prone to false-positive overlap with each
// other.
var Catalog = []Pattern{
	{
		Name:        "mrn",
		Regex:       regexp.MustCompile(`\bMRN[-:\s]?\d{6,10}\b`),
		Replacement: "[MRN_REDACTED]",
		Category:    CategoryPHI,
	},
	{
		Name:        "dob",
		Regex:       regexp.MustCompile(`\b(0[1-9]|1[0-2])[/-](0[1-9]|[12]\d|3[01])[/-](19|20)\d{2}\b`),
		Replacement: "[DOB_REDACTED]",
		Category:    CategoryPHI,
	},
	{
		Name:        "nhs_number",
		Regex:       regexp.MustCompile(`\b\d{3}\s?\d{3}\s?\d{4}\b`),
		Replacement: "[NHS_REDACTED]",
		Category:    CategoryPHI,
	},
	{
		Name:        "national_insurance_number",
		Regex:       regexp.MustCompile(`\b[A-CEGHJ-PR-TW-Z]{2}\s?\d{2}\s?\d{2}\s?\d{2}\s?[A-D]\b`),
		Replacement: "[NINO_REDACTED]",
		Category:    CategoryPII,
	},
	{
		Name:        "us_ssn",
		Regex:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		Replacement: "[SSN_REDACTED]",
		Category:    CategoryPII,
	},
	{
		Name:        "email",
		Regex:       regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		Replacement: "[EMAIL_REDACTED]",
		Category:    CategoryPII,
	},
	{
		Name:        "us_phone",
		Regex:       regexp.MustCompile(`\b(\+1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`),
		Replacement: "[PHONE_REDACTED]",
		Category:    CategoryPII,
	},
	{
		Name:        "uk_phone",
		Regex:       regexp.MustCompile(`\b(\+44\s?|0)7\d{3}[-.\s]?\d{6}\b`),
		Replacement: "[PHONE_REDACTED]",
		Category:    CategoryPII,
	},
	{
		Name:        "credit_card",
		Regex:       regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
		Replacement: "[CARD_REDACTED]",
		Category:    CategoryFinancial,
	},
}

// CompilePattern builds a Pattern from an operator-supplied overlay entry,
// appended to the canonical Catalog by the config hot-reload path.
func CompilePattern(category Category, pattern, replacement string) (Pattern, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Pattern{}, fmt.Errorf("redaction: compile overlay pattern %q: %w", pattern, err)
	}
	return Pattern{
		Name:        fmt.Sprintf("overlay_%s", category),
		Regex:       re,
		Replacement: replacement,
		Category:    category,
	}, nil
}
