package document

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

const (
	FieldName           = "name"
	FieldDocumentNumber = "documentNumber"
	FieldDOB            = "dob"
	FieldGender         = "gender"
)

// requiredFields is checked in this order; the first one missing is
// reported.
var requiredFields = []string{FieldDocumentNumber, FieldName}

// Attributes are the identity fields read from a document. DOB is
// YYYY-MM-DD when present.
type Attributes struct {
	Name           string `json:"name"`
	DocumentNumber string `json:"document_number"`
	DOB            string `json:"dob,omitempty"`
	Gender         string `json:"gender,omitempty"`
}

// Rule pairs a pattern for one field with the check a candidate must pass.
// The first capture group of Pattern is the candidate. Check returns the
// normalized value and whether the candidate is acceptable.
//
// An Overlapping rule is searched again from the next token after each
// rejected match, so a rejected candidate cannot hide one that overlaps it.
type Rule struct {
	Field       string
	Pattern     *regexp.Regexp
	Check       func(candidate string, now time.Time) (string, bool)
	Overlapping bool
}

// DefaultRules returns the ordered rule table. For each field, rules are
// tried in order and every match of a rule is tried before the next rule.
func DefaultRules() []Rule {
	return []Rule{
		{FieldDocumentNumber, regexp.MustCompile(`\b(\d{4}[ \t]\d{4}[ \t]\d{4})\b`), checkDocumentNumber, true},
		{FieldDocumentNumber, regexp.MustCompile(`\b(\d{12})\b`), checkDocumentNumber, false},

		{FieldName, regexp.MustCompile(`(?im)^[ \t]*name[ \t]*[:\-][ \t]*([a-z][a-z .']+?)[ \t\r]*$`), checkName, false},
		{FieldName, regexp.MustCompile(`(?m)^[ \t]*([A-Z][a-zA-Z.']+(?:[ \t]+[A-Z][a-zA-Z.']+){1,3})[ \t\r]*$`), checkName, false},

		{FieldDOB, regexp.MustCompile(`(?i)(?:dob|date of birth)[ \t]*[:\-]?[ \t]*(\d{2}[/.\-]\d{2}[/.\-]\d{4})`), checkDate, false},
		{FieldDOB, regexp.MustCompile(`(?i)(?:dob|date of birth)[ \t]*[:\-]?[ \t]*(\d{4}-\d{2}-\d{2})`), checkDate, false},

		{FieldGender, regexp.MustCompile(`(?i)\b(male|female|transgender)\b`), checkGender, false},
	}
}

// ParseAttributes runs rules over text. It never guesses: a required
// field with no passing candidate fails with *ExtractionError.
func ParseAttributes(text string, rules []Rule, now time.Time) (Attributes, error) {
	found := make(map[string]string)
	for _, r := range rules {
		if _, ok := found[r.Field]; ok {
			continue
		}
		for _, c := range candidates(r, text) {
			if v, ok := r.Check(c, now); ok {
				found[r.Field] = v
				break
			}
		}
	}
	for _, f := range requiredFields {
		if found[f] == "" {
			return Attributes{}, &ExtractionError{Field: f}
		}
	}
	return Attributes{
		Name:           found[FieldName],
		DocumentNumber: found[FieldDocumentNumber],
		DOB:            found[FieldDOB],
		Gender:         found[FieldGender],
	}, nil
}

// candidates lists the first capture group of every match of r in text.
func candidates(r Rule, text string) []string {
	if !r.Overlapping {
		var out []string
		for _, m := range r.Pattern.FindAllStringSubmatch(text, -1) {
			if len(m) >= 2 && m[1] != "" {
				out = append(out, m[1])
			}
		}
		return out
	}

	var out []string
	for start := 0; start < len(text); {
		loc := r.Pattern.FindStringSubmatchIndex(text[start:])
		if loc == nil {
			break
		}
		if len(loc) >= 4 && loc[2] >= 0 {
			out = append(out, text[start+loc[2]:start+loc[3]])
		}
		start = nextToken(text, start+loc[0])
	}
	return out
}

// nextToken returns the first index after i that follows whitespace, or
// len(text) when there is none. Restarting at a token start keeps word
// boundaries at the slice start genuine.
func nextToken(text string, i int) int {
	for j := i + 1; j < len(text); j++ {
		switch text[j-1] {
		case ' ', '\t', '\n', '\r':
			return j
		}
	}
	return len(text)
}

func checkDocumentNumber(s string, _ time.Time) (string, bool) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) != 12 || digits[0] < '2' {
		return "", false
	}
	if strings.Count(digits, digits[:1]) == len(digits) {
		return "", false
	}
	return digits, true
}

var institutionalWords = map[string]bool{
	"government": true, "india": true, "authority": true, "unique": true,
	"identification": true, "republic": true, "ministry": true, "department": true,
	"enrolment": true, "aadhaar": true, "address": true, "card": true,
	"signature": true, "birth": true, "date": true, "male": true, "female": true,
	"issue": true, "dob": true, "of": true,
}

func checkName(s string, _ time.Time) (string, bool) {
	name := strings.Join(strings.Fields(s), " ")
	if len(name) < 3 || len(name) > 60 {
		return "", false
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && r != ' ' && r != '.' && r != '\'' {
			return "", false
		}
	}
	for _, w := range strings.Fields(strings.ToLower(name)) {
		if institutionalWords[strings.Trim(w, ".'")] {
			return "", false
		}
	}
	return name, true
}

var dateLayouts = []string{"02/01/2006", "02-01-2006", "02.01.2006", "2006-01-02"}

func checkDate(s string, now time.Time) (string, bool) {
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Year() < 1900 || t.After(now) {
			return "", false
		}
		return t.Format("2006-01-02"), true
	}
	return "", false
}

func checkGender(s string, _ time.Time) (string, bool) {
	return strings.ToUpper(s), true
}
