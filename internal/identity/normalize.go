// Package identity canonicalizes raw identity values into the form used for
// equality comparisons. Every step is idempotent, so Normalize applied to its
// own output returns the same value.
package identity

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/cases"

	"github.com/khalifapro/crowd.dev/internal/domain"
)

// ErrInvalid is returned for values that have no canonical form.
var ErrInvalid = errors.New("invalid identity value")

const (
	maxHostnameLength = 253
	maxLabelLength    = 63
)

var (
	labelPattern  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	numericTLD    = regexp.MustCompile(`^[0-9]+$`)
	schemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*://`)
)

// Normalize returns the canonical form of raw for identities of type t.
// Domain types get hostname treatment; everything else is trimmed and case folded.
func Normalize(t domain.OrganizationIdentityType, raw string) (string, error) {
	if t.IsDomain() {
		return NormalizeDomain(raw)
	}
	return NormalizeValue(raw)
}

// NormalizeValue trims whitespace and case folds raw.
func NormalizeValue(raw string) (string, error) {
	v := fold(strings.TrimSpace(raw))
	if v == "" {
		return "", ErrInvalid
	}
	return v, nil
}

// NormalizeDomain reduces a website or domain to a bare lower case hostname.
// Scheme, credentials, port, path, query, fragment and leading "www." labels are removed.
func NormalizeDomain(raw string) (string, error) {
	v := fold(strings.TrimSpace(raw))
	if v == "" {
		return "", ErrInvalid
	}

	v = schemePattern.ReplaceAllString(v, "")
	if i := strings.IndexAny(v, "/?#"); i >= 0 {
		v = v[:i]
	}
	if i := strings.LastIndex(v, "@"); i >= 0 {
		v = v[i+1:]
	}
	if i := strings.LastIndex(v, ":"); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimSuffix(v, ".")

	ascii, err := idna.Lookup.ToASCII(v)
	if err != nil {
		return "", ErrInvalid
	}
	ascii = stripWWW(strings.TrimSuffix(ascii, "."))
	if !validHostname(ascii) {
		return "", ErrInvalid
	}

	unicode, err := idna.Lookup.ToUnicode(ascii)
	if err != nil {
		return "", ErrInvalid
	}
	return unicode, nil
}

// stripWWW removes every leading "www." label while at least two labels remain.
// It runs after IDNA mapping so that full-width dots are already ASCII.
func stripWWW(host string) string {
	for {
		rest := strings.TrimPrefix(host, "www.")
		if rest == host || !strings.Contains(rest, ".") {
			return host
		}
		host = rest
	}
}

func validHostname(host string) bool {
	if len(host) == 0 || len(host) > maxHostnameLength {
		return false
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > maxLabelLength || !labelPattern.MatchString(label) {
			return false
		}
	}
	return !numericTLD.MatchString(labels[len(labels)-1])
}

// fold uses a fresh Caser per call; cases.Caser is not safe for concurrent use.
func fold(s string) string {
	return cases.Fold().String(s)
}
