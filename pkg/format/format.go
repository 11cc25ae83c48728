// Package format renders the single line of text stored in a pointer file.
package format

import (
	"errors"
	"strings"

	"github.com/jacktea/strmsync/pkg/xerrors"
)

// Placeholders recognised in a mount template. A template carries exactly one.
const (
	LocalPlaceholder = "{local_file}"
	CloudPlaceholder = "{cloud_file}"
)

// ErrUnrecognizedTemplate reports a template with neither or both placeholders.
var ErrUnrecognizedTemplate = errors.New("template must contain exactly one of {local_file} or {cloud_file}")

// Rule replaces every occurrence of From with To in rendered content.
type Rule struct {
	From string
	To   string
}

// Rules apply in order.
type Rules []Rule

// ParseRules reads "source:target" lines. Lines without a colon are ignored;
// the split happens at the first colon so targets may contain more.
func ParseRules(text string) Rules {
	var rules Rules
	for _, line := range strings.Split(text, "\n") {
		from, to, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		from = strings.TrimSpace(from)
		if from == "" {
			continue
		}
		rules = append(rules, Rule{From: from, To: strings.TrimSpace(to)})
	}
	return rules
}

// Apply runs every rule against s.
func (r Rules) Apply(s string) string {
	for _, rule := range r {
		if strings.Contains(s, rule.From) {
			s = strings.ReplaceAll(s, rule.From, rule.To)
		}
	}
	return s
}

// Validate checks that template carries exactly one placeholder.
func Validate(template string) error {
	hasLocal := strings.Contains(template, LocalPlaceholder)
	hasCloud := strings.Contains(template, CloudPlaceholder)
	if hasLocal == hasCloud {
		return xerrors.Wrap(xerrors.KindConfig, "template", template, ErrUnrecognizedTemplate)
	}
	return nil
}

// Format substitutes localFile or cloudFile into template and applies rules.
//
// With {cloud_file} and uriEncode set, every byte of cloudFile outside the
// RFC 3986 unreserved set is percent-encoded, "/" included. Without
// uriEncode, backslashes become forward slashes.
func Format(template, localFile, cloudFile string, uriEncode bool, rules Rules) (string, error) {
	if err := Validate(template); err != nil {
		return "", err
	}
	var out string
	if strings.Contains(template, LocalPlaceholder) {
		out = strings.ReplaceAll(template, LocalPlaceholder, localFile)
	} else {
		if uriEncode {
			cloudFile = Escape(cloudFile)
		} else {
			cloudFile = strings.ReplaceAll(cloudFile, `\`, "/")
		}
		out = strings.ReplaceAll(template, CloudPlaceholder, cloudFile)
	}
	return rules.Apply(out), nil
}

const upperhex = "0123456789ABCDEF"

// Escape percent-encodes s treating no reserved character as safe.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
