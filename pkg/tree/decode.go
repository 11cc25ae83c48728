package tree

import (
	"bytes"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decode turns a raw export into text. Exports are normally UTF-16 with a
// byte order mark; BOM-less input is read as UTF-16LE when it contains NUL
// bytes and as UTF-8 otherwise.
func Decode(raw []byte) (string, error) {
	fallback := unicode.UTF8.NewDecoder()
	if looksUTF16(raw) {
		fallback = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	}
	out, _, err := transform.Bytes(unicode.BOMOverride(fallback), raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func looksUTF16(raw []byte) bool {
	if len(raw) < 2 || len(raw)%2 != 0 {
		return false
	}
	sample := raw
	if len(sample) > 512 {
		sample = sample[:512]
	}
	return bytes.IndexByte(sample, 0) >= 0
}
