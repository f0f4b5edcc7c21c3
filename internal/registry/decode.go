package registry

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// Decoder turns registry file bytes into text. Files carrying a BOM are decoded
// as the Unicode encoding it names; BOM-less files are tried as UTF-8 and fall
// back to the configured legacy charset when they are not valid UTF-8.
type Decoder struct {
	legacy     encoding.Encoding
	legacyName string
}

// NewDecoder resolves a WHATWG charset name (e.g. "windows-1252", "shift_jis") for the fallback.
func NewDecoder(legacyCharset string) (*Decoder, error) {
	enc, err := htmlindex.Get(legacyCharset)
	if err != nil {
		return nil, fmt.Errorf("unknown legacy encoding %q: %w", legacyCharset, err)
	}
	name, _ := htmlindex.Name(enc)
	return &Decoder{legacy: enc, legacyName: name}, nil
}

// Decode returns the text and the name of the encoding that was applied.
func (d *Decoder) Decode(data []byte) (string, string, error) {
	if hasBOM(data) {
		out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
		if err != nil {
			return "", "", fmt.Errorf("decode unicode: %w", err)
		}
		return string(out), "unicode-bom", nil
	}
	if utf8.Valid(data) {
		return string(data), "utf-8", nil
	}
	out, err := d.legacy.NewDecoder().Bytes(data)
	if err != nil {
		return "", "", fmt.Errorf("decode %s: %w", d.legacyName, err)
	}
	return string(out), d.legacyName, nil
}

func hasBOM(data []byte) bool {
	return bytes.HasPrefix(data, bomUTF8) || bytes.HasPrefix(data, bomUTF16LE) || bytes.HasPrefix(data, bomUTF16BE)
}
