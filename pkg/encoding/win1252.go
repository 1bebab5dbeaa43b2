package encoding

import (
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Windows1252Reader decodes a Windows-1252 stream (the default export encoding of the
// legacy shop-floor terminals) into UTF-8 as it is read
func Windows1252Reader(r io.Reader) io.Reader {
	return transform.NewReader(r, charmap.Windows1252.NewDecoder())
}

// ToUTF8 converts a single Windows-1252 value to trimmed UTF-8.
// If decoding fails the raw bytes are returned as is.
func ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return strings.TrimSpace(string(b))
	}

	return strings.TrimSpace(string(decoded))
}
