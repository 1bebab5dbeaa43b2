package encoding

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToUTF8(t *testing.T) {
	// "Manutenção" in Windows-1252
	raw := []byte{'M', 'a', 'n', 'u', 't', 'e', 'n', 0xE7, 0xE3, 'o', ' '}
	assert.Equal(t, "Manutenção", ToUTF8(raw))
	assert.Equal(t, "", ToUTF8(nil))
}

func TestWindows1252Reader(t *testing.T) {
	raw := "m1,downtime,Pe\xe7a presa\n"
	out, err := io.ReadAll(Windows1252Reader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, "m1,downtime,Peça presa\n", string(out))
}
