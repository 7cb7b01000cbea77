package zero

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	b := []byte("super secret passphrase")
	Bytes(b)
	assert.Equal(t, make([]byte, len(b)), b)

	var a32 [32]byte
	for i := range a32 {
		a32[i] = byte(i + 1)
	}
	Bytea32(&a32)
	assert.Equal(t, [32]byte{}, a32)

	var a64 [64]byte
	a64[63] = 0xff
	Bytea64(&a64)
	assert.Equal(t, [64]byte{}, a64)
}
