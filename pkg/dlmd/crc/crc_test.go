package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobalIDDeterministic(t *testing.T) {
	a := GlobalID("clvmd")
	b := GlobalID("clvmd")
	assert.Equal(t, a, b, "GlobalID must be deterministic")
}

func TestGlobalIDDiffersByName(t *testing.T) {
	a := GlobalID("clvmd")
	b := GlobalID("gfs2")
	assert.NotEqual(t, a, b, "distinct lockspace names must not collide")
}

func TestGlobalIDNotStandardIEEE(t *testing.T) {
	// Regression guard: the corosync variant (init 0, no final xor)
	// must not coincide with the RFC-standard IEEE checksum, which
	// would indicate the init/xor steps were accidentally reinstated.
	name := "dlm:ls:clvmd\x00"
	assert.NotEqual(t, standardIEEE([]byte(name)), GlobalID("clvmd"))
}

func standardIEEE(data []byte) uint32 {
	crc := uint32(0xffffffff)
	for _, b := range data {
		crc = table[byte(crc)^b] ^ (crc >> 8)
	}
	return ^crc
}
