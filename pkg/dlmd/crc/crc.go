// Package crc computes the lockspace global id the way corosync's
// cpgname_to_crc does: a reflected CRC-32/IEEE walk seeded at zero with
// no final XOR. original_source/fakedlm.c's global_id() calls directly
// into that corosync routine; hash/crc32's ChecksumIEEE cannot be used
// as-is because it hardcodes the RFC standard's 0xffffffff seed and
// final XOR, which corosync's variant does not apply.
package crc

import "hash/crc32"

var table = crc32.MakeTable(crc32.IEEE)

// GlobalID returns the cluster-wide lockspace identifier for name,
// matching original_source/fakedlm.c's global_id(): a CRC-32 over
// "dlm:ls:" + name + "\x00".
func GlobalID(name string) uint32 {
	full := make([]byte, 0, len(name)+8)
	full = append(full, "dlm:ls:"...)
	full = append(full, name...)
	full = append(full, 0)
	return checksum(full)
}

// checksum is crc32.Update with the corosync-compatible seed (0) and
// no final XOR, versus the standard's seed/xor of 0xffffffff.
func checksum(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = table[byte(crc)^b] ^ (crc >> 8)
	}
	return crc
}
