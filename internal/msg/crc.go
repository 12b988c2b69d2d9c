package msg

// Crc16CCITT computes the CCITT CRC variant used by the block framing
// (init 0xFFFF, reflected update, no final xor).
func Crc16CCITT(buf []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range buf {
		b ^= byte(crc)
		b ^= b << 4
		crc = (uint16(b)<<8 | crc>>8) ^ uint16(b>>4) ^ uint16(b)<<3
	}
	return crc
}
