package rediscluster

// crc16Table is the lookup table for the CRC16-XMODEM variant: polynomial
// 0x1021, initial value 0x0000, no input/output reflection, no final xor.
// This constant is load-bearing for Redis Cluster slot routing; the table
// mistake classic vectors below guard against are wrong byte order or a
// reflected polynomial.
var crc16Table = buildCRC16Table()

func buildCRC16Table() [256]uint16 {
	const poly = 0x1021
	var table [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC16 computes the XMODEM CRC16 over data.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = (crc << 8) ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// HashTag returns the substring to hash for a Redis key: if the key
// contains a '{' followed by at least one byte and then a '}', the
// substring between the first '{' and the following '}' is returned;
// otherwise the full key is returned unchanged.
func HashTag(key []byte) []byte {
	open := -1
	for i, b := range key {
		if b == '{' {
			open = i
			break
		}
	}
	if open < 0 {
		return key
	}

	for j := open + 1; j < len(key); j++ {
		if key[j] == '}' {
			if j == open+1 {
				// Empty {} - hash the entire key.
				return key
			}
			return key[open+1 : j]
		}
	}
	// No closing brace found - hash the entire key.
	return key
}

// KeySlot computes the Redis Cluster slot for key: CRC16(hashtag(key)) mod
// 16384.
func KeySlot(key []byte) uint16 {
	return CRC16(HashTag(key)) & 0x3FFF
}

const SlotCount = 16384
