package protocol

// Checksum calculates the SUM byte of a V-Sido frame: the XOR of every byte
// from ST up to the last DATA byte
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}
