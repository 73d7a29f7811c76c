package feistel

// ECB transforms the first BlockSize bytes of block in place.
func ECB(s *Schedule, block []byte, encrypt bool) {
	if encrypt {
		s.Encrypt(block, block)
	} else {
		s.Decrypt(block, block)
	}
}

// CBC chains whole blocks of buf in place and leaves iv holding the last
// ciphertext block, so consecutive calls continue one stream. Trailing bytes
// that do not fill a block are left alone. It returns the number of bytes
// processed.
func CBC(s *Schedule, buf []byte, iv *[BlockSize]byte, encrypt bool) int {
	n := len(buf) - len(buf)%BlockSize
	for off := 0; off < n; off += BlockSize {
		block := buf[off : off+BlockSize]
		if encrypt {
			for i := range block {
				block[i] ^= iv[i]
			}
			s.Encrypt(block, block)
			copy(iv[:], block)
			continue
		}
		var next [BlockSize]byte
		copy(next[:], block)
		s.Decrypt(block, block)
		for i := range block {
			block[i] ^= iv[i]
		}
		*iv = next
	}
	return n
}
