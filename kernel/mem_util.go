package kernel

// Memset sets every byte of target to the supplied value. Instead of a byte
// loop, Memset writes the first byte and then performs log2(len(target))
// doubling copies, which is considerably faster for page sized buffers.
func Memset(target []byte, value byte) {
	if len(target) == 0 {
		return
	}

	target[0] = value
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}
