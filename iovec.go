package peerwasm

// IOVec is a slice of bytes, usually a view of a module's linear memory.
type IOVec []byte

// SizeOf returns the total number of bytes held by iovecs.
func SizeOf(iovecs []IOVec) (n int) {
	for _, iov := range iovecs {
		n += len(iov)
	}
	return n
}

// Gather concatenates iovecs into a newly allocated slice.
//
// The result never aliases the iovecs, which makes it safe to retain after
// the module's memory is mutated.
func Gather(iovecs []IOVec) []byte {
	b := make([]byte, 0, SizeOf(iovecs))
	for _, iov := range iovecs {
		b = append(b, iov...)
	}
	return b
}

// Scatter copies b across iovecs in order and returns the number of bytes
// copied.
func Scatter(iovecs []IOVec, b []byte) (n int) {
	for _, iov := range iovecs {
		if len(b) == 0 {
			break
		}
		c := copy(iov, b)
		b = b[c:]
		n += c
	}
	return n
}
