package heap

// HeaderSize is the encoded width of a block header in bytes.
const HeaderSize = 2

// MaxLength is the largest payload a single block can describe.
const MaxLength = 1<<15 - 1

const allocatedBit = 1 << 15

// Header describes one heap block.
type Header struct {
	Allocated bool
	Length    int
}

// Encode packs the header as allocated<<15 | length.
func (h Header) Encode() uint16 {
	v := uint16(h.Length) & MaxLength
	if h.Allocated {
		v |= allocatedBit
	}
	return v
}

// DecodeHeader unpacks an encoded header.
func DecodeHeader(v uint16) Header {
	return Header{
		Allocated: v&allocatedBit != 0,
		Length:    int(v & MaxLength),
	}
}
