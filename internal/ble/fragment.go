package ble

import (
	"encoding/binary"
)

// FragmentType is the 1-byte type field of the fragment header.
type FragmentType byte

const (
	FragmentStart    FragmentType = 0x01
	FragmentContinue FragmentType = 0x02
	FragmentEnd      FragmentType = 0x03
)

const fragmentHeaderSize = 5

// Fragmenter splits outbound packets into MTU-sized fragments carrying
// a 5-byte header: type(1) | sequence(2 BE) | total(2 BE).
type Fragmenter struct {
	mtu int
}

// NewFragmenter builds a Fragmenter for the given negotiated MTU
// (clamped to at least MinimumMTU).
func NewFragmenter(mtu int) *Fragmenter {
	if mtu < MinimumMTU {
		mtu = MinimumMTU
	}
	return &Fragmenter{mtu: mtu}
}

func (f *Fragmenter) SetMTU(mtu int) {
	if mtu < MinimumMTU {
		mtu = MinimumMTU
	}
	f.mtu = mtu
}

func (f *Fragmenter) MTU() int { return f.mtu }

// PayloadSize is the maximum fragment payload given the current MTU.
func (f *Fragmenter) PayloadSize() int {
	size := f.mtu - fragmentHeaderSize
	if size < 1 {
		size = 1
	}
	return size
}

func (f *Fragmenter) NeedsFragmentation(data []byte) bool {
	return len(data) > f.PayloadSize()
}

func (f *Fragmenter) FragmentCount(dataSize int) int {
	payload := f.PayloadSize()
	if dataSize == 0 {
		return 1
	}
	return (dataSize + payload - 1) / payload
}

// Fragment splits data into wire-ready fragments starting at sequenceBase.
func (f *Fragmenter) Fragment(data []byte, sequenceBase int) ([][]byte, error) {
	payloadSize := f.PayloadSize()
	total := f.FragmentCount(len(data))

	frags := make([][]byte, 0, total)
	if len(data) == 0 {
		frags = append(frags, CreateFragment(FragmentEnd, uint16(sequenceBase), uint16(total), nil))
		return frags, nil
	}

	for i := 0; i < total; i++ {
		start := i * payloadSize
		end := start + payloadSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]

		var typ FragmentType
		switch {
		case total == 1:
			typ = FragmentEnd
		case i == 0:
			typ = FragmentStart
		case i == total-1:
			typ = FragmentEnd
		default:
			typ = FragmentContinue
		}
		frags = append(frags, CreateFragment(typ, uint16(sequenceBase+i), uint16(total), chunk))
	}
	return frags, nil
}

// CreateFragment builds a single wire fragment from its header fields.
func CreateFragment(typ FragmentType, sequence, total uint16, payload []byte) []byte {
	out := make([]byte, fragmentHeaderSize+len(payload))
	out[0] = byte(typ)
	binary.BigEndian.PutUint16(out[1:3], sequence)
	binary.BigEndian.PutUint16(out[3:5], total)
	copy(out[fragmentHeaderSize:], payload)
	return out
}

// ParseHeader extracts the header fields from a wire fragment.
func ParseHeader(fragment []byte) (typ FragmentType, sequence, total uint16, ok bool) {
	if len(fragment) < fragmentHeaderSize {
		return 0, 0, 0, false
	}
	t := FragmentType(fragment[0])
	if t != FragmentStart && t != FragmentContinue && t != FragmentEnd {
		return 0, 0, 0, false
	}
	return t, binary.BigEndian.Uint16(fragment[1:3]), binary.BigEndian.Uint16(fragment[3:5]), true
}

// ExtractPayload returns the payload portion of a wire fragment.
func ExtractPayload(fragment []byte) []byte {
	if len(fragment) < fragmentHeaderSize {
		return nil
	}
	return fragment[fragmentHeaderSize:]
}

// IsValidFragment performs a structural (not semantic) validity check.
func IsValidFragment(fragment []byte) bool {
	_, _, _, ok := ParseHeader(fragment)
	if !ok {
		return false
	}
	return len(ExtractPayload(fragment)) <= MaxFragmentPayload
}
