// Package sei builds and extracts H.264 supplemental enhancement
// information units. The engine carries exactly one SEI shape:
// user_data_unregistered payloads tagged with the session's UUID, framed
// either Annex B (start-code delimited) or length-prefixed per the codec
// parameters.
package sei

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
)

// H.264 NAL unit types used by the engine (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
)

// payloadTypeUserDataUnregistered is the SEI payload type carrying a
// 16-byte UUID followed by opaque user data (ITU-T H.264 D.1.7).
const payloadTypeUserDataUnregistered = 5

// lengthPrefixSize is the NAL length field width in length-prefixed mode.
const lengthPrefixSize = 4

// NALType extracts the H.264 NAL type from raw NAL data (header included).
func NALType(nal []byte) byte {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

// NALPayload returns the de-escaped RBSP payload of a NAL unit.
func NALPayload(nal []byte) []byte {
	if len(nal) < 2 {
		return nil
	}
	return RemoveEmulationPrevention(nal[1:])
}

// BuildNAL assembles a NAL unit from a header byte and an RBSP payload,
// inserting emulation prevention bytes.
func BuildNAL(header byte, rbsp []byte) []byte {
	out := make([]byte, 1, 1+len(rbsp)+len(rbsp)/64)
	out[0] = header
	return appendEmulationPrevention(out, rbsp)
}

// FrameNAL wraps a NAL unit for inclusion in an access unit: a 4-byte start
// code in Annex B mode, a 4-byte big-endian length prefix otherwise.
func FrameNAL(nal []byte, annexB bool) []byte {
	if annexB {
		out := make([]byte, 0, 4+len(nal))
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		return append(out, nal...)
	}
	out := make([]byte, lengthPrefixSize, lengthPrefixSize+len(nal))
	binary.BigEndian.PutUint32(out, uint32(len(nal)))
	return append(out, nal...)
}

// SplitAccessUnit breaks an access unit into its raw NAL units (header
// included, framing stripped). Annex B mode recognizes both 3- and 4-byte
// start codes. Malformed trailing data is dropped.
func SplitAccessUnit(au []byte, annexB bool) [][]byte {
	if annexB {
		return splitAnnexB(au)
	}
	return splitLengthPrefixed(au)
}

func splitAnnexB(data []byte) [][]byte {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units [][]byte
	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		units = append(units, data[pos.dataStart:end])
	}
	return units
}

func splitLengthPrefixed(data []byte) [][]byte {
	var units [][]byte
	for len(data) >= lengthPrefixSize {
		size := int(binary.BigEndian.Uint32(data))
		data = data[lengthPrefixSize:]
		if size == 0 || size > len(data) {
			break
		}
		units = append(units, data[:size])
		data = data[size:]
	}
	return units
}

// Build packages a metadata payload as a user_data_unregistered SEI unit
// tagged with id, framed per annexB, ready to be prepended to the access
// unit that carries the matching video payload.
func Build(id uuid.UUID, payload []byte, annexB bool) []byte {
	size := len(id) + len(payload)

	rbsp := make([]byte, 0, 3+size+size/255+1)
	rbsp = append(rbsp, payloadTypeUserDataUnregistered)
	for size >= 255 {
		rbsp = append(rbsp, 0xFF)
		size -= 255
	}
	rbsp = append(rbsp, byte(size))
	rbsp = append(rbsp, id[:]...)
	rbsp = append(rbsp, payload...)
	rbsp = append(rbsp, 0x80) // rbsp_trailing_bits

	return FrameNAL(BuildNAL(0x06, rbsp), annexB)
}

// Extract scans an access unit for the first user_data_unregistered SEI
// payload tagged with id. A non-empty filter additionally requires the
// payload to contain filter as a byte substring. Returns nil when nothing
// matches.
func Extract(au []byte, annexB bool, id uuid.UUID, filter string) []byte {
	for _, nal := range SplitAccessUnit(au, annexB) {
		if NALType(nal) != NALTypeSEI {
			continue
		}
		if msg := scanSEIPayloads(NALPayload(nal), id, filter); msg != nil {
			return msg
		}
	}
	return nil
}

// scanSEIPayloads walks the payload type/size structure of one SEI RBSP,
// returning the first matching user_data_unregistered payload.
func scanSEIPayloads(rbsp []byte, id uuid.UUID, filter string) []byte {
	i := 0
	for i < len(rbsp) {
		if rbsp[i] == 0x80 {
			break
		}

		payloadType := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadType += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadType += int(rbsp[i])
		i++

		payloadSize := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadSize += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadSize += int(rbsp[i])
		i++

		if i+payloadSize > len(rbsp) {
			break
		}

		if payloadType == payloadTypeUserDataUnregistered && payloadSize >= len(id) {
			if bytes.Equal(rbsp[i:i+len(id)], id[:]) {
				msg := rbsp[i+len(id) : i+payloadSize]
				if filter == "" || bytes.Contains(msg, []byte(filter)) {
					out := make([]byte, len(msg))
					copy(out, msg)
					return out
				}
			}
		}
		i += payloadSize
	}
	return nil
}

// RemoveEmulationPrevention strips 0x03 emulation prevention bytes from an
// escaped NAL payload.
func RemoveEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

// InsertEmulationPrevention escapes a raw RBSP so it cannot alias a start
// code inside an access unit.
func InsertEmulationPrevention(data []byte) []byte {
	return appendEmulationPrevention(make([]byte, 0, len(data)+len(data)/64), data)
}

func appendEmulationPrevention(out, data []byte) []byte {
	zeros := 0
	for _, b := range data {
		if zeros == 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
