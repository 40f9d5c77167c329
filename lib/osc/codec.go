// Package osc accepts remote trigger input as OSC 1.1 messages framed with
// SLIP over TCP.
package osc

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

func pad4(n int) int {
	return (4 - n%4) % 4
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	buf = append(buf, 0)
	for range pad4(len(s) + 1) {
		buf = append(buf, 0)
	}
	return buf
}

// Encode builds an OSC message. Supported argument types are int32,
// float32, float64, string and bool.
func Encode(addr string, args ...any) ([]byte, error) {
	tags := []byte{','}
	for _, arg := range args {
		switch v := arg.(type) {
		case int32:
			tags = append(tags, 'i')
		case float32:
			tags = append(tags, 'f')
		case float64:
			tags = append(tags, 'd')
		case string:
			tags = append(tags, 's')
		case bool:
			if v {
				tags = append(tags, 'T')
			} else {
				tags = append(tags, 'F')
			}
		default:
			return nil, fmt.Errorf("osc: unsupported argument type %T", arg)
		}
	}

	buf := appendString(nil, addr)
	buf = appendString(buf, string(tags))
	for _, arg := range args {
		switch v := arg.(type) {
		case int32:
			buf = binary.BigEndian.AppendUint32(buf, uint32(v))
		case float32:
			buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(v))
		case float64:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
		case string:
			buf = appendString(buf, v)
		}
	}
	return buf, nil
}

// readString reads a padded OSC string at pos and returns the position
// after it.
func readString(data []byte, pos int) (string, int, error) {
	end := pos
	for end < len(data) && data[end] != 0 {
		end++
	}
	if end >= len(data) {
		return "", 0, fmt.Errorf("osc: unterminated string")
	}
	return string(data[pos:end]), end + 1 + pad4(end-pos+1), nil
}

// Decode parses an OSC message. Blobs are rejected; nothing the server
// accepts uses them.
func Decode(data []byte) (addr string, args []any, err error) {
	if len(data) < 4 || data[0] != '/' {
		return "", nil, fmt.Errorf("osc: not a message")
	}
	addr, pos, err := readString(data, 0)
	if err != nil {
		return "", nil, err
	}
	if pos >= len(data) || data[pos] != ',' {
		return addr, nil, nil
	}
	tags, pos, err := readString(data, pos)
	if err != nil {
		return addr, nil, err
	}

	for _, t := range tags[1:] {
		switch t {
		case 'i', 'f':
			if pos+4 > len(data) {
				return addr, args, fmt.Errorf("osc: truncated %c argument", t)
			}
			u := binary.BigEndian.Uint32(data[pos:])
			if t == 'i' {
				args = append(args, int32(u))
			} else {
				args = append(args, math.Float32frombits(u))
			}
			pos += 4
		case 'h', 'd':
			if pos+8 > len(data) {
				return addr, args, fmt.Errorf("osc: truncated %c argument", t)
			}
			u := binary.BigEndian.Uint64(data[pos:])
			if t == 'h' {
				args = append(args, int64(u))
			} else {
				args = append(args, math.Float64frombits(u))
			}
			pos += 8
		case 's':
			var s string
			if s, pos, err = readString(data, pos); err != nil {
				return addr, args, err
			}
			args = append(args, s)
		case 'T':
			args = append(args, true)
		case 'F':
			args = append(args, false)
		case 'N':
			args = append(args, nil)
		default:
			return addr, args, fmt.Errorf("osc: unsupported type tag %q", t)
		}
	}
	return addr, args, nil
}

func slipEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	out = append(out, slipEnd)
	for _, b := range data {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

// nextFrame returns the first complete SLIP frame in data. Empty frames
// between back-to-back END bytes are skipped.
func nextFrame(data []byte) (frame, rest []byte, ok bool) {
	start := -1
	for i, b := range data {
		if b != slipEnd {
			continue
		}
		if start >= 0 && i > start+1 {
			return slipDecode(data[start+1 : i]), data[i+1:], true
		}
		start = i
	}
	if start > 0 {
		return nil, data[start:], false
	}
	return nil, data, false
}

func slipDecode(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == slipEsc && i+1 < len(data) {
			switch data[i+1] {
			case slipEscEnd:
				out = append(out, slipEnd)
			case slipEscEsc:
				out = append(out, slipEsc)
			}
			i++
			continue
		}
		out = append(out, data[i])
	}
	return out
}
