/*
Package protocol carries the wire layer: a compact TLV record format,
the Feeder/Drainer data-flow contract, and a TCP/TLS transport.

A TLV record is a one-letter type, a length and a body. Three headers
exist, picked by body size:

  - tiny, 1 byte: '0'+len, for bodies of 0..9 bytes (type is lost);
  - short, 2 bytes: lowercase type + 1-byte length, up to 255 bytes;
  - long, 5 bytes: uppercase type + 4-byte little-endian length.

Writers pass a lowercase type letter to allow the tiny form, uppercase
to force an explicit header. Readers treat '0' as a wildcard type.
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const caseBit byte = 'a' - 'A'

var (
	ErrIncomplete = errors.New("incomplete TLV data")
	ErrBadRecord  = errors.New("bad TLV record")
)

// ProbeHeader inspects the header of the record at the start of data.
// lit is the canonical (uppercase) type, '0' for tiny records, '-' for
// garbage and 0 when the header itself is still incomplete.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	switch b := data[0]; {
	case b >= '0' && b <= '9':
		return '0', 1, int(b - '0')
	case b >= 'a' && b <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return b - caseBit, 2, int(data[1])
	case b >= 'A' && b <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		l := binary.LittleEndian.Uint32(data[1:5])
		if l > 0x7fffffff {
			return '-', 0, 0
		}
		return b, 5, int(l)
	default:
		return '-', 0, 0
	}
}

// AppendHeader writes the shortest header that fits bodylen.
// A lowercase lit permits the tiny form.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	up := lit &^ caseBit
	if up < 'A' || up > 'Z' {
		panic("TLV types are A..Z")
	}
	switch {
	case bodylen < 10 && lit&caseBit != 0:
		return append(into, byte('0'+bodylen))
	case bodylen <= 0xff:
		return append(into, up|caseBit, byte(bodylen))
	case bodylen <= 0x7fffffff:
		into = append(into, up)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	default:
		panic("oversized TLV record")
	}
}

// Append appends a complete record made of the given body pieces.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	total := 0
	for _, b := range body {
		total += len(b)
	}
	into = AppendHeader(into, lit, total)
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

// Record makes a complete record.
func Record(lit byte, body ...[]byte) []byte {
	return Append(nil, lit, body...)
}

// TinyRecord makes a record preferring the 1-byte header.
func TinyRecord(lit byte, body []byte) []byte {
	return Record(lit|caseBit, body)
}

// Take reads a record of the given type. Incomplete data returns
// (nil, data), a type mismatch returns (nil, nil).
func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hlen, blen := ProbeHeader(data)
	if flit == 0 || hlen+blen > len(data) {
		return nil, data
	}
	if flit != lit && flit != '0' {
		return nil, nil
	}
	return data[hlen : hlen+blen], data[hlen+blen:]
}

// TakeAny reads whatever record comes first.
func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	lit, _, _ = ProbeHeader(data)
	if lit == '-' || lit == 0 {
		return 0, nil, nil
	}
	body, rest = Take(lit, data)
	return
}

// TakeWary is Take for untrusted input: errors are explicit.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hlen, blen := ProbeHeader(data)
	if flit == 0 || hlen+blen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	return data[hlen : hlen+blen], data[hlen+blen:], nil
}

// Lit returns the canonical type of a record.
func Lit(rec []byte) byte {
	lit, _, _ := ProbeHeader(rec)
	return lit
}

// Split consumes whole records from the buffer, leaving any trailing
// partial record in place. A truncated record is never returned.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		if lit == '-' {
			if len(recs) == 0 {
				err = ErrBadRecord
			}
			return
		}
		if lit == 0 || hlen+blen > data.Len() {
			return // wait for more bytes
		}
		rec := make([]byte, hlen+blen)
		_, _ = data.Read(rec)
		recs = append(recs, rec)
	}
	return
}

// OpenHeader starts a long-form record whose body length is not yet
// known. Append the body, then CloseHeader with the bookmark.
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	lit &^= caseBit
	if lit < 'A' || lit > 'Z' {
		panic("TLV types are A..Z")
	}
	res = append(buf, lit, 0, 0, 0, 0)
	return len(res), res
}

// CloseHeader patches the length of a record started by OpenHeader.
func CloseHeader(buf []byte, bookmark int) {
	if bookmark < 5 || len(buf) < bookmark {
		panic("mismatched OpenHeader/CloseHeader")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}

// Join glues records together.
func Join(records ...[]byte) (ret []byte) {
	for _, r := range records {
		ret = append(ret, r...)
	}
	return
}
