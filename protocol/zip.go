package protocol

import "encoding/binary"

// Trimmed little-endian integers: the value is written in as many
// bytes as it needs and the record length recovers the width. Pairs
// pack two values with a one-byte split point.

// ZipUint64 appends v in trimmed little-endian form (zero -> empty).
func ZipUint64(v uint64) []byte {
	var buf [8]byte
	n := 0
	for v > 0 {
		buf[n] = byte(v)
		v >>= 8
		n++
	}
	return buf[:n]
}

func UnzipUint64(zip []byte) (v uint64) {
	for i := len(zip) - 1; i >= 0; i-- {
		v = v<<8 | uint64(zip[i])
	}
	return
}

// ZipUint64Pair packs two trimmed ints, prefixed by the first one's width.
func ZipUint64Pair(a, b uint64) []byte {
	za := ZipUint64(a)
	zb := ZipUint64(b)
	ret := make([]byte, 0, 1+len(za)+len(zb))
	ret = append(ret, byte(len(za)))
	ret = append(ret, za...)
	return append(ret, zb...)
}

func UnzipUint64Pair(zip []byte) (a, b uint64) {
	if len(zip) == 0 {
		return 0, 0
	}
	alen := int(zip[0])
	if alen > len(zip)-1 {
		return 0, 0
	}
	a = UnzipUint64(zip[1 : 1+alen])
	b = UnzipUint64(zip[1+alen:])
	return
}

// ZigZagInt64 folds negatives into the even/odd space.
func ZigZagInt64(i int64) uint64 {
	return uint64(i<<1) ^ uint64(i>>63)
}

func ZagZigUint64(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func ZipInt64(i int64) []byte {
	return ZipUint64(ZigZagInt64(i))
}

func UnzipInt64(zip []byte) int64 {
	return ZagZigUint64(UnzipUint64(zip))
}

// AppendUvarint / TakeUvarint are the stream-friendly flavor used
// inside frame bodies where records would be too heavy per element.
func AppendUvarint(into []byte, v uint64) []byte {
	return binary.AppendUvarint(into, v)
}

func TakeUvarint(data []byte) (v uint64, rest []byte, ok bool) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, data, false
	}
	return v, data[n:], true
}
