package wire

import (
	"encoding/binary"
	"fmt"
)

// tlvWriter builds a tag-length-value encoded command or metadata block.
// Commands and metadata are encoded with fixed tags, explicit lengths,
// and encoding/binary rather than a schema-generated format — see
// DESIGN.md. The frame-level length-prefixing and CRC32C checksum
// behavior is unaffected by this choice.
type tlvWriter struct {
	buf []byte
}

func (w *tlvWriter) putTag(tag byte, length int) {
	w.buf = append(w.buf, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(length))
	w.buf = append(w.buf, lenBuf[:]...)
}

func (w *tlvWriter) bytes(tag byte, v []byte) {
	if v == nil {
		return
	}
	w.putTag(tag, len(v))
	w.buf = append(w.buf, v...)
}

func (w *tlvWriter) str(tag byte, v string) {
	if v == "" {
		return
	}
	w.bytes(tag, []byte(v))
}

func (w *tlvWriter) u64(tag byte, v uint64) {
	if v == 0 {
		return
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.bytes(tag, b[:])
}

func (w *tlvWriter) u32(tag byte, v uint32) {
	if v == 0 {
		return
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.bytes(tag, b[:])
}

func (w *tlvWriter) boolean(tag byte, v bool) {
	if !v {
		return
	}
	w.bytes(tag, []byte{1})
}

// tlvField is one decoded (tag, value) pair.
type tlvField struct {
	tag   byte
	value []byte
}

// decodeTLV splits data into its tag/length/value records. It errors if the
// buffer is truncated mid-record, which is the only malformed-input shape
// this format can produce (every record is self-describing).
func decodeTLV(data []byte) ([]tlvField, error) {
	var fields []tlvField
	i := 0
	for i < len(data) {
		if i+5 > len(data) {
			return nil, fmt.Errorf("wire: truncated tlv record header at offset %d", i)
		}
		tag := data[i]
		length := int(binary.BigEndian.Uint32(data[i+1 : i+5]))
		i += 5
		if length < 0 || i+length > len(data) {
			return nil, fmt.Errorf("wire: truncated tlv record value at offset %d (len=%d)", i, length)
		}
		fields = append(fields, tlvField{tag: tag, value: data[i : i+length]})
		i += length
	}
	return fields, nil
}

func fieldU64(v []byte) uint64 {
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func fieldU32(v []byte) uint32 {
	if len(v) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

func fieldBool(v []byte) bool {
	return len(v) == 1 && v[0] == 1
}

func fieldStr(v []byte) string {
	return string(v)
}
