package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire-level magic numbers preceding the optional broker-entry-metadata
// and checksum blocks.
const (
	magicBrokerEntryMetadata uint16 = 0x0e01
	magicChecksum            uint16 = 0x0e02
)

// MaxFrameSize bounds a single frame so a corrupt or hostile totalSize
// field cannot make the decoder grow its buffer without limit.
const MaxFrameSize = 64 * 1024 * 1024

// Frame is one fully decoded protocol frame.
type Frame struct {
	Command *Command

	// BrokerEntryMetadata is the optional raw block preceding the checksum,
	// present only on MESSAGE frames delivered by a broker to a consumer.
	// Nothing in this package needs to interpret it; it is surfaced
	// verbatim.
	BrokerEntryMetadata []byte

	// ChecksumPresent/ChecksumValid describe the optional CRC32C check on
	// metadata+payload. An invalid checksum is reported, not used to
	// discard the frame at this layer.
	ChecksumPresent bool
	ChecksumValid   bool

	Metadata *Metadata
	Payload  []byte
}

// ErrShortRead is returned by Decoder.Pull when the buffer holds a valid but
// incomplete frame prefix. Need reports how many additional bytes must be
// fed before the next Pull call can make progress; it is advisory only —
// feeding fewer bytes simply yields ErrShortRead again.
type ErrShortRead struct {
	Need int
}

func (e *ErrShortRead) Error() string {
	return fmt.Sprintf("wire: short read, need at least %d more bytes", e.Need)
}

// Decoder incrementally decodes frames out of a byte stream fed in
// arbitrarily-sized chunks. It tolerates a partial tail (as little as 1
// byte of the next frame's length prefix) by buffering it and growing its
// internal buffer on demand.
type Decoder struct {
	buf []byte // bytes not yet consumed into a complete frame
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Pull extracts and decodes the next complete frame from the buffered
// bytes. It returns (nil, *ErrShortRead) when more bytes are required, and
// never discards bytes already fed in that case — the caller simply Feeds
// more and calls Pull again.
func (d *Decoder) Pull() (*Frame, error) {
	const lenPrefix = 4
	if len(d.buf) < lenPrefix {
		return nil, &ErrShortRead{Need: lenPrefix - len(d.buf)}
	}
	totalSize := binary.BigEndian.Uint32(d.buf[:lenPrefix])
	if totalSize > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max %d", totalSize, MaxFrameSize)
	}
	need := lenPrefix + int(totalSize)
	if len(d.buf) < need {
		return nil, &ErrShortRead{Need: need - len(d.buf)}
	}

	frameBody := d.buf[lenPrefix:need]
	frame, err := decodeFrameBody(frameBody)
	// Advance past the consumed frame regardless of decode error: a
	// malformed frame shouldn't wedge the stream forever on retry.
	d.buf = d.buf[need:]
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// Pending reports how many undecoded bytes are currently buffered, useful
// for callers sizing their next read.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func decodeFrameBody(body []byte) (*Frame, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("wire: frame body too short for cmdSize")
	}
	cmdSize := binary.BigEndian.Uint32(body[:4])
	rest := body[4:]
	if uint32(len(rest)) < cmdSize {
		return nil, fmt.Errorf("wire: cmdSize %d exceeds frame body", cmdSize)
	}
	cmdBytes := rest[:cmdSize]
	trailer := rest[cmdSize:]

	cmd, err := DecodeCommand(cmdBytes)
	if err != nil {
		return nil, err
	}

	f := &Frame{Command: cmd}
	if cmd.Type != CmdMessage && cmd.Type != CmdSend {
		// Non-payload-bearing commands carry no trailer.
		return f, nil
	}

	i := 0
	if len(trailer) >= 2 && binary.BigEndian.Uint16(trailer[i:i+2]) == magicBrokerEntryMetadata {
		i += 2
		if len(trailer) < i+4 {
			return nil, fmt.Errorf("wire: truncated broker-entry-metadata length")
		}
		metaLen := binary.BigEndian.Uint32(trailer[i : i+4])
		i += 4
		if uint32(len(trailer)-i) < metaLen {
			return nil, fmt.Errorf("wire: truncated broker-entry-metadata body")
		}
		f.BrokerEntryMetadata = trailer[i : i+int(metaLen)]
		i += int(metaLen)
	}

	var checksum uint32
	if len(trailer) >= i+2 && binary.BigEndian.Uint16(trailer[i:i+2]) == magicChecksum {
		i += 2
		if len(trailer) < i+4 {
			return nil, fmt.Errorf("wire: truncated checksum")
		}
		checksum = binary.BigEndian.Uint32(trailer[i : i+4])
		i += 4
		f.ChecksumPresent = true
	}

	if len(trailer) < i+4 {
		return nil, fmt.Errorf("wire: truncated metadata length")
	}
	metaSize := binary.BigEndian.Uint32(trailer[i : i+4])
	i += 4
	if uint32(len(trailer)-i) < metaSize {
		return nil, fmt.Errorf("wire: truncated metadata body")
	}
	metaBytes := trailer[i : i+int(metaSize)]
	i += int(metaSize)
	payload := trailer[i:]

	meta, err := UnmarshalMetadata(metaBytes)
	if err != nil {
		return nil, err
	}
	f.Metadata = meta
	f.Payload = payload

	if f.ChecksumPresent {
		f.ChecksumValid = Checksum32C(metaBytes, payload) == checksum
	}
	return f, nil
}

// EncodeFrame serializes cmd (and, for SEND/MESSAGE commands, meta+payload)
// into one wire frame. useChecksum gates the CRC32C magic per the
// checksum-on-send protocol-version negotiation.
func EncodeFrame(cmd *Command, meta *Metadata, payload []byte, useChecksum bool) ([]byte, error) {
	cmdBytes, err := cmd.MarshalBinary()
	if err != nil {
		return nil, err
	}

	var trailer []byte
	if cmd.Type == CmdSend || cmd.Type == CmdMessage {
		if meta == nil {
			return nil, errors.New("wire: SEND/MESSAGE command requires metadata")
		}
		metaBytes, err := meta.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if useChecksum {
			checksum := Checksum32C(metaBytes, payload)
			var hdr [6]byte
			binary.BigEndian.PutUint16(hdr[0:2], magicChecksum)
			binary.BigEndian.PutUint32(hdr[2:6], checksum)
			trailer = append(trailer, hdr[:]...)
		}
		var metaLen [4]byte
		binary.BigEndian.PutUint32(metaLen[:], uint32(len(metaBytes)))
		trailer = append(trailer, metaLen[:]...)
		trailer = append(trailer, metaBytes...)
		trailer = append(trailer, payload...)
	}

	totalSize := 4 + len(cmdBytes) + len(trailer)
	out := make([]byte, 4, 4+totalSize)
	binary.BigEndian.PutUint32(out[0:4], uint32(totalSize))

	var cmdSizeBuf [4]byte
	binary.BigEndian.PutUint32(cmdSizeBuf[:], uint32(len(cmdBytes)))
	out = append(out, cmdSizeBuf[:]...)
	out = append(out, cmdBytes...)
	out = append(out, trailer...)
	return out, nil
}
