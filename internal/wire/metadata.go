package wire

import "fmt"

// CompressionType is the wire compressionType option stamped on a batch's
// metadata. The actual codecs live in internal/compression; this type only
// needs to round-trip through metadata so the producer pipeline can stamp
// it.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionLZ4
	CompressionZlib
	CompressionZstd
	CompressionSnappy
)

const (
	metaTagProducerName byte = iota + 1
	metaTagSequenceID
	metaTagPublishTime
	metaTagCompressionType
	metaTagUncompressedSize
	metaTagSchemaVersion
	metaTagReplicatedFrom
	metaTagNumMessagesInBatch
	metaTagPartitionKey
	metaTagUUID
	metaTagChunkID
	metaTagNumChunksFromMsg
	metaTagTotalChunkMsgSize
	metaTagPropKey
	metaTagPropValue
	metaTagDeliverAtTime
	metaTagHasDeliverAtTime
)

// Metadata is the per-message metadata block, written after the optional
// checksum and before the payload.
type Metadata struct {
	ProducerName        string
	SequenceID          uint64
	PublishTime         int64 // unix millis
	CompressionType     CompressionType
	UncompressedSize    uint32
	SchemaVersion       []byte
	ReplicatedFrom      string
	NumMessagesInBatch  int32
	PartitionKey        string
	UUID                string // chunk correlation id, empty unless chunked
	ChunkID             int32
	NumChunksFromMsg    int32
	TotalChunkMsgSize   uint32
	Properties          map[string]string
	DeliverAtTime       int64
	HasDeliverAtTime    bool
}

func (m *Metadata) MarshalBinary() ([]byte, error) {
	w := &tlvWriter{}
	w.str(metaTagProducerName, m.ProducerName)
	w.u64(metaTagSequenceID, m.SequenceID)
	w.u64(metaTagPublishTime, uint64(m.PublishTime))
	w.u32(metaTagCompressionType, uint32(m.CompressionType))
	w.u32(metaTagUncompressedSize, m.UncompressedSize)
	w.bytes(metaTagSchemaVersion, m.SchemaVersion)
	w.str(metaTagReplicatedFrom, m.ReplicatedFrom)
	w.u32(metaTagNumMessagesInBatch, uint32(m.NumMessagesInBatch))
	w.str(metaTagPartitionKey, m.PartitionKey)
	w.str(metaTagUUID, m.UUID)
	w.u32(metaTagChunkID, uint32(m.ChunkID))
	w.u32(metaTagNumChunksFromMsg, uint32(m.NumChunksFromMsg))
	w.u32(metaTagTotalChunkMsgSize, m.TotalChunkMsgSize)
	for k, v := range m.Properties {
		w.str(metaTagPropKey, k)
		w.str(metaTagPropValue, v)
	}
	if m.HasDeliverAtTime {
		w.boolean(metaTagHasDeliverAtTime, true)
		w.u64(metaTagDeliverAtTime, uint64(m.DeliverAtTime))
	}
	return w.buf, nil
}

func UnmarshalMetadata(data []byte) (*Metadata, error) {
	fields, err := decodeTLV(data)
	if err != nil {
		return nil, fmt.Errorf("wire: decode metadata: %w", err)
	}
	m := &Metadata{}
	var pendingKey string
	haveKey := false
	for _, f := range fields {
		switch f.tag {
		case metaTagProducerName:
			m.ProducerName = fieldStr(f.value)
		case metaTagSequenceID:
			m.SequenceID = fieldU64(f.value)
		case metaTagPublishTime:
			m.PublishTime = int64(fieldU64(f.value))
		case metaTagCompressionType:
			m.CompressionType = CompressionType(fieldU32(f.value))
		case metaTagUncompressedSize:
			m.UncompressedSize = fieldU32(f.value)
		case metaTagSchemaVersion:
			m.SchemaVersion = append([]byte(nil), f.value...)
		case metaTagReplicatedFrom:
			m.ReplicatedFrom = fieldStr(f.value)
		case metaTagNumMessagesInBatch:
			m.NumMessagesInBatch = int32(fieldU32(f.value))
		case metaTagPartitionKey:
			m.PartitionKey = fieldStr(f.value)
		case metaTagUUID:
			m.UUID = fieldStr(f.value)
		case metaTagChunkID:
			m.ChunkID = int32(fieldU32(f.value))
		case metaTagNumChunksFromMsg:
			m.NumChunksFromMsg = int32(fieldU32(f.value))
		case metaTagTotalChunkMsgSize:
			m.TotalChunkMsgSize = fieldU32(f.value)
		case metaTagPropKey:
			pendingKey = fieldStr(f.value)
			haveKey = true
		case metaTagPropValue:
			if haveKey {
				if m.Properties == nil {
					m.Properties = make(map[string]string)
				}
				m.Properties[pendingKey] = fieldStr(f.value)
				haveKey = false
			}
		case metaTagHasDeliverAtTime:
			m.HasDeliverAtTime = fieldBool(f.value)
		case metaTagDeliverAtTime:
			m.DeliverAtTime = int64(fieldU64(f.value))
		}
	}
	return m, nil
}
