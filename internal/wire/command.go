package wire

import (
	"fmt"

	"github.com/rbarbey/flowmq-client-go/internal/flowmqerr"
)

// CommandType identifies the kind of command carried by a Frame.
// Consumer-side and schema/lookup commands are represented generically
// (see Command's Lookup* fields) since their transport semantics are
// out of scope for this producer-focused client.
type CommandType uint8

const (
	CmdConnect CommandType = iota
	CmdConnected
	CmdAuthChallenge
	CmdAuthResponse
	CmdPing
	CmdPong
	CmdProducer
	CmdProducerSuccess
	CmdCloseProducer
	CmdSend
	CmdSendReceipt
	CmdSendError
	CmdLookup
	CmdLookupResponse
	CmdPartitionedMetadata
	CmdPartitionedMetadataResponse
	CmdConsumerStats
	CmdConsumerStatsResponse
	CmdGetLastMessageID
	CmdGetLastMessageIDResponse
	CmdGetTopicsOfNamespace
	CmdGetTopicsOfNamespaceResponse
	CmdGetSchema
	CmdGetSchemaResponse
	CmdAckResponse
	CmdActiveConsumerChange
	CmdError
	CmdSuccess
	CmdMessage
)

func (t CommandType) String() string {
	switch t {
	case CmdConnect:
		return "CONNECT"
	case CmdConnected:
		return "CONNECTED"
	case CmdAuthChallenge:
		return "AUTH_CHALLENGE"
	case CmdAuthResponse:
		return "AUTH_RESPONSE"
	case CmdPing:
		return "PING"
	case CmdPong:
		return "PONG"
	case CmdProducer:
		return "PRODUCER"
	case CmdProducerSuccess:
		return "PRODUCER_SUCCESS"
	case CmdCloseProducer:
		return "CLOSE_PRODUCER"
	case CmdSend:
		return "SEND"
	case CmdSendReceipt:
		return "SEND_RECEIPT"
	case CmdSendError:
		return "SEND_ERROR"
	case CmdLookup:
		return "LOOKUP"
	case CmdLookupResponse:
		return "LOOKUP_RESPONSE"
	case CmdError:
		return "ERROR"
	case CmdSuccess:
		return "SUCCESS"
	case CmdMessage:
		return "MESSAGE"
	default:
		return fmt.Sprintf("CommandType(%d)", int(t))
	}
}

// field tags for the TLV-encoded command body. Shared across all command
// types; a given tag means the same thing in every command that uses it.
const (
	tagRequestID byte = iota + 1
	tagClientVersion
	tagProtocolVersion
	tagAuthMethod
	tagAuthData
	tagServerVersion
	tagMaxMessageSize
	tagChallenge
	tagTopic
	tagProducerID
	tagProducerName
	tagEpoch
	tagAssignedProducerName
	tagLastSequenceID
	tagSchemaVersion
	tagTopicEpoch
	tagHasTopicEpoch
	tagProducerReady
	tagSequenceID
	tagNumMessages
	tagMessageLedgerID
	tagMessageEntryID
	tagServerError
	tagMessage
	tagLookupTopic
	tagLookupResponseTopic
	tagAuthoritative
	tagAccessMode
)

// Command is one decoded command payload. Only the fields relevant to a
// given Type are populated.
type Command struct {
	Type      CommandType
	RequestID uint64

	// CONNECT
	ClientVersion   string
	ProtocolVersion int32
	AuthMethod      string
	AuthData        []byte

	// CONNECTED
	ServerVersion  string
	MaxMessageSize uint32

	// AUTH_CHALLENGE / AUTH_RESPONSE
	Challenge []byte

	// PRODUCER / CLOSE_PRODUCER
	Topic        string
	ProducerID   uint64
	ProducerName string
	Epoch        uint64
	AccessMode   int32

	// PRODUCER_SUCCESS
	AssignedProducerName string
	LastSequenceID       int64
	SchemaVersion        []byte
	TopicEpoch           *uint64
	ProducerReady        bool

	// SEND
	SequenceID  uint64
	NumMessages int32

	// SEND_RECEIPT
	MessageLedgerID uint64
	MessageEntryID  uint64

	// SEND_ERROR / ERROR
	ServerError flowmqerr.ServerError
	Message     string

	// generic lookup/partitioned-metadata/stats/schema family: the actual
	// transport semantics are out of scope for this producer-focused
	// client, so these commands only need to round-trip a topic and an
	// opaque response string to exercise the pending-request registry.
	LookupTopic         string
	LookupResponseTopic string
	Authoritative       bool
}

// MarshalBinary encodes the command into the bytes that follow the cmdSize
// prefix in a Frame: a single leading type byte (the wire format's
// substitute for protobuf's embedded "type" enum field) followed by the
// TLV-encoded body.
func (c *Command) MarshalBinary() ([]byte, error) {
	w := &tlvWriter{buf: []byte{byte(c.Type)}}
	w.u64(tagRequestID, c.RequestID)
	w.str(tagClientVersion, c.ClientVersion)
	w.u32(tagProtocolVersion, uint32(c.ProtocolVersion))
	w.str(tagAuthMethod, c.AuthMethod)
	w.bytes(tagAuthData, c.AuthData)
	w.str(tagServerVersion, c.ServerVersion)
	w.u32(tagMaxMessageSize, c.MaxMessageSize)
	w.bytes(tagChallenge, c.Challenge)
	w.str(tagTopic, c.Topic)
	w.u64(tagProducerID, c.ProducerID)
	w.str(tagProducerName, c.ProducerName)
	w.u64(tagEpoch, c.Epoch)
	w.u32(tagAccessMode, uint32(c.AccessMode))
	w.str(tagAssignedProducerName, c.AssignedProducerName)
	w.u64(tagLastSequenceID, uint64(c.LastSequenceID))
	w.bytes(tagSchemaVersion, c.SchemaVersion)
	if c.TopicEpoch != nil {
		w.boolean(tagHasTopicEpoch, true)
		w.u64(tagTopicEpoch, *c.TopicEpoch)
	}
	w.boolean(tagProducerReady, c.ProducerReady)
	w.u64(tagSequenceID, c.SequenceID)
	w.u32(tagNumMessages, uint32(c.NumMessages))
	w.u64(tagMessageLedgerID, c.MessageLedgerID)
	w.u64(tagMessageEntryID, c.MessageEntryID)
	w.u32(tagServerError, uint32(c.ServerError))
	w.str(tagMessage, c.Message)
	w.str(tagLookupTopic, c.LookupTopic)
	w.str(tagLookupResponseTopic, c.LookupResponseTopic)
	w.boolean(tagAuthoritative, c.Authoritative)
	return w.buf, nil
}

// DecodeCommand decodes the bytes following the cmdSize prefix: a leading
// type byte followed by a TLV-encoded body.
func DecodeCommand(data []byte) (*Command, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("wire: empty command body")
	}
	typ := CommandType(data[0])
	fields, err := decodeTLV(data[1:])
	if err != nil {
		return nil, fmt.Errorf("wire: decode %s command: %w", typ, err)
	}
	c := &Command{Type: typ}
	var hasTopicEpoch bool
	var topicEpoch uint64
	for _, f := range fields {
		switch f.tag {
		case tagRequestID:
			c.RequestID = fieldU64(f.value)
		case tagClientVersion:
			c.ClientVersion = fieldStr(f.value)
		case tagProtocolVersion:
			c.ProtocolVersion = int32(fieldU32(f.value))
		case tagAuthMethod:
			c.AuthMethod = fieldStr(f.value)
		case tagAuthData:
			c.AuthData = append([]byte(nil), f.value...)
		case tagServerVersion:
			c.ServerVersion = fieldStr(f.value)
		case tagMaxMessageSize:
			c.MaxMessageSize = fieldU32(f.value)
		case tagChallenge:
			c.Challenge = append([]byte(nil), f.value...)
		case tagTopic:
			c.Topic = fieldStr(f.value)
		case tagProducerID:
			c.ProducerID = fieldU64(f.value)
		case tagProducerName:
			c.ProducerName = fieldStr(f.value)
		case tagEpoch:
			c.Epoch = fieldU64(f.value)
		case tagAccessMode:
			c.AccessMode = int32(fieldU32(f.value))
		case tagAssignedProducerName:
			c.AssignedProducerName = fieldStr(f.value)
		case tagLastSequenceID:
			c.LastSequenceID = int64(fieldU64(f.value))
		case tagSchemaVersion:
			c.SchemaVersion = append([]byte(nil), f.value...)
		case tagHasTopicEpoch:
			hasTopicEpoch = fieldBool(f.value)
		case tagTopicEpoch:
			topicEpoch = fieldU64(f.value)
		case tagProducerReady:
			c.ProducerReady = fieldBool(f.value)
		case tagSequenceID:
			c.SequenceID = fieldU64(f.value)
		case tagNumMessages:
			c.NumMessages = int32(fieldU32(f.value))
		case tagMessageLedgerID:
			c.MessageLedgerID = fieldU64(f.value)
		case tagMessageEntryID:
			c.MessageEntryID = fieldU64(f.value)
		case tagServerError:
			c.ServerError = flowmqerr.ServerError(fieldU32(f.value))
		case tagMessage:
			c.Message = fieldStr(f.value)
		case tagLookupTopic:
			c.LookupTopic = fieldStr(f.value)
		case tagLookupResponseTopic:
			c.LookupResponseTopic = fieldStr(f.value)
		case tagAuthoritative:
			c.Authoritative = fieldBool(f.value)
		}
	}
	if hasTopicEpoch {
		c.TopicEpoch = &topicEpoch
	}
	return c, nil
}
