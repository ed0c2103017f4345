package backplane

import (
	"encoding/binary"
	"errors"
	"fmt"

	"switchboard/internal/domain"

	"github.com/golang/protobuf/proto"
)

var ErrInvalidRecord = errors.New("invalid backplane record")

// Record is the protobuf value of a backplane log record.
type Record struct {
	MessageId  int64  `protobuf:"varint,1,opt,name=message_id,json=messageId,proto3"`
	SenderId   int64  `protobuf:"varint,2,opt,name=sender_id,json=senderId,proto3"`
	ReceiverId int64  `protobuf:"varint,3,opt,name=receiver_id,json=receiverId,proto3"`
	Payload    []byte `protobuf:"bytes,4,opt,name=payload,proto3"`
}

func (*Record) Reset()         {}
func (*Record) String() string { return "BackplaneRecord" }
func (*Record) ProtoMessage()  {}

// Key is the record key for a receiver: its id as 8 big-endian bytes.
func Key(receiverID domain.ClientID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(receiverID))
	return b[:]
}

func Encode(msg domain.BackplaneMessage) (key, value []byte, err error) {
	value, err = proto.Marshal(&Record{
		MessageId:  msg.MessageID,
		SenderId:   int64(msg.SenderID),
		ReceiverId: int64(msg.ReceiverID),
		Payload:    msg.Payload,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal backplane record: %w", err)
	}
	return Key(msg.ReceiverID), value, nil
}

// Decode parses a record and checks it against its key. Any failure wraps
// ErrInvalidRecord.
func Decode(key, value []byte) (domain.BackplaneMessage, error) {
	var rec Record
	if err := proto.Unmarshal(value, &rec); err != nil {
		return domain.BackplaneMessage{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec.MessageId <= 0 {
		return domain.BackplaneMessage{}, fmt.Errorf("%w: message_id is required", ErrInvalidRecord)
	}
	if rec.ReceiverId == 0 {
		return domain.BackplaneMessage{}, fmt.Errorf("%w: receiver_id is required", ErrInvalidRecord)
	}
	if len(key) != 8 {
		return domain.BackplaneMessage{}, fmt.Errorf("%w: key length %d", ErrInvalidRecord, len(key))
	}
	if got := int64(binary.BigEndian.Uint64(key)); got != rec.ReceiverId {
		return domain.BackplaneMessage{}, fmt.Errorf("%w: key %d does not match receiver %d", ErrInvalidRecord, got, rec.ReceiverId)
	}
	return domain.BackplaneMessage{
		MessageID:  rec.MessageId,
		SenderID:   domain.ClientID(rec.SenderId),
		ReceiverID: domain.ClientID(rec.ReceiverId),
		Payload:    rec.Payload,
	}, nil
}
