package domain

// ClientID identifies a logical user, not a connection.
type ClientID int64

// BackplaneMessage is the unit carried by the backplane log. It is keyed by
// ReceiverID so every message for one receiver lands on one partition.
type BackplaneMessage struct {
	MessageID  int64
	SenderID   ClientID
	ReceiverID ClientID
	Payload    []byte
}

// Notification is what a live connection is sent for one backplane message.
type Notification struct {
	MessageID  int64    `json:"message_id"`
	SenderID   ClientID `json:"sender_id"`
	ReceiverID ClientID `json:"receiver_id"`
	Payload    []byte   `json:"payload"`
}

func NotificationFor(msg BackplaneMessage) Notification {
	return Notification{
		MessageID:  msg.MessageID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Payload:    msg.Payload,
	}
}

// HistoryMessage is the durable read-model representation of a message.
type HistoryMessage struct {
	MessageID   int64    `json:"message_id"`
	ChatID      int64    `json:"chat_id"`
	SenderID    ClientID `json:"sender_id"`
	ReceiverID  ClientID `json:"receiver_id"`
	Payload     []byte   `json:"payload"`
	CreatedAtMs int64    `json:"created_at_ms"`
}
