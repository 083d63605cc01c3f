package models

import "time"

// Event is one inbound radio event. The concrete types are RxLogEvent,
// ChannelMsgEvent and ContactMsgEvent.
type Event interface {
	eventKind() string
}

// RxLogEvent carries a raw LoRa packet heard by the radio.
type RxLogEvent struct {
	SNR        float64
	RSSI       float64
	PayloadHex string
	PathLen    int // hop count reported by the radio, if any
}

// ChannelMsgEvent is a group message already parsed by the radio firmware.
// The firmware does not report a packet hash, so MessageHash is usually empty.
type ChannelMsgEvent struct {
	ChannelIdx  *int
	Text        string // "Sender: body" convention
	PathLen     int
	TxtType     byte
	SenderTime  time.Time
	SNR         *float64
	MessageHash string
}

// ContactMsgEvent is a direct message parsed by the radio firmware.
type ContactMsgEvent struct {
	PubKeyPrefix string // lower hex, 6 bytes
	Text         string
	PathLen      int
	TxtType      byte
	Signature    string // author prefix for room server posts
	SenderTime   time.Time
	SNR          *float64
	MessageHash  string
}

func (RxLogEvent) eventKind() string      { return "rx_log" }
func (ChannelMsgEvent) eventKind() string { return "channel_msg" }
func (ContactMsgEvent) eventKind() string { return "contact_msg" }

// EventKind names the variant of e.
func EventKind(e Event) string {
	if e == nil {
		return ""
	}
	return e.eventKind()
}
