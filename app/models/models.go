package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Direction of a message relative to the gateway.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Contact represents a contact on the mesh network.
type Contact struct {
	PublicKey  string    `json:"publicKey"` // full public key, lower hex
	AdvName    string    `json:"advName"`
	Type       int       `json:"type"`
	AdvLat     float64   `json:"advLat"`
	AdvLon     float64   `json:"advLon"`
	OutPath    string    `json:"outPath"` // 2 hex chars per hop
	OutPathLen int       `json:"outPathLen"`
	LastSeen   time.Time `json:"lastSeen"`
}

// OutPathHashes splits OutPath into 1-byte hop hashes, honouring OutPathLen.
func (c Contact) OutPathHashes() []string {
	if c.OutPathLen <= 0 || c.OutPath == "" {
		return nil
	}
	limit := c.OutPathLen * 2
	if limit > len(c.OutPath) {
		limit = len(c.OutPath)
	}
	hashes := make([]string, 0, c.OutPathLen)
	for i := 0; i+2 <= limit; i += 2 {
		hashes = append(hashes, strings.ToLower(c.OutPath[i:i+2]))
	}
	return hashes
}

// Channel represents a channel slot on the radio.
type Channel struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Message is a channel message or a direct message.
//
// Path names and the channel name are resolved once when the message is
// built so archived copies stay readable after contacts change.
type Message struct {
	ID           string    `json:"id"`
	Time         time.Time `json:"time"`
	Sender       string    `json:"sender"`
	Text         string    `json:"text"`
	Channel      *int      `json:"channel"` // nil for a direct message
	Direction    Direction `json:"direction"`
	SNR          *float64  `json:"snr,omitempty"`
	PathLen      int       `json:"pathLen"`
	SenderPubKey string    `json:"senderPubkey"`
	PathHashes   []string  `json:"pathHashes"`
	PathNames    []string  `json:"pathNames"`
	MessageHash  string    `json:"messageHash"`
	ChannelName  string    `json:"channelName"`
}

// Outgoing builds a message sent by this node. Outgoing messages have no
// packet hash.
func Outgoing(text string, channel *int, recipientPubKey, channelName string) Message {
	return Message{
		Time:         time.Now().UTC(),
		Sender:       "Me",
		Text:         text,
		Channel:      channel,
		Direction:    DirectionOut,
		SenderPubKey: recipientPubKey,
		PathHashes:   []string{},
		PathNames:    []string{},
		ChannelName:  channelName,
	}
}

// IsDirect reports whether m is a direct message.
func (m Message) IsDirect() bool {
	return m.Channel == nil
}

// Fingerprint identifies the physical transmission behind m.
func (m Message) Fingerprint() string {
	if m.MessageHash != "" {
		return "hash:" + m.MessageHash
	}
	return "content:" + ContentKey(m.Channel, m.Sender, m.Text)
}

// ContentKey is the composite channel:sender:text key used when no packet
// hash is known.
func ContentKey(channel *int, sender, text string) string {
	return fmt.Sprintf("%s:%s:%s", ChannelLabel(channel), sender, text)
}

// ChannelLabel renders an optional channel index.
func ChannelLabel(channel *int) string {
	if channel == nil {
		return "dm"
	}
	return strconv.Itoa(*channel)
}

// IntPtr returns a pointer to a copy of v.
func IntPtr(v int) *int {
	return &v
}

// RxLogEntry records one raw packet heard by the radio.
type RxLogEntry struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	SNR         float64   `json:"snr"`
	RSSI        float64   `json:"rssi"`
	PayloadType string    `json:"payloadType"`
	Hops        int       `json:"hops"`
	MessageHash string    `json:"messageHash"`
	PathHashes  []string  `json:"pathHashes"`
	PathNames   []string  `json:"pathNames"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver"`
}

// DeviceInfo holds structured information about the connected node.
type DeviceInfo struct {
	Name            string  `json:"name"`
	PublicKey       string  `json:"publicKey"` // hex-encoded public key
	RadioFreq       float64 `json:"radioFreq"`
	RadioBW         float64 `json:"radioBw"`
	RadioSF         int     `json:"radioSf"`
	TxPower         int     `json:"txPower"`
	AdvLat          float64 `json:"advLat"`
	AdvLon          float64 `json:"advLon"`
	FirmwareVersion string  `json:"firmwareVersion"`
	FirmwareBuild   string  `json:"firmwareBuild"`
	Model           string  `json:"model"`
	MaxContacts     int     `json:"maxContacts"`
	MaxChannels     int     `json:"maxChannels"`
}

// RouteNode is a node on a message route (sender, repeater or receiver).
type RouteNode struct {
	Name   string  `json:"name"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Type   int     `json:"type"`
	PubKey string  `json:"pubkey"` // public key or 2-char hop hash
}

// HasLocation reports whether the node advertised GPS coordinates.
func (n RouteNode) HasLocation() bool {
	return n.Lat != 0 || n.Lon != 0
}

// MeshContact represents the low-level contact data structure from the mesh device.
type MeshContact struct {
	PublicKey  [32]byte
	Type       byte
	Flags      byte
	OutPathLen int8
	OutPath    [64]byte
	AdvName    [32]byte
	LastAdvert uint32
	AdvLat     int32
	AdvLon     int32
	LastMod    uint32
}
