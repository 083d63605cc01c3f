package models

// Command codes sent to the companion radio.
const (
	CMD_AppStart          = 0x01 // 1
	CMD_SendTxtMsg        = 0x02 // 2
	CMD_SendChannelTxtMsg = 0x03 // 3
	CMD_GetContacts       = 0x04 // 4
	CMD_SendSelfAdvert    = 0x07 // 7
	CMD_SyncNextMessage   = 0x0A // 10
	CMD_DeviceQuery       = 0x16 // 22
	CMD_GetChannel        = 0x1F // 31
	CMD_SetChannel        = 0x20 // 32
)

// Define a custom type for response codes
type ResponseCode byte

// ResponseCodesType holds the response codes the gateway understands.
type ResponseCodesType struct {
	Ok               ResponseCode
	Err              ResponseCode
	ContactsStart    ResponseCode
	Contact          ResponseCode
	EndOfContacts    ResponseCode
	SelfInfo         ResponseCode
	Sent             ResponseCode
	ContactMsgRecv   ResponseCode
	ChannelMsgRecv   ResponseCode
	NoMoreMessages   ResponseCode
	DeviceInfo       ResponseCode
	ContactMsgRecvV3 ResponseCode
	ChannelMsgRecvV3 ResponseCode
	ChannelInfo      ResponseCode
}

// Constructor to initialize the struct with the constants
func NewResponseCodes() *ResponseCodesType {
	return &ResponseCodesType{
		Ok:               0x00,
		Err:              0x01,
		ContactsStart:    0x02,
		Contact:          0x03,
		EndOfContacts:    0x04,
		SelfInfo:         0x05,
		Sent:             0x06,
		ContactMsgRecv:   0x07,
		ChannelMsgRecv:   0x08,
		NoMoreMessages:   0x0A,
		DeviceInfo:       0x0D,
		ContactMsgRecvV3: 0x10,
		ChannelMsgRecvV3: 0x11,
		ChannelInfo:      0x12,
	}
}

var ResponseCodes = NewResponseCodes()

// Push notification codes (unsolicited frames).
const (
	PushAdvert        = 0x80
	PushPathUpdated   = 0x81
	PushSendConfirmed = 0x82
	PushMsgWaiting    = 0x83
	PushLogRxData     = 0x88
	PushNewAdvert     = 0x8A
)

// Frame prefixes of the companion serial/TCP protocol.
const (
	FrameOutbound = 0x3c // '<' app -> radio
	FrameInbound  = 0x3e // '>' radio -> app
	MaxFrameSize  = 4096
)

// RouteType is the low two bits of a LoRa packet header.
type RouteType byte

const (
	RouteTransportFlood  RouteType = 0x00
	RouteFlood           RouteType = 0x01
	RouteDirect          RouteType = 0x02
	RouteTransportDirect RouteType = 0x03
)

func (r RouteType) String() string {
	switch r {
	case RouteTransportFlood:
		return "TransportFlood"
	case RouteFlood:
		return "Flood"
	case RouteDirect:
		return "Direct"
	case RouteTransportDirect:
		return "TransportDirect"
	}
	return "Unknown"
}

// HasTransportCodes reports whether the header is followed by 4 transport-code bytes.
func (r RouteType) HasTransportCodes() bool {
	return r == RouteTransportFlood || r == RouteTransportDirect
}

// PayloadType is bits 2..5 of a LoRa packet header.
type PayloadType byte

const (
	PayloadRequest     PayloadType = 0x00
	PayloadResponse    PayloadType = 0x01
	PayloadTextMessage PayloadType = 0x02
	PayloadAck         PayloadType = 0x03
	PayloadAdvert      PayloadType = 0x04
	PayloadGroupText   PayloadType = 0x05
	PayloadGroupData   PayloadType = 0x06
	PayloadAnonRequest PayloadType = 0x07
	PayloadPath        PayloadType = 0x08
	PayloadTrace       PayloadType = 0x09
	PayloadMultipart   PayloadType = 0x0A
	PayloadRawCustom   PayloadType = 0x0F
)

var payloadTypeNames = map[PayloadType]string{
	PayloadRequest:     "Request",
	PayloadResponse:    "Response",
	PayloadTextMessage: "TextMessage",
	PayloadAck:         "Ack",
	PayloadAdvert:      "Advert",
	PayloadGroupText:   "GroupText",
	PayloadGroupData:   "GroupData",
	PayloadAnonRequest: "AnonRequest",
	PayloadPath:        "Path",
	PayloadTrace:       "Trace",
	PayloadMultipart:   "Multipart",
	PayloadRawCustom:   "RawCustom",
}

func (p PayloadType) String() string {
	if name, ok := payloadTypeNames[p]; ok {
		return name
	}
	return "Unknown"
}

// Text types carried in the flags byte of text messages.
const (
	TxtTypePlain       = 0x00
	TxtTypeCliData     = 0x01
	TxtTypeSignedPlain = 0x02 // room server post, author prefix in signature
)

// UnknownPathLen is the header value the radio reports when the hop count is unknown.
const UnknownPathLen = 0xFF

// Contact node types.
const (
	NodeTypeUnknown  = 0
	NodeTypeClient   = 1
	NodeTypeRepeater = 2
	NodeTypeRoom     = 3
)
