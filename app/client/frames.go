package client

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-meshcore-gateway/app/discovery"
	"go-meshcore-gateway/app/models"
)

var errShortFrame = errors.New("frame too short")

// encodeFrame prefixes payload with the outbound marker and its length.
func encodeFrame(payload []byte) []byte {
	frame := make([]byte, 3+len(payload))
	frame[0] = models.FrameOutbound
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)
	return frame
}

// cString reads a NUL-padded name field.
func cString(b []byte) string {
	return strings.TrimSpace(cText(b))
}

// cText reads NUL-terminated message text, whitespace included.
func cText(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// parseSelfInfo reads a SELF_INFO (0x05) reply:
// type, adv type, tx power, max tx power, public key[32], lat i32, lon i32,
// reserved[3], manual add, freq u32, bw u32, sf, cr, name.
func parseSelfInfo(data []byte) (models.DeviceInfo, error) {
	var info models.DeviceInfo
	if len(data) < 36 {
		return info, fmt.Errorf("SELF_INFO: %w (%d bytes)", errShortFrame, len(data))
	}
	if data[0] != byte(models.ResponseCodes.SelfInfo) {
		return info, fmt.Errorf("unexpected packet type: 0x%02x", data[0])
	}
	info.TxPower = int(data[2])
	info.PublicKey = hex.EncodeToString(data[4:36])
	if len(data) >= 44 {
		info.AdvLat = float64(int32(binary.LittleEndian.Uint32(data[36:40]))) / 1e6
		info.AdvLon = float64(int32(binary.LittleEndian.Uint32(data[40:44]))) / 1e6
	}
	if len(data) >= 58 {
		info.RadioFreq = float64(binary.LittleEndian.Uint32(data[48:52])) / 1000
		info.RadioBW = float64(binary.LittleEndian.Uint32(data[52:56])) / 1000
		info.RadioSF = int(data[56])
		info.Name = cString(data[58:])
	}
	return info, nil
}

// parseDeviceInfo reads a DEVICE_INFO (0x0D) reply. Firmware older than
// protocol version 3 only reports its version.
func parseDeviceInfo(data []byte) (models.DeviceInfo, error) {
	var info models.DeviceInfo
	if len(data) < 2 {
		return info, fmt.Errorf("DEVICE_INFO: %w", errShortFrame)
	}
	if data[0] != byte(models.ResponseCodes.DeviceInfo) {
		return info, fmt.Errorf("unexpected packet type: %d", data[0])
	}

	fwVer := int(data[1])
	info.FirmwareVersion = fmt.Sprintf("fw-%d", fwVer)
	if fwVer < 3 {
		return info, nil
	}
	if len(data) >= 3 {
		info.MaxContacts = int(data[2]) * 2
	}
	if len(data) >= 4 {
		info.MaxChannels = int(data[3])
	}
	// max contacts, max channels, ble pin u32, build date[12], model[40], version[20]
	idx := 8
	if len(data) < idx+12+40 {
		return info, nil
	}
	info.FirmwareBuild = cString(data[idx : idx+12])
	idx += 12
	info.Model = cString(data[idx : idx+40])
	idx += 40
	if v := cString(data[idx:]); v != "" {
		info.FirmwareVersion = v
	}
	return info, nil
}

// parseContact reads one CONTACT (0x03) record.
func parseContact(data []byte) (models.Contact, error) {
	if len(data) <= 1 {
		return models.Contact{}, fmt.Errorf("CONTACT: %w", errShortFrame)
	}
	var mc models.MeshContact
	if err := binary.Read(bytes.NewReader(data[1:]), binary.LittleEndian, &mc); err != nil {
		return models.Contact{}, fmt.Errorf("failed to parse MeshContact from binary data: %w", err)
	}

	c := models.Contact{
		PublicKey:  hex.EncodeToString(mc.PublicKey[:]),
		AdvName:    cString(mc.AdvName[:]),
		Type:       int(mc.Type),
		AdvLat:     float64(mc.AdvLat) / 1e6,
		AdvLon:     float64(mc.AdvLon) / 1e6,
		OutPathLen: int(mc.OutPathLen),
	}
	if n := int(mc.OutPathLen); n > 0 {
		if n > len(mc.OutPath) {
			n = len(mc.OutPath)
		}
		c.OutPath = hex.EncodeToString(mc.OutPath[:n])
	}
	if mc.LastAdvert > 0 {
		c.LastSeen = time.Unix(int64(mc.LastAdvert), 0).UTC()
	}
	return c, nil
}

// parseChannelInfo reads a CHANNEL_INFO (0x12) reply: index, name[32],
// secret[16].
func parseChannelInfo(data []byte) (discovery.ChannelInfo, error) {
	if len(data) < 34 {
		return discovery.ChannelInfo{}, fmt.Errorf("CHANNEL_INFO: %w (%d bytes)", errShortFrame, len(data))
	}
	info := discovery.ChannelInfo{
		Index: int(data[1]),
		Name:  cString(data[2:34]),
	}
	if len(data) >= 50 {
		info.Secret = append([]byte(nil), data[34:50]...)
	}
	return info, nil
}

// parseRxLog reads a LOG_RX_DATA push (0x88): snr*4 i8, rssi i8, raw packet.
func parseRxLog(data []byte) (models.RxLogEvent, error) {
	if len(data) < 3 {
		return models.RxLogEvent{}, fmt.Errorf("LOG_RX_DATA: %w", errShortFrame)
	}
	ev := models.RxLogEvent{
		SNR:        float64(int8(data[1])) / 4,
		RSSI:       float64(int8(data[2])),
		PayloadHex: hex.EncodeToString(data[3:]),
	}
	// hop count from the packet header, for entries the decoder rejects
	if raw := data[3:]; len(raw) >= 2 {
		off := 1
		if models.RouteType(raw[0] & 0x03).HasTransportCodes() {
			off += 4
		}
		if off < len(raw) {
			ev.PathLen = int(raw[off])
		}
	}
	return ev, nil
}

// parseContactMsg reads CONTACT_MSG_RECV (0x07) and its v3 form (0x10),
// which adds snr and two reserved bytes. Signed plain text carries a
// 4-byte author prefix before the text.
func parseContactMsg(data []byte) (models.ContactMsgEvent, error) {
	var ev models.ContactMsgEvent
	if len(data) == 0 {
		return ev, errShortFrame
	}
	body := data[1:]
	if data[0] == byte(models.ResponseCodes.ContactMsgRecvV3) {
		if len(body) < 3 {
			return ev, fmt.Errorf("CONTACT_MSG_V3: %w", errShortFrame)
		}
		snr := float64(int8(body[0])) / 4
		ev.SNR = &snr
		body = body[3:]
	}
	if len(body) < 12 {
		return ev, fmt.Errorf("CONTACT_MSG: %w", errShortFrame)
	}
	ev.PubKeyPrefix = hex.EncodeToString(body[0:6])
	ev.PathLen = int(body[6])
	ev.TxtType = body[7]
	ev.SenderTime = time.Unix(int64(binary.LittleEndian.Uint32(body[8:12])), 0).UTC()
	text := body[12:]
	if ev.TxtType == models.TxtTypeSignedPlain && len(text) >= 4 {
		ev.Signature = hex.EncodeToString(text[:4])
		text = text[4:]
	}
	ev.Text = cText(text)
	return ev, nil
}

// parseChannelMsg reads CHANNEL_MSG_RECV (0x08) and its v3 form (0x11).
func parseChannelMsg(data []byte) (models.ChannelMsgEvent, error) {
	var ev models.ChannelMsgEvent
	if len(data) == 0 {
		return ev, errShortFrame
	}
	body := data[1:]
	if data[0] == byte(models.ResponseCodes.ChannelMsgRecvV3) {
		if len(body) < 3 {
			return ev, fmt.Errorf("CHANNEL_MSG_V3: %w", errShortFrame)
		}
		snr := float64(int8(body[0])) / 4
		ev.SNR = &snr
		body = body[3:]
	}
	if len(body) < 7 {
		return ev, fmt.Errorf("CHANNEL_MSG: %w", errShortFrame)
	}
	ev.ChannelIdx = models.IntPtr(int(body[0]))
	ev.PathLen = int(body[1])
	ev.TxtType = body[2]
	ev.SenderTime = time.Unix(int64(binary.LittleEndian.Uint32(body[3:7])), 0).UTC()
	ev.Text = cText(body[7:])
	return ev, nil
}
