package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"go-meshcore-gateway/app/discovery"
	"go-meshcore-gateway/app/models"

	"go.uber.org/zap"
)

var appName = []byte("mcgw")

// request sends one command and waits for the first frame carrying one of
// codes. An ERR reply becomes ErrRejected.
func (c *Client) request(ctx context.Context, name string, payload []byte, codes ...byte) ([]byte, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	codes = append(codes, byte(models.ResponseCodes.Err))
	w := c.addWaiter(false, codes...)
	defer c.removeWaiter(w)

	done := c.Done()
	if err := c.sendFrame(payload); err != nil {
		c.metrics.RadioCommand(name, err)
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	resp, err := c.await(ctx, w, done)
	if err == nil && resp[0] == byte(models.ResponseCodes.Err) {
		err = rejected(resp)
	}
	c.metrics.RadioCommand(name, err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return resp, nil
}

func (c *Client) await(ctx context.Context, w *waiter, done <-chan struct{}) ([]byte, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-w.ch:
		if len(resp) == 0 {
			return nil, ErrNoResponse
		}
		return resp, nil
	case <-done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func rejected(resp []byte) error {
	if len(resp) >= 2 {
		return fmt.Errorf("%w: code 0x%02x", ErrRejected, resp[1])
	}
	return ErrRejected
}

// AppStart announces the app and returns the node's self info.
func (c *Client) AppStart(ctx context.Context) (models.DeviceInfo, error) {
	payload := []byte{
		models.CMD_AppStart,
		0x03,                               // app version
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // reserved
	}
	payload = append(payload, appName...)
	resp, err := c.request(ctx, "app_start", payload, byte(models.ResponseCodes.SelfInfo))
	if err != nil {
		return models.DeviceInfo{}, err
	}
	return parseSelfInfo(resp)
}

// DeviceQuery returns firmware and capacity details.
func (c *Client) DeviceQuery(ctx context.Context) (models.DeviceInfo, error) {
	resp, err := c.request(ctx, "device_query", []byte{models.CMD_DeviceQuery, 0x03}, byte(models.ResponseCodes.DeviceInfo))
	if err != nil {
		return models.DeviceInfo{}, err
	}
	return parseDeviceInfo(resp)
}

// GetChannel reads one channel slot, secret included.
func (c *Client) GetChannel(ctx context.Context, index int) (discovery.ChannelInfo, error) {
	if index < 0 || index > 255 {
		return discovery.ChannelInfo{}, fmt.Errorf("channel index %d out of range", index)
	}
	resp, err := c.request(ctx, "get_channel", []byte{models.CMD_GetChannel, byte(index)}, byte(models.ResponseCodes.ChannelInfo))
	if err != nil {
		return discovery.ChannelInfo{}, err
	}
	info, err := parseChannelInfo(resp)
	if err != nil {
		return discovery.ChannelInfo{}, err
	}
	if info.Index != index {
		return discovery.ChannelInfo{}, fmt.Errorf("get_channel: asked for slot %d, radio answered %d", index, info.Index)
	}
	return info, nil
}

// SetChannel writes a channel slot: name as a 32-byte C string and the
// 16-byte secret.
func (c *Client) SetChannel(ctx context.Context, index int, name string, secret []byte) error {
	if len(secret) != 16 {
		return fmt.Errorf("secret must be exactly 16 bytes, got %d", len(secret))
	}
	if len(name) > 31 {
		return fmt.Errorf("channel name %q longer than 31 bytes", name)
	}
	var buf bytes.Buffer
	buf.WriteByte(models.CMD_SetChannel)
	buf.WriteByte(byte(index))
	nameBytes := make([]byte, 32)
	copy(nameBytes, name)
	buf.Write(nameBytes)
	buf.Write(secret)

	if _, err := c.request(ctx, "set_channel", buf.Bytes(), byte(models.ResponseCodes.Ok)); err != nil {
		return err
	}
	c.log.Info("channel set", zap.Int("channel", index), zap.String("name", name))
	return nil
}

// GetContacts streams CONTACTS_START, CONTACT* and END_OF_CONTACTS.
func (c *Client) GetContacts(ctx context.Context) ([]models.Contact, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	w := c.addWaiter(true,
		byte(models.ResponseCodes.ContactsStart),
		byte(models.ResponseCodes.Contact),
		byte(models.ResponseCodes.EndOfContacts),
		byte(models.ResponseCodes.Err))
	defer c.removeWaiter(w)

	done := c.Done()
	if err := c.sendFrame([]byte{models.CMD_GetContacts}); err != nil {
		c.metrics.RadioCommand("get_contacts", err)
		return nil, fmt.Errorf("get_contacts: %w", err)
	}

	var contacts []models.Contact
	var reported uint32
	for {
		resp, err := c.await(ctx, w, done)
		if err != nil {
			c.metrics.RadioCommand("get_contacts", err)
			return nil, fmt.Errorf("get_contacts: %w", err)
		}
		switch resp[0] {
		case byte(models.ResponseCodes.ContactsStart):
			if len(resp) >= 5 {
				reported = binary.LittleEndian.Uint32(resp[1:5])
			}
		case byte(models.ResponseCodes.Contact):
			ct, err := parseContact(resp)
			if err != nil {
				c.log.Debug("skipping contact", zap.Error(err))
				continue
			}
			contacts = append(contacts, ct)
		case byte(models.ResponseCodes.EndOfContacts):
			c.metrics.RadioCommand("get_contacts", nil)
			c.log.Debug("contacts received", zap.Int("count", len(contacts)), zap.Uint32("reported", reported))
			return contacts, nil
		case byte(models.ResponseCodes.Err):
			err := rejected(resp)
			c.metrics.RadioCommand("get_contacts", err)
			return nil, fmt.Errorf("get_contacts: %w", err)
		}
	}
}

// SendChannelText sends plain text to a channel slot.
func (c *Client) SendChannelText(ctx context.Context, channel int, text string) error {
	var buf bytes.Buffer
	buf.WriteByte(models.CMD_SendChannelTxtMsg)
	buf.WriteByte(models.TxtTypePlain)
	buf.WriteByte(byte(channel))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(time.Now().Unix()))
	buf.WriteString(text)

	_, err := c.request(ctx, "send_channel_text", buf.Bytes(),
		byte(models.ResponseCodes.Ok), byte(models.ResponseCodes.Sent))
	return err
}

// SendText sends a direct message. pubKey is the recipient's key in hex;
// only its 6-byte prefix goes on the wire.
func (c *Client) SendText(ctx context.Context, pubKey, text string) error {
	key, err := hex.DecodeString(pubKey)
	if err != nil || len(key) < 6 {
		return fmt.Errorf("invalid recipient key %q", pubKey)
	}
	var buf bytes.Buffer
	buf.WriteByte(models.CMD_SendTxtMsg)
	buf.WriteByte(models.TxtTypePlain)
	buf.WriteByte(0) // attempt
	_ = binary.Write(&buf, binary.LittleEndian, uint32(time.Now().Unix()))
	buf.Write(key[:6])
	buf.WriteString(text)

	resp, err := c.request(ctx, "send_text", buf.Bytes(), byte(models.ResponseCodes.Sent))
	if err != nil {
		return err
	}
	if len(resp) >= 6 {
		c.log.Debug("direct message sent", zap.Uint32("ack", binary.LittleEndian.Uint32(resp[2:6])))
	}
	return nil
}

// SendAdvert broadcasts a self advert, flood-routed or zero-hop.
func (c *Client) SendAdvert(ctx context.Context, flood bool) error {
	var kind byte
	if flood {
		kind = 1
	}
	_, err := c.request(ctx, "send_advert", []byte{models.CMD_SendSelfAdvert, kind}, byte(models.ResponseCodes.Ok))
	return err
}

// SyncNextMessage fetches one queued message. It returns nil once the
// radio has no more.
func (c *Client) SyncNextMessage(ctx context.Context) (models.Event, error) {
	resp, err := c.request(ctx, "sync_next_message", []byte{models.CMD_SyncNextMessage},
		byte(models.ResponseCodes.ContactMsgRecv),
		byte(models.ResponseCodes.ContactMsgRecvV3),
		byte(models.ResponseCodes.ChannelMsgRecv),
		byte(models.ResponseCodes.ChannelMsgRecvV3),
		byte(models.ResponseCodes.NoMoreMessages))
	if err != nil {
		return nil, err
	}
	if resp[0] == byte(models.ResponseCodes.NoMoreMessages) {
		return nil, nil
	}
	return parseMessage(resp)
}

// FetchWaitingMessages drains the radio's queue in the background, for
// messages that arrived while nobody was connected.
func (c *Client) FetchWaitingMessages() {
	go c.drainWaiting()
}
