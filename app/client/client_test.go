package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go-meshcore-gateway/app/models"

	"go.uber.org/zap/zaptest"
)

// fakeRadio accepts one connection and answers each command frame with
// whatever handle writes back.
type fakeRadio struct {
	ln     net.Listener
	conn   chan net.Conn
	handle func(conn net.Conn, cmd []byte)
}

func startRadio(t *testing.T, handle func(conn net.Conn, cmd []byte)) *fakeRadio {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	r := &fakeRadio{ln: ln, conn: make(chan net.Conn, 1), handle: handle}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		r.conn <- conn
		for {
			head := make([]byte, 3)
			if _, err := io.ReadFull(conn, head); err != nil {
				return
			}
			if head[0] != models.FrameOutbound {
				return
			}
			buf := make([]byte, binary.LittleEndian.Uint16(head[1:3]))
			if _, err := io.ReadFull(conn, buf); err != nil {
				return
			}
			if r.handle != nil {
				r.handle(conn, buf)
			}
		}
	}()
	return r
}

func reply(conn net.Conn, payload []byte) {
	frame := make([]byte, 3+len(payload))
	frame[0] = models.FrameInbound
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)
	conn.Write(frame)
}

func connect(t *testing.T, r *fakeRadio, timeout time.Duration) *Client {
	t.Helper()
	c := New(Options{Addr: r.ln.Addr().String(), CommandTimeout: timeout}, nil, zaptest.NewLogger(t))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func selfInfoFrame(name string) []byte {
	f := make([]byte, 58)
	f[0] = byte(models.ResponseCodes.SelfInfo)
	f[2] = 22
	for i := 0; i < 32; i++ {
		f[4+i] = byte(0xa0 + i%16)
	}
	binary.LittleEndian.PutUint32(f[36:40], uint32(int32(52370000)))
	binary.LittleEndian.PutUint32(f[40:44], uint32(int32(4890000)))
	binary.LittleEndian.PutUint32(f[48:52], 869525)
	binary.LittleEndian.PutUint32(f[52:56], 250000)
	f[56] = 11
	return append(f, name...)
}

func channelInfoFrame(idx int, name string, secret []byte) []byte {
	f := make([]byte, 50)
	f[0] = byte(models.ResponseCodes.ChannelInfo)
	f[1] = byte(idx)
	copy(f[2:34], name)
	copy(f[34:50], secret)
	return f
}

func contactFrame(key byte, name string, path []byte) []byte {
	var mc models.MeshContact
	for i := range mc.PublicKey {
		mc.PublicKey[i] = key
	}
	mc.Type = models.NodeTypeRepeater
	mc.OutPathLen = int8(len(path))
	copy(mc.OutPath[:], path)
	copy(mc.AdvName[:], name)
	mc.AdvLat = 51500000
	var buf bytes.Buffer
	buf.WriteByte(byte(models.ResponseCodes.Contact))
	binary.Write(&buf, binary.LittleEndian, mc)
	return buf.Bytes()
}

func TestCommandsAgainstFakeRadio(t *testing.T) {
	secret := bytes.Repeat([]byte{0x5a}, 16)
	r := startRadio(t, func(conn net.Conn, cmd []byte) {
		switch cmd[0] {
		case models.CMD_AppStart:
			reply(conn, selfInfoFrame("base"))
		case models.CMD_GetChannel:
			if cmd[1] == 0 {
				reply(conn, channelInfoFrame(0, "Public", secret))
			} else {
				reply(conn, channelInfoFrame(int(cmd[1]), "", nil))
			}
		case models.CMD_GetContacts:
			reply(conn, []byte{byte(models.ResponseCodes.ContactsStart), 2, 0, 0, 0})
			reply(conn, contactFrame(0xa1, "Hilltop", []byte{0xb2, 0xc3}))
			reply(conn, []byte{models.PushLogRxData, 8, 0xa6, 0x15, 0x00}) // push mid-stream
			reply(conn, contactFrame(0xb2, "Harbour", nil))
			reply(conn, []byte{byte(models.ResponseCodes.EndOfContacts)})
		case models.CMD_SetChannel:
			if len(cmd) != 2+32+16 {
				reply(conn, []byte{byte(models.ResponseCodes.Err), 2})
				return
			}
			reply(conn, []byte{byte(models.ResponseCodes.Ok)})
		case models.CMD_SendTxtMsg:
			reply(conn, []byte{byte(models.ResponseCodes.Sent), 0, 1, 2, 3, 4, 0, 0, 0, 0})
		default:
			reply(conn, []byte{byte(models.ResponseCodes.Err), 1})
		}
	})
	c := connect(t, r, 2*time.Second)
	ctx := context.Background()

	self, err := c.AppStart(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if self.Name != "base" || self.TxPower != 22 || self.RadioSF != 11 || self.PublicKey[:4] != "a0a1" {
		t.Fatalf("self info = %+v", self)
	}
	if self.AdvLat != 52.37 || self.RadioFreq != 869.525 {
		t.Fatalf("position/radio = %v %v", self.AdvLat, self.RadioFreq)
	}

	ch, err := c.GetChannel(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ch.Name != "Public" || !bytes.Equal(ch.Secret, secret) {
		t.Fatalf("channel = %+v", ch)
	}
	if ch, err := c.GetChannel(ctx, 3); err != nil || ch.Name != "" {
		t.Fatalf("undefined slot = %+v, %v", ch, err)
	}

	contacts, err := c.GetContacts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 2 || contacts[0].AdvName != "Hilltop" || contacts[0].OutPath != "b2c3" || contacts[1].OutPathLen != 0 {
		t.Fatalf("contacts = %+v", contacts)
	}
	if contacts[0].AdvLat != 51.5 || contacts[0].Type != models.NodeTypeRepeater {
		t.Fatalf("contact fields = %+v", contacts[0])
	}
	select {
	case ev := <-c.Events():
		if _, ok := ev.(models.RxLogEvent); !ok {
			t.Fatalf("event = %T", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("push during contact stream was lost")
	}

	if err := c.SetChannel(ctx, 2, "#ops", secret); err != nil {
		t.Fatal(err)
	}
	if err := c.SetChannel(ctx, 2, "#ops", secret[:8]); err == nil {
		t.Fatal("short secret accepted")
	}
	if err := c.SendText(ctx, "a1a1a1a1a1a1a1a1", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := c.SendAdvert(ctx, true); !errors.Is(err, ErrRejected) {
		t.Fatalf("SendAdvert = %v, want ErrRejected", err)
	}
}

func TestPushesBecomeEvents(t *testing.T) {
	queued := true
	r := startRadio(t, func(conn net.Conn, cmd []byte) {
		if cmd[0] != models.CMD_SyncNextMessage {
			return
		}
		if !queued {
			reply(conn, []byte{byte(models.ResponseCodes.NoMoreMessages)})
			return
		}
		queued = false
		msg := []byte{byte(models.ResponseCodes.ChannelMsgRecvV3), 0xf8, 0, 0, 1, 2, 0}
		msg = binary.LittleEndian.AppendUint32(msg, 1700000000)
		reply(conn, append(msg, "Bob: hi"...))
	})
	c := connect(t, r, 2*time.Second)
	conn := <-r.conn

	reply(conn, []byte{models.PushLogRxData, 30, 0xa6, 0x15, 0x02, 0xa1, 0xb2, 0x00})
	reply(conn, []byte{models.PushMsgWaiting})

	ev := next(t, c)
	rx, ok := ev.(models.RxLogEvent)
	if !ok {
		t.Fatalf("first event = %T", ev)
	}
	if rx.SNR != 7.5 || rx.RSSI != -90 || rx.PathLen != 2 || rx.PayloadHex != "1502a1b200" {
		t.Fatalf("rx log = %+v", rx)
	}

	ev = next(t, c)
	cm, ok := ev.(models.ChannelMsgEvent)
	if !ok {
		t.Fatalf("second event = %T", ev)
	}
	if *cm.ChannelIdx != 1 || cm.PathLen != 2 || cm.Text != "Bob: hi" || *cm.SNR != -2 {
		t.Fatalf("channel msg = %+v", cm)
	}
}

func next(t *testing.T, c *Client) models.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return nil
}

func TestCommandTimeout(t *testing.T) {
	r := startRadio(t, nil)
	c := connect(t, r, 100*time.Millisecond)

	_, err := c.DeviceQuery(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if IsConnectionLost(err) {
		t.Fatal("timeout must not count as connection loss")
	}
	if !c.IsConnected() {
		t.Fatal("timeout dropped the connection")
	}
}

func TestConnectionLossClosesDone(t *testing.T) {
	r := startRadio(t, nil)
	c := connect(t, r, time.Second)
	conn := <-r.conn
	conn.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after the radio hung up")
	}
	if c.IsConnected() {
		t.Fatal("still connected")
	}
	if !IsConnectionLost(c.Err()) {
		t.Fatalf("Err() = %v is not a connection loss", c.Err())
	}
	if _, err := c.GetChannel(context.Background(), 0); !IsConnectionLost(err) {
		t.Fatalf("command after loss = %v", err)
	}
}

func TestIsConnectionLost(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{ErrNotConnected, true},
		{errors.New("write tcp: broken pipe"), true},
		{errors.New("read: Connection reset by peer"), true},
		{ErrTimeout, false},
		{ErrRejected, false},
		{errors.New("frame too short"), false},
	}
	for _, tc := range cases {
		if got := IsConnectionLost(tc.err); got != tc.want {
			t.Fatalf("IsConnectionLost(%v) = %v", tc.err, got)
		}
	}
}

func TestMessageTextKeepsWhitespace(t *testing.T) {
	ch := []byte{byte(models.ResponseCodes.ChannelMsgRecv), 2, 1, 0, 0, 0, 0, 0}
	ch = append(ch, []byte("Alice: hi there \x00\x00")...)
	ev, err := parseChannelMsg(ch)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Text != "Alice: hi there " {
		t.Fatalf("channel text = %q", ev.Text)
	}

	dm := []byte{byte(models.ResponseCodes.ContactMsgRecv), 0xa1, 0xb2, 0xc3, 0xd4, 0xe5, 0xf6, 0, 0, 0, 0, 0, 0}
	dm = append(dm, []byte(" psst\x00")...)
	cev, err := parseContactMsg(dm)
	if err != nil {
		t.Fatal(err)
	}
	if cev.Text != " psst" {
		t.Fatalf("contact text = %q", cev.Text)
	}

	if got := cString([]byte(" Base \x00junk")); got != "Base" {
		t.Fatalf("name = %q", got)
	}
}

func TestReadFrameTimeouts(t *testing.T) {
	radio, gw := net.Pipe()
	defer radio.Close()
	defer gw.Close()

	if _, err := readFrame(gw, 20*time.Millisecond); !errors.Is(err, errIdle) {
		t.Fatalf("quiet link: %v", err)
	}

	go func() { _, _ = radio.Write([]byte{models.FrameInbound, 0x05}) }()
	_, err := readFrame(gw, 50*time.Millisecond)
	if err == nil || errors.Is(err, errIdle) {
		t.Fatalf("half a header must not count as idle: %v", err)
	}

	radio2, gw2 := net.Pipe()
	defer radio2.Close()
	defer gw2.Close()
	go func() { _, _ = radio2.Write([]byte{models.FrameInbound, 0x04, 0x00, 0x01, 0x02}) }()
	if _, err := readFrame(gw2, 50*time.Millisecond); err == nil || errors.Is(err, errIdle) {
		t.Fatalf("truncated body must not count as idle: %v", err)
	}
}
