package worker

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"go-meshcore-gateway/app/client"
	"go-meshcore-gateway/app/decoder"
	"go-meshcore-gateway/app/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxTextLen is the longest message the dashboard may send.
const MaxTextLen = 150

// Action names a dashboard command.
type Action string

const (
	ActionSendMessage Action = "send_message"
	ActionSendDM      Action = "send_dm"
	ActionSendAdvert  Action = "send_advert"
	ActionRefresh     Action = "refresh"
	ActionAddChannel  Action = "add_channel"
)

var (
	ErrUnknownAction = errors.New("unknown command action")
	ErrEmptyText     = errors.New("text is required")
	ErrTextTooLong   = fmt.Errorf("message is too long (max %d characters)", MaxTextLen)
)

// Command is a request from the dashboard, executed by the worker between
// radio events.
type Command struct {
	Action      Action `json:"action"`
	Channel     int    `json:"channel,omitempty"`
	Text        string `json:"text,omitempty"`
	PubKey      string `json:"pubkey,omitempty"`
	ContactName string `json:"contactName,omitempty"`
	ZeroHop     bool   `json:"zeroHop,omitempty"`
	Name        string `json:"name,omitempty"`   // add_channel
	Secret      string `json:"secret,omitempty"` // add_channel, 32 hex chars

	result chan error
}

// Validate checks a command before it is queued.
func (c Command) Validate() error {
	switch c.Action {
	case ActionSendMessage, ActionSendDM:
		if c.Text == "" {
			return ErrEmptyText
		}
		if len(c.Text) > MaxTextLen {
			return ErrTextTooLong
		}
		if c.Action == ActionSendDM && c.PubKey == "" {
			return errors.New("pubkey is required")
		}
		if c.Channel < 0 {
			return fmt.Errorf("invalid channel %d", c.Channel)
		}
	case ActionAddChannel:
		if c.Channel < 0 || c.Channel > 255 {
			return fmt.Errorf("invalid channel %d", c.Channel)
		}
		if c.Name == "" {
			return errors.New("name is required")
		}
		if secret, err := hex.DecodeString(c.Secret); err != nil || len(secret) != 16 {
			return errors.New("secret must be 32 hex characters (16 bytes)")
		}
	case ActionSendAdvert, ActionRefresh:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, c.Action)
	}
	return nil
}

// Submit queues cmd and waits until the worker has executed it.
func (w *Worker) Submit(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	cmd.result = make(chan error, 1)
	select {
	case w.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c Command) reply(err error) {
	if c.result != nil {
		c.result <- err
	}
}

// execute runs one command against the radio.
func (w *Worker) execute(ctx context.Context, cmd Command) error {
	switch cmd.Action {
	case ActionSendMessage:
		if err := w.radio.SendChannelText(ctx, cmd.Channel, cmd.Text); err != nil {
			return err
		}
		msg := models.Outgoing(cmd.Text, models.IntPtr(cmd.Channel), "", w.store.ChannelName(cmd.Channel))
		msg.ID = uuid.NewString()
		w.sink.AddMessage(msg)
		w.log.Debug("sent channel message", zap.Int("channel", cmd.Channel), zap.String("text", preview(cmd.Text)))

	case ActionSendDM:
		if err := w.radio.SendText(ctx, cmd.PubKey, cmd.Text); err != nil {
			return err
		}
		msg := models.Outgoing(cmd.Text, nil, cmd.PubKey, "")
		msg.ID = uuid.NewString()
		w.sink.AddMessage(msg)
		name := cmd.ContactName
		if name == "" {
			name = w.store.NameByPrefix(cmd.PubKey)
		}
		w.log.Debug("sent direct message", zap.String("to", name), zap.String("text", preview(cmd.Text)))

	case ActionSendAdvert:
		if err := w.radio.SendAdvert(ctx, !cmd.ZeroHop); err != nil {
			return err
		}
		w.store.SetStatus("Advert sent")
		w.log.Info("advert sent", zap.Bool("flood", !cmd.ZeroHop))

	case ActionRefresh:
		w.log.Info("refresh requested")
		if err := w.loadData(ctx); err != nil {
			return err
		}
		w.discover(ctx)

	case ActionAddChannel:
		secret, _ := hex.DecodeString(cmd.Secret)
		if err := w.radio.SetChannel(ctx, cmd.Channel, cmd.Name, secret); err != nil {
			return err
		}
		if err := w.decoder.AddChannelKey(cmd.Channel, secret, decoder.OriginDevice); err != nil {
			return err
		}
		if w.keys != nil {
			if err := w.keys.SetChannelKey(ctx, cmd.Channel, cmd.Secret); err != nil {
				w.log.Warn("could not cache channel key", zap.Int("channel", cmd.Channel), zap.Error(err))
			}
		}
		w.discover(ctx)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
	return nil
}

// run executes cmd, replies to the submitter and reports whether the
// connection was lost doing so.
func (w *Worker) run(ctx context.Context, cmd Command) error {
	err := w.execute(ctx, cmd)
	if err != nil {
		w.log.Warn("command failed", zap.String("action", string(cmd.Action)), zap.Error(err))
	}
	cmd.reply(err)
	if client.IsConnectionLost(err) {
		return err
	}
	return nil
}

func preview(text string) string {
	if len(text) > 30 {
		return text[:30]
	}
	return text
}
