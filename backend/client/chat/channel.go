// Package chat keeps in-call text messages. Messages travel over the
// signaling relay, so they work before the peer link is up.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/webrtc-call/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotBound     = errors.New("chat is not bound to a room")
	ErrEmptyMessage = errors.New("message is empty")
	ErrPublish      = errors.New("cannot publish message")
	ErrHistory      = errors.New("cannot load chat history")
)

type (
	// Publisher sends a message to the other members of its room.
	Publisher interface {
		SendChat(msg model.ChatMessage) error
	}

	HistorySource interface {
		ChatHistory(ctx context.Context, chatID string) ([]model.ChatMessage, error)
	}

	Config struct {
		Logger    *zerolog.Logger
		Publisher Publisher
		// History is optional.
		History HistorySource
		// Sender is the local user id.
		Sender string
	}
)

type messageLog struct {
	msgs []model.ChatMessage
	seen map[string]struct{}
}

// Channel is the chat of one participant. Logs are kept per chat id and
// outlive the call they were bound to.
type Channel struct {
	pub     Publisher
	history HistorySource
	sender  string
	logger  zerolog.Logger

	mx        sync.Mutex
	roomID    string
	chatID    string
	logs      map[string]*messageLog
	onMessage func(model.ChatMessage)
}

func NewChannel(cfg Config) *Channel {
	return &Channel{
		pub:     cfg.Publisher,
		history: cfg.History,
		sender:  cfg.Sender,
		logger:  cfg.Logger.With().Str("component", "chat").Logger(),
		logs:    make(map[string]*messageLog),
	}
}

// Bind scopes Send to roomID and chatID.
func (ch *Channel) Bind(roomID, chatID string) {
	ch.mx.Lock()
	ch.roomID = roomID
	ch.chatID = chatID
	ch.mx.Unlock()
	ch.logger.Debug().
		Str("roomID", roomID).
		Str("chatID", chatID).
		Msg("chat bound")
}

func (ch *Channel) Unbind() {
	ch.mx.Lock()
	ch.roomID = ""
	ch.chatID = ""
	ch.mx.Unlock()
}

// ChatID is the currently bound chat id, empty when unbound.
func (ch *Channel) ChatID() string {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.chatID
}

// OnMessage sets the handler called for every message appended to any
// log, local or remote. Setting it again replaces the previous one.
func (ch *Channel) OnMessage(fn func(model.ChatMessage)) {
	ch.mx.Lock()
	ch.onMessage = fn
	ch.mx.Unlock()
}

// Send publishes text to the bound room and appends it to the local log.
func (ch *Channel) Send(text string) (model.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return model.ChatMessage{}, ErrEmptyMessage
	}
	ch.mx.Lock()
	roomID, chatID := ch.roomID, ch.chatID
	ch.mx.Unlock()
	if roomID == "" {
		return model.ChatMessage{}, ErrNotBound
	}

	msg := model.ChatMessage{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		RoomID:    roomID,
		Sender:    ch.sender,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := ch.pub.SendChat(msg); err != nil {
		return model.ChatMessage{}, errors.Join(ErrPublish, err)
	}
	ch.Deliver(msg)
	return msg, nil
}

// Deliver appends msg to its chat log unless a message with the same id
// is already there. It reports whether msg was appended.
func (ch *Channel) Deliver(msg model.ChatMessage) bool {
	ch.mx.Lock()
	log, ok := ch.logs[msg.ChatID]
	if !ok {
		log = &messageLog{seen: make(map[string]struct{})}
		ch.logs[msg.ChatID] = log
	}
	if _, dup := log.seen[msg.ID]; dup {
		ch.mx.Unlock()
		ch.logger.Debug().
			Str("chatID", msg.ChatID).
			Str("id", msg.ID).
			Msg("duplicate message ignored")
		return false
	}
	log.seen[msg.ID] = struct{}{}
	log.msgs = append(log.msgs, msg)
	fn := ch.onMessage
	ch.mx.Unlock()

	if fn != nil {
		fn(msg)
	}
	return true
}

// Messages returns a copy of the log of chatID in arrival order.
func (ch *Channel) Messages(chatID string) []model.ChatMessage {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	log, ok := ch.logs[chatID]
	if !ok {
		return nil
	}
	out := make([]model.ChatMessage, len(log.msgs))
	copy(out, log.msgs)
	return out
}

// LoadHistory seeds the log of chatID from the backend.
func (ch *Channel) LoadHistory(ctx context.Context, chatID string) error {
	if ch.history == nil {
		return nil
	}
	msgs, err := ch.history.ChatHistory(ctx, chatID)
	if err != nil {
		return errors.Join(ErrHistory, err)
	}
	var added int
	for _, msg := range msgs {
		msg.ChatID = chatID
		if ch.Deliver(msg) {
			added++
		}
	}
	ch.logger.Debug().
		Str("chatID", chatID).
		Int("loaded", added).
		Msg("chat history loaded")
	return nil
}
