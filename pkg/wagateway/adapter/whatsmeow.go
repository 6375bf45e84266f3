// whatsmeow.go implements Client on top of whatsmeow — a native Go
// WhatsApp Web API library. Each account gets its own sqlstore container so
// session credentials never cross tenants.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session containers.
)

// historyPerChat bounds the in-memory recent-message cache used by
// FetchMessages. Whatsmeow has no server-side history fetch, so the client
// keeps its own window of what it has seen and sent.
const historyPerChat = 50

// WhatsmeowFactory creates whatsmeow-backed clients.
type WhatsmeowFactory struct {
	Logger     *slog.Logger
	DeviceName string
}

// New opens the account's session container and builds a client around it.
func (f *WhatsmeowFactory) New(ctx context.Context, accountID int64, sessionPath string) (Client, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", sessionPath),
		waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("getting device: %w", err)
	}
	if device == nil {
		device = container.NewDevice()
	}

	name := f.DeviceName
	if name == "" {
		name = "WAGateway"
	}
	// Device name shown in the WhatsApp linked devices list.
	store.SetOSInfo(name, [3]uint32{1, 0, 0})

	c := &waClient{
		accountID: accountID,
		container: container,
		logger:    logger.With("component", "adapter", "account_id", accountID),
		events:    make(chan Event, 256),
		history:   make(map[string][]Message),
	}
	c.client = whatsmeow.NewClient(device, waLog.Noop)
	c.client.AddEventHandler(c.handleEvent)
	return c, nil
}

// waClient wraps one whatsmeow connection for one account.
type waClient struct {
	accountID int64
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *slog.Logger

	events       chan Event
	eventsClosed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	// history caches the most recent messages per chat.
	historyMu sync.Mutex
	history   map[string][]Message
}

func (c *waClient) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.client.Store.ID == nil {
		// Fresh account — run the QR pairing flow in the background so the
		// caller returns immediately. Codes stream out as EventQR.
		qrChan, err := c.client.GetQRChannel(c.ctx)
		if err != nil {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("connecting for QR: %w", err)
		}
		go c.pumpQR(qrChan)
		return nil
	}

	// Restored session: the stored credential is the authentication, so the
	// authenticated event goes out before the socket-level connected one.
	c.emit(Event{Kind: EventAuthenticated, Timestamp: time.Now()})
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// pumpQR forwards whatsmeow QR channel items as adapter events.
func (c *waClient) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				c.emit(Event{Kind: EventQR, Code: item.Code, Timestamp: time.Now()})
			case "success":
				c.emit(Event{Kind: EventAuthenticated, Timestamp: time.Now()})
				return
			case "timeout":
				c.emit(Event{Kind: EventDisconnected, Reason: "qr_timeout", Timestamp: time.Now()})
				return
			default:
				if item.Error != nil {
					c.emit(Event{Kind: EventFatal, Reason: item.Error.Error(), Timestamp: time.Now()})
					return
				}
			}
		}
	}
}

func (c *waClient) Disconnect() {
	c.eventsClosed.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	c.client.Disconnect()
	c.container.Close()
	// The events channel is never closed: whatsmeow handler goroutines may
	// still be inside emit, and the consumer exits on its own context.
}

func (c *waClient) Logout(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.client.Logout(ctx); err != nil {
		// Force local cleanup when the server-side logout fails.
		c.client.Disconnect()
		if c.client.Store != nil {
			if delErr := c.client.Store.Delete(ctx); delErr != nil {
				return fmt.Errorf("deleting session store: %w", delErr)
			}
		}
	}
	return nil
}

func (c *waClient) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	if !c.client.IsConnected() {
		return "", ErrNotConnected
	}

	jid, err := parseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}

	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}

	c.remember(Message{
		ID:        string(resp.ID),
		ChatID:    chatID,
		Body:      text,
		FromSelf:  true,
		Timestamp: resp.Timestamp,
	})
	return string(resp.ID), nil
}

func (c *waClient) FetchChats(ctx context.Context) ([]ChatSummary, error) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	chats := make([]ChatSummary, 0, len(c.history))
	for chatID, msgs := range c.history {
		s := ChatSummary{ChatID: chatID}
		if n := len(msgs); n > 0 {
			s.LastMessageAt = msgs[n-1].Timestamp
			s.Name = msgs[n-1].SenderName
		}
		chats = append(chats, s)
	}
	return chats, nil
}

func (c *waClient) FetchMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	msgs := c.history[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (c *waClient) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	digits := digitsOnly(phone)
	if len(digits) < 10 {
		return "", fmt.Errorf("phone number too short: %s", phone)
	}

	code, err := c.client.PairPhone(ctx, digits, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("requesting pairing code: %w", err)
	}

	// Display format used by WhatsApp: XXXX-XXXX.
	if len(code) == 8 {
		code = code[:4] + "-" + code[4:]
	}
	return code, nil
}

// Ping verifies the socket is alive by pushing a presence update, the same
// low-cost call the upstream keepalive uses.
func (c *waClient) Ping(ctx context.Context) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	if !c.client.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	if err := c.client.SendPresence(ctx, types.PresenceAvailable); err != nil {
		return fmt.Errorf("presence ping: %w", err)
	}
	return nil
}

func (c *waClient) IsLoggedIn() bool {
	return c.client.Store.ID != nil && c.client.IsLoggedIn()
}

func (c *waClient) Events() <-chan Event {
	return c.events
}

// handleEvent translates whatsmeow events into the adapter union.
func (c *waClient) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		c.emit(Event{Kind: EventAuthenticated, Timestamp: time.Now()})

	case *events.Connected:
		c.emit(Event{Kind: EventReady, Timestamp: time.Now()})

	case *events.Disconnected:
		c.emit(Event{Kind: EventDisconnected, Reason: "connection_lost", Timestamp: time.Now()})

	case *events.StreamReplaced:
		c.emit(Event{Kind: EventDisconnected, Reason: "stream_replaced", Timestamp: time.Now()})

	case *events.LoggedOut:
		c.emit(Event{Kind: EventFatal, Reason: "logged_out", Timestamp: time.Now()})

	case *events.TemporaryBan:
		c.emit(Event{Kind: EventFatal, Reason: fmt.Sprintf("temporary_ban:%s", evt.Code), Timestamp: time.Now()})

	case *events.KeepAliveTimeout:
		c.logger.Warn("keep-alive timeout reported by client",
			"error_count", evt.ErrorCount,
			"last_success", evt.LastSuccess)

	case *events.Message:
		c.handleMessage(evt)
	}
}

func (c *waClient) handleMessage(evt *events.Message) {
	body := evt.Message.GetConversation()
	if body == "" && evt.Message.ExtendedTextMessage != nil {
		body = evt.Message.ExtendedTextMessage.GetText()
	}
	if body == "" {
		// Media and other non-text payloads are not auto-response material.
		return
	}

	msg := &Message{
		ID:         string(evt.Info.ID),
		ChatID:     evt.Info.Chat.String(),
		Sender:     evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		Body:       body,
		FromSelf:   evt.Info.IsFromMe,
		Broadcast:  evt.Info.Chat.Server == "broadcast",
		Timestamp:  evt.Info.Timestamp,
	}
	c.remember(*msg)
	c.emit(Event{Kind: EventMessage, Message: msg, Timestamp: evt.Info.Timestamp})
}

// remember appends a message to the bounded per-chat cache.
func (c *waClient) remember(msg Message) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	msgs := append(c.history[msg.ChatID], msg)
	if len(msgs) > historyPerChat {
		msgs = msgs[len(msgs)-historyPerChat:]
	}
	c.history[msg.ChatID] = msgs
}

// emit delivers an event without ever blocking the whatsmeow callback.
func (c *waClient) emit(evt Event) {
	if c.eventsClosed.Load() {
		return
	}
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("event channel full, dropping event", "kind", evt.Kind)
	}
}

// ---------- Helpers ----------

// parseJID accepts a bare phone number, a full user JID, or a group JID.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := digitsOnly(s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
