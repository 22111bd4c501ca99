// Package whatsapp binds the gateway to the WhatsApp multi-device protocol
// through whatsmeow. Each tenant gets its own SQLite device store inside its
// session directory.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/memohai/wagateway/internal/gateway"
)

const (
	dbFileName = "whatsmeow.db"
	dbDriver   = "sqlite"
)

var errPairingTimeout = errors.New("pairing code expired")

type Dialer struct {
	logger *slog.Logger
	waLog  waLog.Logger
}

var _ gateway.Dialer = (*Dialer)(nil)

func NewDialer(log *slog.Logger, protocolLogLevel string) *Dialer {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "whatsapp"))
	return &Dialer{
		logger: log,
		waLog:  newWALogger(log, protocolLogLevel),
	}
}

// Dial opens the tenant's device store and starts the protocol connection.
// Unpaired devices stream pairing codes through emit until scanned.
func (d *Dialer) Dial(ctx context.Context, req gateway.DialRequest, emit func(gateway.Event)) (gateway.Client, error) {
	db, err := openStore(filepath.Join(req.SessionPath, dbFileName))
	if err != nil {
		return nil, err
	}
	waLogger := d.waLog.Sub(req.TenantID)
	container := sqlstore.NewWithDB(db, dbDriver, waLogger.Sub("Database"))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	wa := whatsmeow.NewClient(device, waLogger.Sub("Client"))
	wa.EnableAutoReconnect = false
	c := &Client{
		wa:     wa,
		db:     db,
		emit:   emit,
		logger: d.logger.With(slog.String("tenant_id", req.TenantID)),
	}
	wa.AddEventHandler(c.handleEvent)

	if wa.Store.ID == nil {
		qrCh, err := wa.GetQRChannel(ctx)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("pairing channel: %w", err)
		}
		go c.pumpPairing(qrCh)
	}
	if err := wa.Connect(); err != nil {
		c.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return c, nil
}

func openStore(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open(dbDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	return db, nil
}

// Client is one tenant's live whatsmeow connection.
type Client struct {
	wa     *whatsmeow.Client
	db     *sql.DB
	emit   func(gateway.Event)
	logger *slog.Logger

	closeOnce sync.Once
}

var _ gateway.Client = (*Client)(nil)

func (c *Client) SendText(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parse recipient %q: %w", to, err)
	}
	_, err = c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (c *Client) Logout(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		return nil
	}
	return c.wa.Logout(ctx)
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.wa.Disconnect()
		if err := c.db.Close(); err != nil {
			c.logger.Warn("close device store failed", slog.Any("error", err))
		}
	})
}

func (c *Client) handleEvent(evt any) {
	if ev, ok := translateEvent(evt, c.selfID); ok {
		c.emit(ev)
	}
}

func (c *Client) selfID() string {
	if id := c.wa.Store.ID; id != nil {
		return id.User
	}
	return ""
}

func (c *Client) pumpPairing(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if ev, ok := translatePairing(item); ok {
			c.emit(ev)
		}
	}
}

// translatePairing maps QR channel items. Success is reported separately by
// the Connected event.
func translatePairing(item whatsmeow.QRChannelItem) (gateway.Event, bool) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		return gateway.Event{Kind: gateway.EventPairingCode, PairingCode: item.Code}, true
	case whatsmeow.QRChannelSuccess.Event:
		return gateway.Event{}, false
	case whatsmeow.QRChannelTimeout.Event:
		return gateway.Event{Kind: gateway.EventClosed, Err: errPairingTimeout}, true
	case whatsmeow.QRChannelEventError:
		return gateway.Event{Kind: gateway.EventClosed, Err: item.Error}, true
	default:
		return gateway.Event{Kind: gateway.EventClosed, Err: fmt.Errorf("pairing ended: %s", item.Event)}, true
	}
}

func translateEvent(evt any, self func() string) (gateway.Event, bool) {
	switch v := evt.(type) {
	case *events.Connected:
		return gateway.Event{Kind: gateway.EventConnected, RemoteIdentifier: self()}, true
	case *events.LoggedOut:
		return gateway.Event{Kind: gateway.EventClosed, LoggedOut: true, Err: fmt.Errorf("logged out: %s", v.Reason.String())}, true
	case *events.ConnectFailure:
		return gateway.Event{Kind: gateway.EventClosed, LoggedOut: v.Reason.IsLoggedOut(), Err: fmt.Errorf("connect failure: %s", v.Reason.String())}, true
	case *events.StreamReplaced:
		return gateway.Event{Kind: gateway.EventClosed, Err: errors.New("stream replaced")}, true
	case *events.Disconnected:
		return gateway.Event{Kind: gateway.EventClosed, Err: errors.New("disconnected")}, true
	case *events.Message:
		return gateway.Event{Kind: gateway.EventMessage, Message: inboundFromEvent(v)}, true
	}
	return gateway.Event{}, false
}

func inboundFromEvent(evt *events.Message) gateway.InboundMessage {
	msg := gateway.InboundMessage{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.String(),
		Sender:    evt.Info.Sender.ToNonAD().String(),
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
	}
	if evt.Message != nil {
		msg.Body = gateway.MessageBody{
			Conversation: evt.Message.GetConversation(),
			ExtendedText: evt.Message.GetExtendedTextMessage().GetText(),
		}
	}
	return msg
}
