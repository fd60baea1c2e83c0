// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in WhaleFlow.
//
// It provides the low-level send primitives the flow engine needs (text, list
// menus, media) plus session lifecycle operations (pairing, logout, restart).
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/whaleflow/whaleflow/internal/models"
	"github.com/whaleflow/whaleflow/internal/store"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/whaleflow/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// DefaultListButtonText labels the button that opens a list menu.
	DefaultListButtonText = "Options"
	// mediaDownloadTimeout bounds fetching a media URL before upload.
	mediaDownloadTimeout = 30 * time.Second
)

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient   *whatsmeow.Client
	httpClient *http.Client
}

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// This handles WhatsApp/whatsmeow database configuration with proper validation and warnings.
func NewClient(opts ...Option) (*Client, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	// Determine database DSN
	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	// Auto-detect database driver based on DSN
	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
		slog.Debug("WhatsApp client auto-detected PostgreSQL driver", "dsn_type", "postgresql")
	} else {
		dbDriver = "sqlite3"
		slog.Debug("WhatsApp client auto-detected SQLite driver", "dsn_type", "sqlite")

		// Check if SQLite DSN has foreign keys enabled (whatsmeow recommends this)
		if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
				"The whatsmeow library strongly recommends enabling foreign keys for data integrity. "+
				"Consider adding '?_foreign_keys=on' to your connection string.",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver, "dsn_set", dbDSN != "")
	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	slog.Debug("WhatsApp DB store initialized")

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	slog.Debug("WhatsApp device store retrieved")

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)
	client := &Client{
		waClient:   waClient,
		httpClient: &http.Client{Timeout: mediaDownloadTimeout},
	}

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		err = waClient.Connect()
		if err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		// Determine output writer for QR or code
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				slog.Debug("WhatsApp login event code received", "code", evt.Code)
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
				fmt.Println("Login event:", evt.Event)
			}
		}
	} else {
		// Already logged in, just connect
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return client, nil
}

// SendText sends a plain WhatsApp text message to the specified recipient.
// It performs comprehensive validation and provides detailed error information.
func (c *Client) SendText(ctx context.Context, to string, body string) error {
	if err := c.checkSendable(to); err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	msg := &waE2E.Message{Conversation: &body}

	_, err := c.waClient.SendMessage(ctx, c.recipientJID(to), msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("WhatsApp message sent successfully", "to", to)
	return nil
}

// SendList sends a single-select list menu. Each option becomes a row whose
// row id is the option id, so the reply carries the option id back verbatim.
func (c *Client) SendList(ctx context.Context, to string, body string, options []models.NodeOption) error {
	if err := c.checkSendable(to); err != nil {
		return err
	}
	if len(options) == 0 {
		return fmt.Errorf("list message requires at least one option")
	}

	rows := make([]*waE2E.ListMessage_Row, 0, len(options))
	for _, opt := range options {
		rows = append(rows, &waE2E.ListMessage_Row{
			RowID: proto.String(opt.ID),
			Title: proto.String(opt.Label),
		})
	}
	msg := &waE2E.Message{
		ListMessage: &waE2E.ListMessage{
			Description: proto.String(body),
			ButtonText:  proto.String(DefaultListButtonText),
			ListType:    waE2E.ListMessage_SINGLE_SELECT.Enum(),
			Sections: []*waE2E.ListMessage_Section{
				{Rows: rows},
			},
		},
	}

	slog.Debug("Sending WhatsApp list message", "to", to, "options", len(options))
	_, err := c.waClient.SendMessage(ctx, c.recipientJID(to), msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp list message", "error", err, "to", to)
		return fmt.Errorf("failed to send list message to %s: %w", to, err)
	}
	return nil
}

// SendMedia downloads the media at url, uploads it to WhatsApp servers and
// sends it as an image or audio message.
func (c *Client) SendMedia(ctx context.Context, to string, url string, caption string, kind models.MediaKind) error {
	if err := c.checkSendable(to); err != nil {
		return err
	}
	if url == "" {
		return fmt.Errorf("media URL cannot be empty")
	}

	data, mimeType, err := c.fetchMedia(ctx, url)
	if err != nil {
		slog.Error("Failed to fetch media for WhatsApp message", "error", err, "url", url)
		return fmt.Errorf("failed to fetch media: %w", err)
	}

	var msg *waE2E.Message
	switch kind {
	case models.MediaKindAudio:
		uploaded, err := c.waClient.Upload(ctx, data, whatsmeow.MediaAudio)
		if err != nil {
			return fmt.Errorf("failed to upload audio: %w", err)
		}
		msg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}
	default:
		uploaded, err := c.waClient.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return fmt.Errorf("failed to upload image: %w", err)
		}
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			Caption:       proto.String(caption),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}
	}

	slog.Debug("Sending WhatsApp media message", "to", to, "kind", kind, "bytes", len(data))
	_, err = c.waClient.SendMessage(ctx, c.recipientJID(to), msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp media message", "error", err, "to", to)
		return fmt.Errorf("failed to send media message to %s: %w", to, err)
	}
	return nil
}

// fetchMedia retrieves the media bytes and sniffs the content type.
func (c *Client) fetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("media fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// checkSendable validates the client state and recipient before any send.
func (c *Client) checkSendable(to string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client store not available")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	return nil
}

func (c *Client) recipientJID(to string) types.JID {
	return types.NewJID(to, JIDSuffix)
}

// IsReady reports whether the client is connected and logged in.
func (c *Client) IsReady() bool {
	return c.waClient != nil && c.waClient.IsConnected() && c.waClient.IsLoggedIn()
}

// IsLoggedIn reports whether the device has a stored WhatsApp session.
func (c *Client) IsLoggedIn() bool {
	return c.waClient != nil && c.waClient.IsLoggedIn()
}

// Identity returns the phone number of the logged-in device, if any.
func (c *Client) Identity() string {
	if c.waClient == nil || c.waClient.Store == nil || c.waClient.Store.ID == nil {
		return ""
	}
	return c.waClient.Store.ID.User
}

// Logout unpairs the device and clears the stored session.
func (c *Client) Logout(ctx context.Context) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	slog.Info("WhatsApp client logging out")
	if err := c.waClient.Logout(ctx); err != nil {
		slog.Error("Failed to log out of WhatsApp", "error", err)
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// Disconnect closes the server connection without clearing the session.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// Reconnect re-establishes the server connection using the stored session.
func (c *Client) Reconnect() error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	c.waClient.Disconnect()
	if err := c.waClient.Connect(); err != nil {
		slog.Error("Failed to reconnect to WhatsApp server", "error", err)
		return fmt.Errorf("failed to reconnect: %w", err)
	}
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}
