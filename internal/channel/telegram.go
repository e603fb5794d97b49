package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"leadbot/internal/domain"
	"leadbot/internal/logging"
	"leadbot/internal/metrics"
)

// Telegram implements domain.Channel for a Telegram bot.
type Telegram struct {
	token        string
	allowFrom    []int64 // empty = allow all
	apiEndpoint  string
	fileEndpoint string
	client       *http.Client

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user ids as strings
	// APIEndpoint overrides tgbotapi.APIEndpoint (format "…/bot%s/%s").
	APIEndpoint string
	// FileEndpoint overrides tgbotapi.FileEndpoint (format "…/file/bot%s/%s").
	FileEndpoint string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Telegram{
		token:        cfg.Token,
		allowFrom:    allowed,
		apiEndpoint:  cfg.APIEndpoint,
		fileEndpoint: cfg.FileEndpoint,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger.With(logging.Channel("telegram")),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// connect creates the bot client on first use so the sender works without
// Start (e.g. from the CLI).
func (t *Telegram) connect() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.apiEndpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", t.scrub(err))
	}
	t.bot = bot
	return bot, nil
}

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := t.connect()
	if err != nil {
		return err
	}
	t.logger.Info("telegram polling started")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// calling StopReceivingUpdates twice panics.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) Send(ctx context.Context, chatID string, text string) (*domain.SendResult, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bot, err := t.connect()
	if err != nil {
		return nil, err
	}
	sent, err := bot.Send(tgbotapi.NewMessage(id, text))
	if err != nil {
		return nil, fmt.Errorf("telegram send: %w", t.scrub(err))
	}
	return &domain.SendResult{
		Channel:   t.Name(),
		MessageID: strconv.Itoa(sent.MessageID),
		Status:    "sent",
	}, nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram user")
		return
	}
	if msg.IsCommand() {
		return
	}

	in, ok := t.toInbound(msg)
	if !ok {
		return
	}
	metrics.InboundMessages.WithLabelValues("telegram", string(in.Type)).Inc()
	t.logger.Info("telegram message received", logging.Type(string(in.Type)), logging.TextLen(len(in.Content)))
	t.bus.Publish(in)
}

func (t *Telegram) toInbound(msg *tgbotapi.Message) (domain.InboundMessage, bool) {
	in := domain.InboundMessage{
		Channel:     "telegram",
		From:        strconv.FormatInt(msg.Chat.ID, 10),
		ContactName: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		ProviderID:  strconv.Itoa(msg.MessageID),
		Timestamp:   time.Unix(int64(msg.Date), 0),
	}

	var fileID string
	switch {
	case len(msg.Photo) > 0:
		in.Type = domain.TypeImage
		in.Content = msg.Caption
		fileID = msg.Photo[len(msg.Photo)-1].FileID // largest size
	case msg.Voice != nil:
		in.Type = domain.TypeAudio
		fileID = msg.Voice.FileID
	case msg.Audio != nil:
		in.Type = domain.TypeAudio
		in.Content = msg.Caption
		fileID = msg.Audio.FileID
	default:
		in.Type = domain.TypeText
		in.Content = strings.TrimSpace(msg.Text)
		return in, in.Content != ""
	}

	// Direct file URLs embed the bot token; keep the file id instead.
	in.MediaURL = telegramFileRef + fileID
	return in, true
}

// FetchMedia downloads a file recorded as a "tg-file:" reference.
func (t *Telegram) FetchMedia(ctx context.Context, ref string) (*domain.Media, error) {
	fileID, ok := strings.CutPrefix(ref, telegramFileRef)
	if !ok || fileID == "" {
		return nil, fmt.Errorf("telegram: not a file reference: %q", ref)
	}
	bot, err := t.connect()
	if err != nil {
		return nil, err
	}
	file, err := bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("telegram get file: %w", t.scrub(err))
	}
	media, err := download(ctx, t.client, fmt.Sprintf(t.fileEndpoint, t.token, file.FilePath), "", "")
	if err != nil {
		return nil, fmt.Errorf("telegram %w", err)
	}
	return media, nil
}

// scrub keeps the bot token out of errors; tgbotapi echoes request URLs.
func (t *Telegram) scrub(err error) error {
	if t.token == "" || !strings.Contains(err.Error(), t.token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), t.token, "[token]"))
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}
