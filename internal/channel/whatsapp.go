package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"leadbot/internal/config"
	"leadbot/internal/domain"
	"leadbot/internal/httpx"
	"leadbot/internal/logging"
	"leadbot/internal/metrics"
)

const defaultWhatsAppAPIBase = "https://graph.facebook.com/v21.0"

// WhatsApp implements domain.Channel for the WhatsApp Business Cloud API.
type WhatsApp struct {
	cfg     config.WhatsAppConfig
	apiBase string
	bus     domain.MessageBus
	client  *http.Client
	retrier *httpx.Retrier
	logger  *slog.Logger
	mux     *http.ServeMux
}

type WhatsAppChannelConfig struct {
	Config     config.WhatsAppConfig
	HTTPClient *http.Client
	Retrier    *httpx.Retrier
	Logger     *slog.Logger
}

func NewWhatsApp(cfg WhatsAppChannelConfig) *WhatsApp {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpx.SharedHTTPClient(30 * time.Second)
	}
	if cfg.Retrier == nil {
		cfg.Retrier = httpx.NewRetrier(httpx.DefaultMaxAttempts, httpx.DefaultBaseDelay, cfg.Logger)
	}
	if cfg.Config.WebhookPath == "" {
		cfg.Config.WebhookPath = "/webhook/whatsapp"
	}
	apiBase := cfg.Config.APIBase
	if apiBase == "" {
		apiBase = defaultWhatsAppAPIBase
	}
	w := &WhatsApp{
		cfg:     cfg.Config,
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  cfg.HTTPClient,
		retrier: cfg.Retrier,
		logger:  cfg.Logger.With(logging.Channel("whatsapp")),
		mux:     http.NewServeMux(),
	}
	w.mux.HandleFunc("GET /", w.handleVerification)
	w.mux.HandleFunc("POST /", w.handleIncoming)
	return w
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// Start attaches the bus; inbound traffic arrives through Handler.
func (w *WhatsApp) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus
	w.logger.Info("whatsapp channel ready", logging.Path(w.cfg.WebhookPath))
	return nil
}

func (w *WhatsApp) Stop() error { return nil }

func (w *WhatsApp) WebhookPath() string { return w.cfg.WebhookPath }

// Handler returns the HTTP handler for the WhatsApp webhook, to be mounted
// at WebhookPath on the main router.
func (w *WhatsApp) Handler() http.Handler { return w.mux }

// --- Webhook handlers ---

// handleVerification answers the subscription challenge sent by Meta.
func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && w.cfg.VerifyToken != "" && token == w.cfg.VerifyToken {
		w.logger.Info("whatsapp webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	w.logger.Warn("whatsapp webhook verification failed")
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (w *WhatsApp) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	if w.cfg.AppSecret != "" && !verifyHMAC(body, w.cfg.AppSecret, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid signature")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", logging.Err(err))
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	if w.bus == nil {
		http.Error(rw, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				in, ok := w.toInbound(msg)
				if !ok {
					continue
				}
				in.ContactName = names[msg.From]
				metrics.InboundMessages.WithLabelValues("whatsapp", string(in.Type)).Inc()
				w.logger.Info("whatsapp message received", logging.Type(string(in.Type)), logging.TextLen(len(in.Content)))
				w.bus.Publish(in)
			}
		}
	}

	rw.WriteHeader(http.StatusOK)
}

func (w *WhatsApp) toInbound(msg waMessage) (domain.InboundMessage, bool) {
	in := domain.InboundMessage{
		Channel:    "whatsapp",
		From:       msg.From,
		ProviderID: msg.ID,
		Timestamp:  parseUnix(msg.Timestamp),
	}
	var media *waMedia
	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return in, false
		}
		in.Type = domain.TypeText
		in.Content = msg.Text.Body
		return in, true
	case "image":
		in.Type, media = domain.TypeImage, msg.Image
	case "audio", "voice":
		in.Type, media = domain.TypeAudio, msg.Audio
	default:
		return in, false
	}
	if media == nil {
		return in, false
	}
	in.Content = media.Caption
	// Media URLs only download with the access token; keep the media id.
	in.MediaURL = whatsappMediaRef + media.ID
	return in, media.ID != ""
}

// FetchMedia downloads media recorded as a "wa-media:" reference.
func (w *WhatsApp) FetchMedia(ctx context.Context, ref string) (*domain.Media, error) {
	mediaID, ok := strings.CutPrefix(ref, whatsappMediaRef)
	if !ok || mediaID == "" {
		return nil, fmt.Errorf("whatsapp: not a media reference: %q", ref)
	}
	url, mime, err := w.mediaURL(ctx, mediaID)
	if err != nil {
		return nil, fmt.Errorf("whatsapp media lookup: %w", err)
	}
	media, err := download(ctx, w.client, url, w.cfg.AccessToken, mime)
	if err != nil {
		return nil, fmt.Errorf("whatsapp %w", err)
	}
	return media, nil
}

// mediaURL resolves a media id to its download URL and MIME type.
func (w *WhatsApp) mediaURL(ctx context.Context, mediaID string) (string, string, error) {
	resp, err := w.retrier.Do(ctx, w.client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.apiBase+"/"+mediaID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
		return req, nil
	})
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var media struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&media); err != nil {
		return "", "", fmt.Errorf("decode media: %w", err)
	}
	if media.URL == "" {
		return "", "", errors.New("media has no url")
	}
	return media.URL, media.MimeType, nil
}

// Send delivers one text message via the Cloud API.
func (w *WhatsApp) Send(ctx context.Context, to string, text string) (*domain.SendResult, error) {
	url := fmt.Sprintf("%s/%s/messages", w.apiBase, w.cfg.PhoneNumberID)

	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": text, "preview_url": false},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := w.retrier.Send(ctx, w.client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	var out waSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("whatsapp send: decode response: %w", err)
	}
	result := &domain.SendResult{Channel: w.Name(), Status: "accepted"}
	if len(out.Messages) > 0 {
		result.MessageID = out.Messages[0].ID
		if out.Messages[0].MessageStatus != "" {
			result.Status = out.Messages[0].MessageStatus
		}
	}
	return result, nil
}

// --- WhatsApp payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Text      *waText  `json:"text,omitempty"`
	Image     *waMedia `json:"image,omitempty"`
	Audio     *waMedia `json:"audio,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
}

type waSendResponse struct {
	Messages []struct {
		ID            string `json:"id"`
		MessageStatus string `json:"message_status,omitempty"`
	} `json:"messages"`
}
