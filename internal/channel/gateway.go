package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// Gateway implements domain.Channel for WhatsApp-compatible HTTP gateways:
// sends are a JSON POST to a single endpoint, inbound messages arrive on a
// signed webhook.
type Gateway struct {
	name    string
	cfg     config.GatewayConfig
	bus     domain.MessageBus
	client  *http.Client
	retrier *httpx.Retrier
	logger  *slog.Logger
	mux     *http.ServeMux
}

type GatewayChannelConfig struct {
	Config     config.GatewayConfig
	HTTPClient *http.Client
	Retrier    *httpx.Retrier
	Logger     *slog.Logger
}

// GatewayPayload is the JSON body the gateway posts for each inbound message.
type GatewayPayload struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"` // text | image | audio (default text)
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
	// Timestamp is unix seconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

type gatewaySendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type gatewaySendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func NewGateway(cfg GatewayChannelConfig) *Gateway {
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
		cfg.Config.WebhookPath = "/webhook/gateway"
	}
	name := cfg.Config.Name
	if name == "" {
		name = "gateway"
	}
	g := &Gateway{
		name:    name,
		cfg:     cfg.Config,
		client:  cfg.HTTPClient,
		retrier: cfg.Retrier,
		logger:  cfg.Logger.With(logging.Channel(name)),
		mux:     http.NewServeMux(),
	}
	g.mux.HandleFunc("POST /", g.handleWebhook)
	return g
}

func (g *Gateway) Name() string { return g.name }

func (g *Gateway) Start(ctx context.Context, bus domain.MessageBus) error {
	g.bus = bus
	g.logger.Info("gateway channel ready", logging.Path(g.cfg.WebhookPath))
	return nil
}

func (g *Gateway) Stop() error { return nil }

func (g *Gateway) WebhookPath() string { return g.cfg.WebhookPath }

func (g *Gateway) Handler() http.Handler { return g.mux }

func (g *Gateway) Send(ctx context.Context, to string, text string) (*domain.SendResult, error) {
	if g.cfg.SendURL == "" {
		return nil, errors.New("gateway send: sendUrl not configured")
	}
	body, err := json.Marshal(gatewaySendRequest{Phone: to, Message: text})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := g.retrier.Send(ctx, g.client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.SendURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if g.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s send: %w", g.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%s send: read response: %w", g.name, err)
	}
	result := &domain.SendResult{Channel: g.name, Status: "sent"}
	var out gatewaySendResponse
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &out) == nil {
		if out.Error != "" {
			return nil, fmt.Errorf("%s send: %s", g.name, out.Error)
		}
		result.MessageID = out.ID
		if out.Status != "" {
			result.Status = out.Status
		}
	}
	return result, nil
}

func (g *Gateway) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if g.cfg.Secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, g.cfg.Secret, sig) {
			g.logger.Warn("gateway invalid signature")
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload GatewayPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.From == "" {
		http.Error(rw, "from is required", http.StatusBadRequest)
		return
	}
	msgType := domain.MessageType(strings.ToLower(payload.Type))
	if msgType == "" {
		msgType = domain.TypeText
	}
	if !msgType.Valid() {
		http.Error(rw, "unsupported type", http.StatusBadRequest)
		return
	}
	if msgType == domain.TypeText && strings.TrimSpace(payload.Text) == "" {
		http.Error(rw, "text is required", http.StatusBadRequest)
		return
	}
	if msgType != domain.TypeText && payload.MediaURL == "" {
		http.Error(rw, "mediaUrl is required", http.StatusBadRequest)
		return
	}
	if g.bus == nil {
		http.Error(rw, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	ts := time.Now()
	if payload.Timestamp > 0 {
		ts = time.Unix(payload.Timestamp, 0)
	}
	metrics.InboundMessages.WithLabelValues(g.name, string(msgType)).Inc()
	g.logger.Info("gateway message received", logging.Type(string(msgType)), logging.TextLen(len(payload.Text)))

	g.bus.Publish(domain.InboundMessage{
		Channel:     g.name,
		From:        payload.From,
		ContactName: payload.Name,
		Content:     payload.Text,
		Type:        msgType,
		MediaURL:    payload.MediaURL,
		ProviderID:  payload.ID,
		Timestamp:   ts,
	})

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{"status": "accepted"})
}
