// Package assistant talks to the OpenAI Assistants API: threads hold the
// conversation memory and runs produce the replies.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	openai "github.com/sashabaranov/go-openai"

	"leadbot/internal/domain"
	"leadbot/internal/httpx"
	"leadbot/internal/logging"
	"leadbot/internal/metrics"
)

const (
	defaultAPIBase      = "https://api.openai.com/v1"
	defaultPollInterval = time.Second
	defaultRunTimeout   = 2 * time.Minute
)

// OpenAI implements domain.ThreadClient.
type OpenAI struct {
	api          *openai.Client
	apiKey       string
	apiBase      string
	assistantID  string
	http         *http.Client
	retrier      *httpx.Retrier
	clock        clockwork.Clock
	pollInterval time.Duration
	runTimeout   time.Duration
	logger       *slog.Logger
}

type OpenAIConfig struct {
	APIKey       string
	APIBase      string
	AssistantID  string
	PollInterval time.Duration
	RunTimeout   time.Duration
	HTTPClient   *http.Client
	Retrier      *httpx.Retrier
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpx.SharedHTTPClient(60 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Retrier == nil {
		cfg.Retrier = httpx.NewRetrier(httpx.DefaultMaxAttempts, httpx.DefaultBaseDelay, cfg.Logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	apiBase := strings.TrimRight(cfg.APIBase, "/")

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = apiBase
	oc.HTTPClient = cfg.Retrier.Doer(cfg.HTTPClient)

	return &OpenAI{
		api:          openai.NewClientWithConfig(oc),
		apiKey:       cfg.APIKey,
		apiBase:      apiBase,
		assistantID:  cfg.AssistantID,
		http:         cfg.HTTPClient,
		retrier:      cfg.Retrier,
		clock:        cfg.Clock,
		pollInterval: cfg.PollInterval,
		runTimeout:   cfg.RunTimeout,
		logger:       cfg.Logger.With(logging.Component("assistant")),
	}
}

func (o *OpenAI) CreateThread(ctx context.Context) (string, error) {
	thread, err := o.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if thread.ID == "" {
		return "", errors.New("create thread: empty thread id")
	}
	return thread.ID, nil
}

// AppendMessage adds a user message to the thread. Plain text goes through
// the SDK; anything carrying an image is posted as a content-part array.
func (o *OpenAI) AppendMessage(ctx context.Context, threadID string, parts []domain.ContentPart) error {
	if len(parts) == 0 {
		return fmt.Errorf("%w: no content", domain.ErrThreadAppend)
	}
	if text, ok := textOnly(parts); ok {
		_, err := o.api.CreateMessage(ctx, threadID, openai.MessageRequest{
			Role:    "user",
			Content: text,
		})
		if err != nil {
			return fmt.Errorf("%w: append message: %w", domain.ErrThreadAppend, err)
		}
		return nil
	}
	return o.postParts(ctx, threadID, parts)
}

func textOnly(parts []domain.ContentPart) (string, bool) {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type != domain.PartText {
			return "", false
		}
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n"), true
}

type partPayload struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func (o *OpenAI) postParts(ctx context.Context, threadID string, parts []domain.ContentPart) error {
	payload := partPayload{Role: "user"}
	for _, p := range parts {
		switch p.Type {
		case domain.PartText:
			payload.Content = append(payload.Content, contentPart{Type: "text", Text: p.Text})
		case domain.PartImage:
			payload.Content = append(payload.Content, contentPart{Type: "image_url", ImageURL: &imageURL{URL: p.ImageURL}})
		default:
			return fmt.Errorf("%w: unsupported part type %q", domain.ErrThreadAppend, p.Type)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode parts: %w", domain.ErrThreadAppend, err)
	}

	url := o.apiBase + "/threads/" + threadID + "/messages"
	resp, err := o.retrier.Do(ctx, o.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
		req.Header.Set("OpenAI-Beta", "assistants=v2")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("%w: post parts: %w", domain.ErrThreadAppend, err)
	}
	resp.Body.Close()
	return nil
}

// Run starts a run for the configured assistant, waits for it to finish and
// returns the newest assistant text it produced.
func (o *OpenAI) Run(ctx context.Context, threadID string) (string, error) {
	if o.assistantID == "" {
		return "", fmt.Errorf("%w: assistant id not configured", domain.ErrAssistantRun)
	}
	start := o.clock.Now()
	defer func() { metrics.AssistantRunDuration.Observe(o.clock.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	run, err := o.api.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: o.assistantID})
	if err != nil {
		return "", fmt.Errorf("%w: create run: %w", domain.ErrAssistantRun, err)
	}

	for !terminal(run.Status) {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: run %s: %w", domain.ErrAssistantRun, run.Status, ctx.Err())
		case <-o.clock.After(o.pollInterval):
		}
		run, err = o.api.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return "", fmt.Errorf("%w: retrieve run: %w", domain.ErrAssistantRun, err)
		}
	}
	o.logger.Debug("run finished", logging.Status(string(run.Status)), logging.Duration(o.clock.Since(start)))

	if run.Status != openai.RunStatusCompleted {
		if run.LastError != nil && run.LastError.Message != "" {
			return "", fmt.Errorf("%w: run %s: %s", domain.ErrAssistantRun, run.Status, run.LastError.Message)
		}
		return "", fmt.Errorf("%w: run ended with status %s", domain.ErrAssistantRun, run.Status)
	}
	return o.latestReply(ctx, threadID, run.ID)
}

func terminal(s openai.RunStatus) bool {
	switch s {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		return false
	}
	return true
}

func (o *OpenAI) latestReply(ctx context.Context, threadID, runID string) (string, error) {
	limit := 20
	order := "desc"
	list, err := o.api.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", fmt.Errorf("%w: list messages: %w", domain.ErrAssistantRun, err)
	}
	for _, msg := range list.Messages {
		if msg.Role != "assistant" {
			continue
		}
		var sb strings.Builder
		for _, c := range msg.Content {
			if c.Text == nil {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(c.Text.Value)
		}
		return sb.String(), nil
	}
	return "", fmt.Errorf("%w: run produced no assistant message", domain.ErrAssistantRun)
}
