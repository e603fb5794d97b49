package processor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/internal/bus"
	"leadbot/internal/conversation"
	"leadbot/internal/delivery"
	"leadbot/internal/domain"
	"leadbot/internal/memory"
)

type fakeThreads struct {
	mu       sync.Mutex
	created  int
	appended map[string][][]domain.ContentPart
	reply    func(threadID string) (string, error)
	inflight map[string]int
	maxSeen  int
}

func newFakeThreads(reply func(string) (string, error)) *fakeThreads {
	return &fakeThreads{
		appended: make(map[string][][]domain.ContentPart),
		inflight: make(map[string]int),
		reply:    reply,
	}
}

func (f *fakeThreads) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("thread_%d", f.created), nil
}

func (f *fakeThreads) AppendMessage(_ context.Context, threadID string, parts []domain.ContentPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended[threadID] = append(f.appended[threadID], parts)
	return nil
}

func (f *fakeThreads) Run(_ context.Context, threadID string) (string, error) {
	f.mu.Lock()
	f.inflight[threadID]++
	f.maxSeen = max(f.maxSeen, f.inflight[threadID])
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.inflight[threadID]--
	f.mu.Unlock()
	return f.reply(threadID)
}

type fakeSender struct {
	name   string
	failAt int

	mu    sync.Mutex
	sends []string
	to    []string
}

func (s *fakeSender) Name() string { return s.name }

func (s *fakeSender) Send(_ context.Context, to, text string) (*domain.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.sends)+1 == s.failAt {
		return nil, errors.New("provider rejected message")
	}
	s.sends = append(s.sends, text)
	s.to = append(s.to, to)
	return &domain.SendResult{Channel: s.name, MessageID: fmt.Sprint(len(s.sends))}, nil
}

type harness struct {
	proc    *Processor
	store   *memory.SQLStore
	threads *fakeThreads
	sender  *fakeSender
}

func newHarness(t *testing.T, reply func(string) (string, error), concurrency int) *harness {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "leadbot.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	threads := newFakeThreads(reply)
	sender := &fakeSender{name: "whatsapp"}

	return &harness{
		proc: New(Config{
			Store:       store,
			Threads:     threads,
			Routes:      map[string]Route{"whatsapp": route(store, threads, sender, nil)},
			Concurrency: concurrency,
		}),
		store:   store,
		threads: threads,
		sender:  sender,
	}
}

func route(store domain.ConversationStore, threads domain.ThreadClient, sender domain.Sender, media domain.MediaSource) Route {
	return Route{
		Adapter: conversation.NewAdapter(conversation.AdapterConfig{
			Store:   store,
			Threads: threads,
			Channel: sender.Name(),
		}),
		Pacer: delivery.NewPacer(delivery.PacerConfig{Sender: sender, NoDelay: true}),
		Media: media,
	}
}

func constReply(s string) func(string) (string, error) {
	return func(string) (string, error) { return s, nil }
}

func inbound(text string) domain.InboundMessage {
	return domain.InboundMessage{
		Channel:     "whatsapp",
		From:        "5511999990000",
		ContactName: "Ana",
		Content:     text,
		Type:        domain.TypeText,
	}
}

func TestHandle_DeliversSegmentedReply(t *testing.T) {
	h := newHarness(t, constReply("Olá, Ana!\n# Planos\nTemos três planos disponíveis."), 1)
	ctx := context.Background()

	res, err := h.proc.Handle(ctx, inbound("quero saber os preços"))
	require.NoError(t, err)

	assert.Equal(t, []string{"Olá, Ana!", "# Planos\nTemos três planos disponíveis."}, h.sender.sends)
	assert.Equal(t, []string{"5511999990000", "5511999990000"}, h.sender.to)
	assert.Equal(t, 2, res.Report.Delivered)
	assert.Equal(t, 1, h.threads.created)
	assert.Equal(t, [][]domain.ContentPart{{domain.TextPart("quero saber os preços")}}, h.threads.appended["thread_1"])

	msgs, err := h.store.GetMessages(ctx, res.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleContact, msgs[0].Sender)
	assert.Equal(t, domain.RoleAgent, msgs[1].Sender)
	assert.Equal(t, "Olá, Ana!\n# Planos\nTemos três planos disponíveis.", msgs[1].Content, "reply is stored whole")

	// A second message reuses conversation and thread.
	res2, err := h.proc.Handle(ctx, inbound("e o plano anual?"))
	require.NoError(t, err)
	assert.Equal(t, res.ConversationID, res2.ConversationID)
	assert.Equal(t, 1, h.threads.created)
	assert.Len(t, h.threads.appended["thread_1"], 2)
}

func TestHandle_EmptyReplySendsNothing(t *testing.T) {
	h := newHarness(t, constReply("  \n "), 1)
	ctx := context.Background()

	res, err := h.proc.Handle(ctx, inbound("oi"))
	require.NoError(t, err)
	assert.Empty(t, h.sender.sends)
	assert.Nil(t, res.Report)

	msgs, err := h.store.GetMessages(ctx, res.ConversationID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "only the inbound message is stored")
}

func TestHandle_PartialDelivery(t *testing.T) {
	h := newHarness(t, constReply("Primeiro.\n# Segundo\n# Terceiro"), 1)
	h.sender.failAt = 2

	res, err := h.proc.Handle(context.Background(), inbound("oi"))
	require.Error(t, err)

	var de *domain.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Delivered)
	assert.Equal(t, 3, de.Total)
	assert.True(t, de.Partial())
	assert.ErrorIs(t, err, domain.ErrDelivery)
	assert.Equal(t, []string{"Primeiro."}, h.sender.sends)

	msgs, err := h.store.GetMessages(context.Background(), res.ConversationID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "reply was stored before delivery")
}

func TestHandle_RunFailure(t *testing.T) {
	h := newHarness(t, func(string) (string, error) {
		return "", fmt.Errorf("%w: run failed", domain.ErrAssistantRun)
	}, 1)

	_, err := h.proc.Handle(context.Background(), inbound("oi"))

	assert.ErrorIs(t, err, domain.ErrAssistantRun)
	assert.Empty(t, h.sender.sends)
}

func TestHandle_ImageMessage(t *testing.T) {
	h := newHarness(t, constReply("Recebi a foto!"), 1)
	msg := inbound("olha esse")
	msg.Type = domain.TypeImage
	msg.MediaURL = "https://cdn.example.com/a.jpg"

	res, err := h.proc.Handle(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, [][]domain.ContentPart{{
		domain.ImagePart("https://cdn.example.com/a.jpg"),
		domain.TextPart("olha esse"),
	}}, h.threads.appended["thread_1"])

	msgs, err := h.store.GetMessages(context.Background(), res.ConversationID, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeImage, msgs[0].Type)
	assert.Equal(t, "https://cdn.example.com/a.jpg", msgs[0].MediaURL)
}

func TestHandle_RejectsUnknownType(t *testing.T) {
	h := newHarness(t, constReply("x"), 1)
	msg := inbound("oi")
	msg.Type = "sticker"

	_, err := h.proc.Handle(context.Background(), msg)

	assert.Error(t, err)
	assert.Zero(t, h.threads.created)
}

func TestRun_SerializesPerContact(t *testing.T) {
	h := newHarness(t, constReply("ok"), 4)
	b := bus.New(10, nil)

	for i := range 3 {
		b.Publish(inbound(fmt.Sprintf("mensagem %d", i)))
	}
	other := inbound("oi")
	other.From = "5511888880000"
	b.Publish(other)
	b.Close()

	done := make(chan struct{})
	go func() {
		h.proc.Run(context.Background(), b)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("processor did not stop after the bus closed")
	}

	assert.Equal(t, 1, h.threads.maxSeen, "runs on one thread must not overlap")
	assert.Equal(t, 2, h.threads.created)
	assert.Len(t, h.sender.sends, 4)
	total := 0
	for _, batches := range h.threads.appended {
		total += len(batches)
	}
	assert.Equal(t, 4, total)
}

func TestContentParts(t *testing.T) {
	tests := []struct {
		name string
		msg  domain.InboundMessage
		want []domain.ContentPart
	}{
		{"text", domain.InboundMessage{Type: domain.TypeText, Content: " oi "}, []domain.ContentPart{domain.TextPart("oi")}},
		{"blank text", domain.InboundMessage{Type: domain.TypeText, Content: "  "}, nil},
		{"image only", domain.InboundMessage{Type: domain.TypeImage, MediaURL: "u"}, []domain.ContentPart{domain.ImagePart("u")}},
		{"audio", domain.InboundMessage{Type: domain.TypeAudio, MediaURL: "u"}, []domain.ContentPart{domain.TextPart("[audio] u")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContentParts(tt.msg))
		})
	}
}

func TestHandle_RepliesOnInboundChannel(t *testing.T) {
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "leadbot.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	threads := newFakeThreads(constReply("Olá!"))
	wa := &fakeSender{name: "whatsapp"}
	tg := &fakeSender{name: "telegram"}
	proc := New(Config{
		Store:   store,
		Threads: threads,
		Routes: map[string]Route{
			"whatsapp": route(store, threads, wa, nil),
			"telegram": route(store, threads, tg, nil),
		},
	})
	ctx := context.Background()

	msg := inbound("oi")
	msg.Channel = "telegram"
	msg.From = "123456789"
	_, err = proc.Handle(ctx, msg)
	require.NoError(t, err)
	_, err = proc.Handle(ctx, inbound("oi"))
	require.NoError(t, err)

	assert.Equal(t, []string{"123456789"}, tg.to)
	assert.Equal(t, []string{"5511999990000"}, wa.to)

	for _, tc := range []struct{ channel, address string }{
		{"telegram", "123456789"},
		{"whatsapp", "5511999990000"},
	} {
		contact, err := store.FindContact(ctx, tc.channel, tc.address)
		require.NoError(t, err)
		conv, err := store.FindConversationByContact(ctx, contact.ID)
		require.NoError(t, err)
		require.NotNil(t, conv)
		assert.Equal(t, tc.channel, conv.Channel)
	}
}

func TestHandle_UnroutedChannel(t *testing.T) {
	h := newHarness(t, constReply("x"), 1)
	msg := inbound("oi")
	msg.Channel = "telegram"

	_, err := h.proc.Handle(context.Background(), msg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route")
	assert.Zero(t, h.threads.created)
	assert.Empty(t, h.sender.sends)
}

type fakeMedia struct {
	refs []string
	err  error
}

func (m *fakeMedia) FetchMedia(_ context.Context, ref string) (*domain.Media, error) {
	m.refs = append(m.refs, ref)
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Media{ContentType: "image/png", Data: []byte("png")}, nil
}

func TestHandle_InlinesReferencedMedia(t *testing.T) {
	h := newHarness(t, constReply("Bonita foto!"), 1)
	media := &fakeMedia{}
	r := h.proc.routes["whatsapp"]
	r.Media = media
	h.proc.routes["whatsapp"] = r

	msg := inbound("olha")
	msg.Type = domain.TypeImage
	msg.MediaURL = "wa-media:987"

	res, err := h.proc.Handle(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, []string{"wa-media:987"}, media.refs)
	assert.Equal(t, [][]domain.ContentPart{{
		domain.ImagePart("data:image/png;base64,cG5n"),
		domain.TextPart("olha"),
	}}, h.threads.appended["thread_1"])

	msgs, err := h.store.GetMessages(context.Background(), res.ConversationID, 10)
	require.NoError(t, err)
	assert.Equal(t, "wa-media:987", msgs[0].MediaURL, "the reference is stored, not the download")
}

func TestHandle_MediaFetchFailureKeepsText(t *testing.T) {
	h := newHarness(t, constReply("Não consegui ver a imagem."), 1)
	r := h.proc.routes["whatsapp"]
	r.Media = &fakeMedia{err: errors.New("HTTP 404")}
	h.proc.routes["whatsapp"] = r

	msg := inbound("e essa?")
	msg.Type = domain.TypeImage
	msg.MediaURL = "wa-media:404"

	_, err := h.proc.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, [][]domain.ContentPart{{domain.TextPart("e essa?")}}, h.threads.appended["thread_1"])
	assert.Len(t, h.sender.sends, 1)
}

func TestIsFetchableURL(t *testing.T) {
	assert.True(t, IsFetchableURL("https://cdn.example.com/a.jpg"))
	assert.True(t, IsFetchableURL("data:image/png;base64,AA=="))
	assert.False(t, IsFetchableURL("tg-file:AgACAgQ"))
	assert.False(t, IsFetchableURL("wa-media:987"))
}
