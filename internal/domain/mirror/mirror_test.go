package mirror_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"tg-backup/internal/adapters/telegram/gateway"
	"tg-backup/internal/domain/filters"
	"tg-backup/internal/domain/mirror"
	"tg-backup/internal/domain/settings"
	"tg-backup/internal/store"
)

// fakeSender подменяет шлюз и записывает вызовы.
type fakeSender struct {
	forwardCalls int
	copyCalls    int
	albumCalls   int
	spoilerCalls int

	forwardErr error
	copyErr    error
	nextID     int64
}

func (f *fakeSender) Forward(_ context.Context, _, _ gateway.Peer, ids []int64) (map[int64]int64, error) {
	f.forwardCalls++
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	out := make(map[int64]int64, len(ids))
	for _, id := range ids {
		f.nextID++
		out[id] = f.nextID
	}
	return out, nil
}

func (f *fakeSender) CopyMessage(_ context.Context, _, _ gateway.Peer, msg gateway.Message) (int64, error) {
	f.copyCalls++
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	if msg.HasMedia {
		return 0, gateway.ErrNotCopyable
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeSender) CopyAlbum(_ context.Context, _, _ gateway.Peer, msgs []gateway.Message) (map[int64]int64, error) {
	f.albumCalls++
	out := make(map[int64]int64, len(msgs))
	for _, msg := range msgs {
		f.nextID++
		out[msg.ID] = f.nextID
	}
	return out, nil
}

func (f *fakeSender) SetSpoiler(context.Context, gateway.Peer, int64, gateway.Message) error {
	f.spoilerCalls++
	return nil
}

// fakeMappings — журнал в памяти с правилами конфликта, повторяющими схему.
type fakeMappings struct {
	rows map[[2]int64]*store.MessageMapping
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{rows: make(map[[2]int64]*store.MessageMapping)}
}

func (f *fakeMappings) Get(_ context.Context, channelID, messageID int64) (*store.MessageMapping, error) {
	row, ok := f.rows[[2]int64{channelID, messageID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (f *fakeMappings) Upsert(_ context.Context, m *store.MessageMapping) (*store.MessageMapping, error) {
	key := [2]int64{m.SourceChannelID, m.SourceMessageID}
	existing, ok := f.rows[key]
	if !ok {
		clone := *m
		if m.Status == store.MappingFailed {
			clone.RetryCount = 1
		}
		f.rows[key] = &clone
		return &clone, nil
	}
	if existing.Status != store.MappingSuccess {
		existing.Status = m.Status
	}
	if existing.MirrorMessageID == nil {
		existing.MirrorMessageID = m.MirrorMessageID
	}
	if existing.MirroredAt == nil {
		existing.MirroredAt = m.MirroredAt
	}
	existing.ErrorMessage = m.ErrorMessage
	existing.SkipReason = m.SkipReason
	if m.Status == store.MappingFailed {
		existing.RetryCount++
	}
	clone := *existing
	return &clone, nil
}

// fakeEvents копит записи журнала событий.
type fakeEvents struct {
	messages []string
	levels   []store.EventLevel
}

func (f *fakeEvents) Append(_ context.Context, _ *int64, level store.EventLevel, message string) error {
	f.levels = append(f.levels, level)
	f.messages = append(f.messages, message)
	return nil
}

// directLimiter вызывает операцию без темпа и ретраев.
type directLimiter struct{}

func (directLimiter) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return op(ctx)
}

type mapLoader map[string]json.RawMessage

func (l mapLoader) All(context.Context) (map[string]json.RawMessage, error) { return l, nil }

func testSettings(overrides mapLoader) *settings.Cache {
	if overrides == nil {
		overrides = mapLoader{}
	}
	return settings.NewCache(overrides)
}

func ptr[T any](v T) *T { return &v }

func testChannel() *store.SourceChannel {
	return &store.SourceChannel{
		ID:         7,
		TelegramID: ptr[int64](1000123),
		AccessHash: ptr[int64](555),
		FilterMode: store.FilterDisabled,
	}
}

func testTarget() *store.MirrorChannel {
	return &store.MirrorChannel{
		ID:              3,
		SourceChannelID: 7,
		TelegramID:      ptr[int64](2000456),
		AccessHash:      ptr[int64](777),
	}
}

func textMessage(id int64, text string) gateway.Message {
	return gateway.Message{ID: id, Text: text, Date: time.Now().UTC(), Type: store.TypeText}
}

func newMirror(sender *fakeSender, mappings *fakeMappings, overrides mapLoader) *mirror.Mirror {
	return mirror.New(sender, mappings, filters.New(nil), testSettings(overrides), directLimiter{}, nil)
}

func TestDuplicateGuard(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	mappings := newFakeMappings()
	mappings.rows[[2]int64{7, 42}] = &store.MessageMapping{
		SourceChannelID: 7, SourceMessageID: 42,
		Status: store.MappingSuccess, MirrorMessageID: ptr[int64](99),
	}
	m := newMirror(sender, mappings, nil)

	sum, err := m.Deliver(context.Background(), testChannel(), testTarget(),
		[]gateway.Message{textMessage(42, "уже есть")})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sum.Noop != 1 || sum.Success != 0 {
		t.Fatalf("Summary = %+v, want Noop=1", sum)
	}
	if sender.forwardCalls != 0 {
		t.Fatal("дубликат не должен вызывать шлюз")
	}
}

func TestForwardSuccess(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	mappings := newFakeMappings()
	m := newMirror(sender, mappings, nil)

	sum, err := m.Deliver(context.Background(), testChannel(), testTarget(),
		[]gateway.Message{textMessage(10, "привет")})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sum.Success != 1 {
		t.Fatalf("Summary = %+v, want Success=1", sum)
	}
	row, _ := mappings.Get(context.Background(), 7, 10)
	if row.Status != store.MappingSuccess || row.MirrorMessageID == nil {
		t.Fatalf("row = %+v, want success с mirror id", row)
	}
}

func TestSkipDecisions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		channel   func() *store.SourceChannel
		msg       gateway.Message
		overrides mapLoader
		want      store.SkipReason
	}{
		{
			name: "protectedContent",
			channel: func() *store.SourceChannel {
				c := testChannel()
				c.IsProtected = true
				return c
			},
			msg:  textMessage(1, "текст"),
			want: store.SkipProtectedContent,
		},
		{
			name:    "fileTooLarge",
			channel: testChannel,
			msg: gateway.Message{
				ID: 2, Type: store.TypeDocument, HasMedia: true,
				FileSize: 200 * 1024 * 1024, Date: time.Now(),
			},
			want: store.SkipFileTooLarge,
		},
		{
			name:    "unsupportedType",
			channel: testChannel,
			msg:     gateway.Message{ID: 3, Type: store.TypeOther, Date: time.Now()},
			want:    store.SkipUnsupportedType,
		},
		{
			name:    "videoDisabled",
			channel: testChannel,
			msg:     gateway.Message{ID: 4, Type: store.TypeVideo, HasMedia: true, Date: time.Now()},
			overrides: mapLoader{
				settings.KeyMirrorVideos: json.RawMessage("false"),
			},
			want: store.SkipUnsupportedType,
		},
		{
			name: "filtered",
			channel: func() *store.SourceChannel {
				c := testChannel()
				c.FilterMode = store.FilterCustom
				c.FilterKeywords = "реклама"
				return c
			},
			msg:  textMessage(5, "сплошная РЕКЛАМА"),
			want: store.SkipFiltered,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sender := &fakeSender{}
			mappings := newFakeMappings()
			m := newMirror(sender, mappings, tc.overrides)

			sum, err := m.Deliver(context.Background(), tc.channel(), testTarget(),
				[]gateway.Message{tc.msg})
			if err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			if sum.Skipped != 1 {
				t.Fatalf("Summary = %+v, want Skipped=1", sum)
			}
			row, _ := mappings.Get(context.Background(), 7, tc.msg.ID)
			if row.Status != store.MappingSkipped || row.SkipReason == nil || *row.SkipReason != tc.want {
				t.Fatalf("row = %+v, want skipped/%s", row, tc.want)
			}
			if sender.forwardCalls+sender.copyCalls != 0 {
				t.Fatal("пропуск не должен вызывать шлюз")
			}
		})
	}
}

func TestSkipWritesOperatorEvent(t *testing.T) {
	t.Parallel()

	events := &fakeEvents{}
	channel := testChannel()
	channel.IsProtected = true
	m := mirror.New(&fakeSender{}, newFakeMappings(), filters.New(nil),
		testSettings(nil), directLimiter{}, events)

	sum, err := m.Deliver(context.Background(), channel, testTarget(),
		[]gateway.Message{textMessage(1, "текст")})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sum.Skipped != 1 {
		t.Fatalf("Summary = %+v, want Skipped=1", sum)
	}
	if len(events.messages) != 1 {
		t.Fatalf("events = %v, want одна запись о пропуске", events.messages)
	}
	if events.levels[0] != store.LevelWarn {
		t.Fatalf("level = %s, want warn", events.levels[0])
	}
	if !strings.Contains(events.messages[0], string(store.SkipProtectedContent)) {
		t.Fatalf("message = %q, want причину %s", events.messages[0], store.SkipProtectedContent)
	}
}

func TestMessageLevelFailureRecorded(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{forwardErr: errors.New("MSG_ID_INVALID")}
	mappings := newFakeMappings()
	m := newMirror(sender, mappings, nil)

	sum, err := m.Deliver(context.Background(), testChannel(), testTarget(),
		[]gateway.Message{textMessage(20, "не уйдёт")})
	if err != nil {
		t.Fatalf("Deliver: ошибка уровня сообщения не должна всплывать: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("Summary = %+v, want Failed=1", sum)
	}
	row, _ := mappings.Get(context.Background(), 7, 20)
	if row.Status != store.MappingFailed || row.RetryCount != 1 {
		t.Fatalf("row = %+v, want failed retry_count=1", row)
	}
}

func TestFatalErrorPropagates(t *testing.T) {
	t.Parallel()

	fatal := &gateway.FatalError{Code: "AUTH_KEY_UNREGISTERED", Err: errors.New("rpc")}
	sender := &fakeSender{forwardErr: fatal}
	m := newMirror(sender, newFakeMappings(), nil)

	_, err := m.Deliver(context.Background(), testChannel(), testTarget(),
		[]gateway.Message{textMessage(30, "x")})
	var got *gateway.FatalError
	if !errors.As(err, &got) {
		t.Fatalf("Deliver = %v, want FatalError", err)
	}
}

func TestCopyFallsBackToText(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	mappings := newFakeMappings()
	m := newMirror(sender, mappings, mapLoader{
		settings.KeyDefaultMirrorMode: json.RawMessage(`"copy"`),
	})

	msg := gateway.Message{
		ID: 50, Text: "подпись", Date: time.Now().UTC(),
		Type: store.TypePhoto, HasMedia: true,
	}
	sum, err := m.Deliver(context.Background(), testChannel(), testTarget(),
		[]gateway.Message{msg})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sum.Success != 1 {
		t.Fatalf("Summary = %+v, want Success=1", sum)
	}
	// Первая попытка с медиа, вторая — текстовый фолбэк.
	if sender.copyCalls != 2 {
		t.Fatalf("copyCalls = %d, want 2", sender.copyCalls)
	}
}

func TestAlbumDeliveredAtomically(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	mappings := newFakeMappings()
	m := newMirror(sender, mappings, nil)

	group := []gateway.Message{
		{ID: 60, GroupedID: 9, Type: store.TypePhoto, HasMedia: true, Date: time.Now()},
		{ID: 61, GroupedID: 9, Type: store.TypePhoto, HasMedia: true, Date: time.Now()},
		{ID: 62, GroupedID: 9, Type: store.TypePhoto, HasMedia: true, Date: time.Now()},
	}
	sum, err := m.Deliver(context.Background(), testChannel(), testTarget(), group)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sum.Success != 3 {
		t.Fatalf("Summary = %+v, want Success=3", sum)
	}
	if sender.forwardCalls != 1 {
		t.Fatalf("forwardCalls = %d, want 1 (альбом одним вызовом)", sender.forwardCalls)
	}
}
