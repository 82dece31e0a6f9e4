package realtime_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"tg-backup/internal/adapters/telegram/gateway"
	"tg-backup/internal/domain/mirror"
	"tg-backup/internal/domain/realtime"
	"tg-backup/internal/domain/settings"
	"tg-backup/internal/store"
)

type fakeChannels struct {
	mu      sync.Mutex
	active  []store.SourceChannel
	touched map[int64]int64
}

func (f *fakeChannels) ListActiveResolved(context.Context) ([]store.SourceChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.SourceChannel(nil), f.active...), nil
}

func (f *fakeChannels) GetByTelegramID(_ context.Context, telegramID int64) (*store.SourceChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.active {
		if f.active[i].TelegramID != nil && *f.active[i].TelegramID == telegramID {
			clone := f.active[i]
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeChannels) TouchRealtime(_ context.Context, id, lastMessageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touched == nil {
		f.touched = make(map[int64]int64)
	}
	if lastMessageID > f.touched[id] {
		f.touched[id] = lastMessageID
	}
	return nil
}

type fakeMirrors struct {
	rows map[int64]*store.MirrorChannel
}

func (f *fakeMirrors) GetBySource(_ context.Context, id int64) (*store.MirrorChannel, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

type editRec struct {
	messageID   int64
	text        string
	keepHistory bool
}

type fakeMappings struct {
	mu      sync.Mutex
	edits   []editRec
	deleted []int64
}

func (f *fakeMappings) RecordEdit(_ context.Context, _, messageID int64,
	newText string, _ time.Time, keepHistory bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editRec{messageID: messageID, text: newText, keepHistory: keepHistory})
	return nil
}

func (f *fakeMappings) MarkDeleted(_ context.Context, _ int64, ids []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return int64(len(ids)), nil
}

type fakeEvents struct{}

func (fakeEvents) Append(context.Context, *int64, store.EventLevel, string) error { return nil }

type fakeGateway struct {
	mu     sync.Mutex
	joined []int64

	onNew    func(ctx context.Context, channelID int64, msg gateway.Message)
	onEdit   func(ctx context.Context, channelID int64, msg gateway.Message)
	onDelete func(ctx context.Context, channelID int64, ids []int64)
}

func (f *fakeGateway) JoinChannel(_ context.Context, peer gateway.Peer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, peer.ID)
	return nil
}

func (f *fakeGateway) OnNewChannelMessage(fn func(ctx context.Context, channelID int64, msg gateway.Message)) {
	f.onNew = fn
}

func (f *fakeGateway) OnEditChannelMessage(fn func(ctx context.Context, channelID int64, msg gateway.Message)) {
	f.onEdit = fn
}

func (f *fakeGateway) OnDeleteChannelMessages(fn func(ctx context.Context, channelID int64, ids []int64)) {
	f.onDelete = fn
}

type fakeDeliver struct {
	mu      sync.Mutex
	batches [][]int64
	ctxErrs []error
}

func (f *fakeDeliver) Deliver(ctx context.Context, _ *store.SourceChannel,
	_ *store.MirrorChannel, msgs []gateway.Message) (mirror.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	f.batches = append(f.batches, ids)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return mirror.Summary{Success: len(msgs)}, nil
}

type mapLoader map[string]json.RawMessage

func (l mapLoader) All(context.Context) (map[string]json.RawMessage, error) { return l, nil }

func ptr[T any](v T) *T { return &v }

type fixture struct {
	channels *fakeChannels
	mirrors  *fakeMirrors
	mappings *fakeMappings
	gw       *fakeGateway
	deliver  *fakeDeliver
	manager  *realtime.Manager
}

func newFixture(t *testing.T, values mapLoader) *fixture {
	t.Helper()

	channel := store.SourceChannel{
		ID: 1, ChannelIdentifier: "@source", IsActive: true,
		TelegramID: ptr[int64](1000123), AccessHash: ptr[int64](42),
	}
	f := &fixture{
		channels: &fakeChannels{active: []store.SourceChannel{channel}},
		mirrors: &fakeMirrors{rows: map[int64]*store.MirrorChannel{
			1: {ID: 5, SourceChannelID: 1, TelegramID: ptr[int64](2000456), AccessHash: ptr[int64](77)},
		}},
		mappings: &fakeMappings{},
		gw:       &fakeGateway{},
		deliver:  &fakeDeliver{},
	}
	f.manager = realtime.New(realtime.Options{
		Channels:    f.channels,
		Mirrors:     f.mirrors,
		Mappings:    f.mappings,
		Events:      fakeEvents{},
		Gateway:     f.gw,
		Mirror:      f.deliver,
		Settings:    settings.NewCache(values),
		AlbumSettle: 30 * time.Millisecond,
	})
	return f
}

func TestReconcileJoinsActiveChannels(t *testing.T) {
	t.Parallel()

	f := newFixture(t, mapLoader{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.manager.Start(ctx)
	defer f.manager.Stop()

	f.gw.mu.Lock()
	joined := append([]int64(nil), f.gw.joined...)
	f.gw.mu.Unlock()
	if len(joined) != 1 || joined[0] != 1000123 {
		t.Fatalf("joined = %v, want [1000123]", joined)
	}
}

func TestNewMessageMirrored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, mapLoader{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.manager.Start(ctx)
	defer f.manager.Stop()

	f.gw.onNew(ctx, 1000123, gateway.Message{ID: 7, Text: "привет", Type: store.TypeText})

	if len(f.deliver.batches) != 1 || f.deliver.batches[0][0] != 7 {
		t.Fatalf("batches = %v, want [[7]]", f.deliver.batches)
	}
	if f.channels.touched[1] != 7 {
		t.Fatalf("touched = %v, want {1: 7}", f.channels.touched)
	}
}

func TestUnknownChannelIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, mapLoader{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.manager.Start(ctx)
	defer f.manager.Stop()

	f.gw.onNew(ctx, 999, gateway.Message{ID: 1, Type: store.TypeText})

	if len(f.deliver.batches) != 0 {
		t.Fatalf("batches = %v, want пусто", f.deliver.batches)
	}
}

func TestAlbumPartsCoalesced(t *testing.T) {
	t.Parallel()

	f := newFixture(t, mapLoader{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.manager.Start(ctx)
	defer f.manager.Stop()

	f.gw.onNew(ctx, 1000123, gateway.Message{ID: 10, GroupedID: 9, Type: store.TypePhoto, HasMedia: true})
	f.gw.onNew(ctx, 1000123, gateway.Message{ID: 11, GroupedID: 9, Type: store.TypePhoto, HasMedia: true})

	// Отметка канала ставится последней, по ней и ждём завершения доставки.
	deadline := time.After(2 * time.Second)
	for {
		f.channels.mu.Lock()
		touched := f.channels.touched[1]
		f.channels.mu.Unlock()
		if touched == 11 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("альбом не доставлен после окна тишины")
		case <-time.After(10 * time.Millisecond):
		}
	}

	f.deliver.mu.Lock()
	defer f.deliver.mu.Unlock()
	if len(f.deliver.batches) != 1 || len(f.deliver.batches[0]) != 2 {
		t.Fatalf("batches = %v, want один альбом из двух частей", f.deliver.batches)
	}
}

func TestAlbumPartsDeliveredSinglyWhenGroupingOff(t *testing.T) {
	t.Parallel()

	f := newFixture(t, mapLoader{
		settings.KeyGroupMediaMessages: json.RawMessage(`false`),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.manager.Start(ctx)
	defer f.manager.Stop()

	f.gw.onNew(ctx, 1000123, gateway.Message{ID: 10, GroupedID: 9, Type: store.TypePhoto, HasMedia: true})
	f.gw.onNew(ctx, 1000123, gateway.Message{ID: 11, GroupedID: 9, Type: store.TypePhoto, HasMedia: true})

	// Склейка выключена: части уходят сразу, без окна тишины.
	f.deliver.mu.Lock()
	defer f.deliver.mu.Unlock()
	if len(f.deliver.batches) != 2 {
		t.Fatalf("batches = %v, want две одиночные доставки", f.deliver.batches)
	}
	if f.deliver.batches[0][0] != 10 || f.deliver.batches[1][0] != 11 {
		t.Fatalf("batches = %v, want [[10] [11]]", f.deliver.batches)
	}
}

func TestStopFlushesPendingAlbum(t *testing.T) {
	t.Parallel()

	f := newFixture(t, mapLoader{})
	// Длинное окно тишины: альбом гарантированно остаётся в буфере до Stop.
	f.manager = realtime.New(realtime.Options{
		Channels:    f.channels,
		Mirrors:     f.mirrors,
		Mappings:    f.mappings,
		Events:      fakeEvents{},
		Gateway:     f.gw,
		Mirror:      f.deliver,
		Settings:    settings.NewCache(mapLoader{}),
		AlbumSettle: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.manager.Start(ctx)

	f.gw.onNew(ctx, 1000123, gateway.Message{ID: 10, GroupedID: 9, Type: store.TypePhoto, HasMedia: true})
	f.gw.onNew(ctx, 1000123, gateway.Message{ID: 11, GroupedID: 9, Type: store.TypePhoto, HasMedia: true})

	// Процесс останавливается: контекст запуска уже отменён.
	cancel()
	f.manager.Stop()

	f.deliver.mu.Lock()
	defer f.deliver.mu.Unlock()
	if len(f.deliver.batches) != 1 || len(f.deliver.batches[0]) != 2 {
		t.Fatalf("batches = %v, want недосклеенный альбом одной доставкой", f.deliver.batches)
	}
	if f.deliver.ctxErrs[0] != nil {
		t.Fatalf("ctx доставки мёртв (%v), альбом не дошёл бы до зеркала", f.deliver.ctxErrs[0])
	}
}

func TestEditFollowsSetting(t *testing.T) {
	t.Parallel()

	t.Run("выключено по умолчанию", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, mapLoader{})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.manager.Start(ctx)
		defer f.manager.Stop()

		f.gw.onEdit(ctx, 1000123, gateway.Message{ID: 7, Text: "новый текст"})
		if len(f.mappings.edits) != 0 {
			t.Fatalf("edits = %v, want пусто", f.mappings.edits)
		}
	})

	t.Run("включено", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, mapLoader{
			settings.KeySyncMessageEdits: json.RawMessage(`true`),
		})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.manager.Start(ctx)
		defer f.manager.Stop()

		f.gw.onEdit(ctx, 1000123, gateway.Message{ID: 7, Text: "новый текст"})
		if len(f.mappings.edits) != 1 {
			t.Fatalf("edits = %v, want одну запись", f.mappings.edits)
		}
		edit := f.mappings.edits[0]
		if edit.messageID != 7 || edit.text != "новый текст" || !edit.keepHistory {
			t.Fatalf("edit = %+v", edit)
		}
	})
}

func TestDeleteFollowsSetting(t *testing.T) {
	t.Parallel()

	t.Run("выключено по умолчанию", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, mapLoader{})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.manager.Start(ctx)
		defer f.manager.Stop()

		f.gw.onDelete(ctx, 1000123, []int64{7, 8})
		if len(f.mappings.deleted) != 0 {
			t.Fatalf("deleted = %v, want пусто", f.mappings.deleted)
		}
	})

	t.Run("включено", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, mapLoader{
			settings.KeySyncMessageDeletions: json.RawMessage(`true`),
		})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.manager.Start(ctx)
		defer f.manager.Stop()

		f.gw.onDelete(ctx, 1000123, []int64{7, 8})
		if len(f.mappings.deleted) != 2 {
			t.Fatalf("deleted = %v, want [7 8]", f.mappings.deleted)
		}
	})
}
