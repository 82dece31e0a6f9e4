package tasks_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"tg-backup/internal/adapters/telegram/gateway"
	"tg-backup/internal/domain/mirror"
	"tg-backup/internal/domain/settings"
	"tg-backup/internal/domain/tasks"
	"tg-backup/internal/infra/throttle"
	"tg-backup/internal/store"
)

// --- фейки зависимостей раннера ---

type pick struct {
	task    *store.SyncTask
	channel *store.SourceChannel
}

type fakeQueue struct {
	mu        sync.Mutex
	picks     []pick
	statuses  map[int64]store.TaskStatus
	completed []int64
	failed    map[int64]string
	paused    map[int64]string
	enqueued  []store.TaskType
	progress  int
	done      chan struct{}
	doneOnce  sync.Once
}

func newFakeQueue(picks ...pick) *fakeQueue {
	return &fakeQueue{
		picks:    picks,
		statuses: make(map[int64]store.TaskStatus),
		failed:   make(map[int64]string),
		paused:   make(map[int64]string),
		done:     make(chan struct{}),
	}
}

func (q *fakeQueue) finish() { q.doneOnce.Do(func() { close(q.done) }) }

func (q *fakeQueue) PickNext(context.Context) (*store.SyncTask, *store.SourceChannel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.picks) == 0 {
		return nil, nil, nil
	}
	p := q.picks[0]
	q.picks = q.picks[1:]
	return p.task, p.channel, nil
}

func (q *fakeQueue) Enqueue(_ context.Context, _ int64, t store.TaskType) (*store.SyncTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, t)
	return &store.SyncTask{ID: 1000, Type: t}, nil
}

func (q *fakeQueue) Status(_ context.Context, id int64) (store.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.statuses[id]; ok {
		return st, nil
	}
	return store.TaskRunning, nil
}

func (q *fakeQueue) SetProgressTotal(context.Context, int64, int) error { return nil }

func (q *fakeQueue) UpdateProgress(context.Context, int64, int, int64, int, int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress++
	return nil
}

func (q *fakeQueue) MarkCompleted(_ context.Context, id int64) error {
	q.mu.Lock()
	q.completed = append(q.completed, id)
	q.mu.Unlock()
	q.finish()
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, id int64, msg string) error {
	q.mu.Lock()
	q.failed[id] = msg
	q.mu.Unlock()
	q.finish()
	return nil
}

func (q *fakeQueue) MarkPaused(_ context.Context, id int64, msg string) error {
	q.mu.Lock()
	q.paused[id] = msg
	q.mu.Unlock()
	q.finish()
	return nil
}

func (q *fakeQueue) RequeueStaleRunning(context.Context) (int64, error)   { return 0, nil }
func (q *fakeQueue) ResumeFloodWaitPaused(context.Context) (int64, error) { return 0, nil }

type fakeChannels struct {
	mu       sync.Mutex
	byID     map[int64]*store.SourceChannel
	statuses map[int64]store.SyncStatus
	synced   map[int64]int64
}

func newFakeChannels(channels ...*store.SourceChannel) *fakeChannels {
	f := &fakeChannels{
		byID:     make(map[int64]*store.SourceChannel),
		statuses: make(map[int64]store.SyncStatus),
		synced:   make(map[int64]int64),
	}
	for _, c := range channels {
		f.byID[c.ID] = c
	}
	return f
}

func (f *fakeChannels) SetResolved(_ context.Context, id, telegramID, accessHash int64,
	name, username string, memberCount int, isProtected bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byID[id]
	c.TelegramID = &telegramID
	c.AccessHash = &accessHash
	c.Name = &name
	c.MemberCount = &memberCount
	c.IsProtected = isProtected
	return nil
}

func (f *fakeChannels) SetSyncStatus(_ context.Context, id int64, status store.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeChannels) MarkSynced(_ context.Context, id, lastMessageID int64, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = store.SyncCompleted
	f.synced[id] = lastMessageID
	return nil
}

func (f *fakeChannels) GetByID(_ context.Context, id int64) (*store.SourceChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *f.byID[id]
	return &clone, nil
}

type fakeMirrors struct {
	mu   sync.Mutex
	rows map[int64]*store.MirrorChannel
}

func (f *fakeMirrors) GetBySource(_ context.Context, id int64) (*store.MirrorChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (f *fakeMirrors) Upsert(_ context.Context, m *store.MirrorChannel) (*store.MirrorChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = make(map[int64]*store.MirrorChannel)
	}
	clone := *m
	f.rows[m.SourceChannelID] = &clone
	return &clone, nil
}

type skipRec struct {
	messageID int64
	reason    store.SkipReason
}

type fakeRetryMappings struct {
	mu        sync.Mutex
	failed    []store.MessageMapping
	exhausted []store.MessageMapping
	skips     []skipRec
}

func (f *fakeRetryMappings) ListFailed(context.Context, int64, int) ([]store.MessageMapping, error) {
	return f.failed, nil
}

func (f *fakeRetryMappings) ListExhausted(context.Context, int64, int) ([]store.MessageMapping, error) {
	return f.exhausted, nil
}

func (f *fakeRetryMappings) MarkSkipped(_ context.Context, _, messageID int64, reason store.SkipReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skips = append(f.skips, skipRec{messageID: messageID, reason: reason})
	return nil
}

type fakeEvents struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeEvents) Append(_ context.Context, _ *int64, _ store.EventLevel, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

type fakeBus struct{ calls int }

func (f *fakeBus) Publish(context.Context, *int64) { f.calls++ }

type fakeTelegram struct {
	resolved *gateway.Resolved
	pages    []*gateway.HistoryPage
	byID     map[int64][]gateway.Message
	created  *gateway.CreatedChannel
	invite   string
}

func (f *fakeTelegram) Resolve(context.Context, string) (*gateway.Resolved, error) {
	return f.resolved, nil
}

func (f *fakeTelegram) JoinChannel(context.Context, gateway.Peer) error { return nil }

func (f *fakeTelegram) HistoryAfter(context.Context, gateway.Peer, int64) (*gateway.HistoryPage, error) {
	if len(f.pages) == 0 {
		return &gateway.HistoryPage{}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeTelegram) GetMessagesByIDs(_ context.Context, _ gateway.Peer, ids []int64) ([]gateway.Message, error) {
	var out []gateway.Message
	for _, id := range ids {
		out = append(out, f.byID[id]...)
	}
	return out, nil
}

func (f *fakeTelegram) CreatePrivateChannel(context.Context, string, string) (*gateway.CreatedChannel, error) {
	return f.created, nil
}

func (f *fakeTelegram) ExportInviteLink(context.Context, gateway.Peer) (string, error) {
	return f.invite, nil
}

type fakeDeliver struct {
	mu      sync.Mutex
	batches [][]int64
	err     error
}

func (f *fakeDeliver) Deliver(_ context.Context, _ *store.SourceChannel,
	_ *store.MirrorChannel, msgs []gateway.Message) (mirror.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return mirror.Summary{}, f.err
	}
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	f.batches = append(f.batches, ids)
	return mirror.Summary{Success: len(msgs)}, nil
}

type passLimiter struct{}

func (passLimiter) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return op(ctx)
}

func (passLimiter) FloodWaitUntil() time.Time { return time.Time{} }

type mapLoader map[string]json.RawMessage

func (l mapLoader) All(context.Context) (map[string]json.RawMessage, error) { return l, nil }

func ptr[T any](v T) *T { return &v }

// runUntilDone запускает раннер и ждёт терминального перехода первой задачи.
func runUntilDone(t *testing.T, opts tasks.Options, q *fakeQueue) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := tasks.NewRunner(opts)
	r.Start(ctx)
	defer r.Stop()

	select {
	case <-q.done:
	case <-time.After(5 * time.Second):
		t.Fatal("задача не завершилась за отведённое время")
	}
	cancel()
}

func baseOptions(q *fakeQueue, channels *fakeChannels, mirrors *fakeMirrors,
	tel *fakeTelegram, deliver *fakeDeliver, mappings *fakeRetryMappings) tasks.Options {
	return tasks.Options{
		Queue:    q,
		Channels: channels,
		Mirrors:  mirrors,
		Mappings: mappings,
		Events:   &fakeEvents{},
		Bus:      &fakeBus{},
		Gateway:  tel,
		Mirror:   deliver,
		Limiter:  passLimiter{},
		Settings: settings.NewCache(mapLoader{}),
	}
}

func TestResolveTask(t *testing.T) {
	t.Parallel()

	channel := &store.SourceChannel{ID: 1, ChannelIdentifier: "@source"}
	task := &store.SyncTask{ID: 11, SourceChannelID: 1, Type: store.TaskResolve}

	q := newFakeQueue(pick{task: task, channel: channel})
	channels := newFakeChannels(channel)
	mirrors := &fakeMirrors{}
	tel := &fakeTelegram{
		resolved: &gateway.Resolved{
			Peer:  gateway.Peer{ID: 1000123, AccessHash: 42},
			Title: "Источник",
		},
		created: &gateway.CreatedChannel{
			Peer:  gateway.Peer{ID: 2000456, AccessHash: 77},
			Title: "[备份] Источник",
		},
		invite: "https://t.me/+abc",
	}

	runUntilDone(t, baseOptions(q, channels, mirrors, tel, &fakeDeliver{}, &fakeRetryMappings{}), q)

	if len(q.completed) != 1 || q.completed[0] != 11 {
		t.Fatalf("completed = %v, want [11]", q.completed)
	}
	if channel := channels.byID[1]; channel.TelegramID == nil || *channel.TelegramID != 1000123 {
		t.Fatalf("канал не резолвлен: %+v", channel)
	}
	row := mirrors.rows[1]
	if row == nil || !row.IsAutoCreated || row.InviteLink == nil {
		t.Fatalf("зеркало не создано: %+v", row)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != store.TaskHistoryFull {
		t.Fatalf("enqueued = %v, want [history_full]", q.enqueued)
	}
	if channels.statuses[1] != store.SyncSyncing {
		t.Fatalf("sync status = %s, want syncing", channels.statuses[1])
	}
}

func TestHistoryTaskCoalescesAlbums(t *testing.T) {
	t.Parallel()

	channel := &store.SourceChannel{
		ID: 2, ChannelIdentifier: "@source",
		TelegramID: ptr[int64](1000123), AccessHash: ptr[int64](42),
	}
	task := &store.SyncTask{ID: 22, SourceChannelID: 2, Type: store.TaskHistoryFull}

	msg := func(id int64, gid int64) gateway.Message {
		return gateway.Message{ID: id, GroupedID: gid, Type: store.TypeText, Date: time.Now()}
	}
	q := newFakeQueue(pick{task: task, channel: channel})
	channels := newFakeChannels(channel)
	mirrors := &fakeMirrors{rows: map[int64]*store.MirrorChannel{
		2: {ID: 5, SourceChannelID: 2, TelegramID: ptr[int64](2000456), AccessHash: ptr[int64](77)},
	}}
	tel := &fakeTelegram{pages: []*gateway.HistoryPage{
		{Total: 5, Messages: []gateway.Message{
			msg(1, 0), msg(2, 0), msg(3, 9), msg(4, 9), msg(5, 0),
		}},
	}}
	deliver := &fakeDeliver{}

	runUntilDone(t, baseOptions(q, channels, mirrors, tel, deliver, &fakeRetryMappings{}), q)

	want := [][]int64{{1}, {2}, {3, 4}, {5}}
	if len(deliver.batches) != len(want) {
		t.Fatalf("batches = %v, want %v", deliver.batches, want)
	}
	for i := range want {
		if len(deliver.batches[i]) != len(want[i]) {
			t.Fatalf("batch %d = %v, want %v", i, deliver.batches[i], want[i])
		}
		for j := range want[i] {
			if deliver.batches[i][j] != want[i][j] {
				t.Fatalf("batch %d = %v, want %v", i, deliver.batches[i], want[i])
			}
		}
	}
	if channels.synced[2] != 5 {
		t.Fatalf("last synced id = %d, want 5", channels.synced[2])
	}
	if len(q.completed) != 1 {
		t.Fatalf("completed = %v, want одну задачу", q.completed)
	}
}

func TestHistoryDeliversAlbumPartsSinglyWhenGroupingOff(t *testing.T) {
	t.Parallel()

	channel := &store.SourceChannel{
		ID: 6, ChannelIdentifier: "@source",
		TelegramID: ptr[int64](1000123), AccessHash: ptr[int64](42),
	}
	task := &store.SyncTask{ID: 66, SourceChannelID: 6, Type: store.TaskHistoryFull}

	msg := func(id int64, gid int64) gateway.Message {
		return gateway.Message{ID: id, GroupedID: gid, Type: store.TypeText, Date: time.Now()}
	}
	q := newFakeQueue(pick{task: task, channel: channel})
	channels := newFakeChannels(channel)
	mirrors := &fakeMirrors{rows: map[int64]*store.MirrorChannel{
		6: {ID: 9, SourceChannelID: 6, TelegramID: ptr[int64](2000456), AccessHash: ptr[int64](77)},
	}}
	tel := &fakeTelegram{pages: []*gateway.HistoryPage{
		{Total: 3, Messages: []gateway.Message{msg(1, 9), msg(2, 9), msg(3, 0)}},
	}}
	deliver := &fakeDeliver{}

	opts := baseOptions(q, channels, mirrors, tel, deliver, &fakeRetryMappings{})
	opts.Settings = settings.NewCache(mapLoader{
		settings.KeyGroupMediaMessages: json.RawMessage(`false`),
	})
	runUntilDone(t, opts, q)

	// Склейка выключена: каждая часть медиагруппы уходит отдельной доставкой.
	want := [][]int64{{1}, {2}, {3}}
	if len(deliver.batches) != len(want) {
		t.Fatalf("batches = %v, want %v", deliver.batches, want)
	}
	for i := range want {
		if len(deliver.batches[i]) != 1 || deliver.batches[i][0] != want[i][0] {
			t.Fatalf("batches = %v, want %v", deliver.batches, want)
		}
	}
}

func TestFloodWaitPausesTaskWithServerSeconds(t *testing.T) {
	t.Parallel()

	channel := &store.SourceChannel{
		ID: 4, ChannelIdentifier: "@source",
		TelegramID: ptr[int64](1000123), AccessHash: ptr[int64](42),
	}
	task := &store.SyncTask{ID: 44, SourceChannelID: 4, Type: store.TaskHistoryFull}

	q := newFakeQueue(pick{task: task, channel: channel})
	channels := newFakeChannels(channel)
	mirrors := &fakeMirrors{rows: map[int64]*store.MirrorChannel{
		4: {ID: 8, SourceChannelID: 4, TelegramID: ptr[int64](2000456), AccessHash: ptr[int64](77)},
	}}
	tel := &fakeTelegram{pages: []*gateway.HistoryPage{
		{Total: 1, Messages: []gateway.Message{
			{ID: 1, Type: store.TypeText, Date: time.Now()},
		}},
	}}
	deliver := &fakeDeliver{err: &throttle.ErrFloodWaitTooLong{Wait: 7200 * time.Second}}
	events := &fakeEvents{}

	opts := baseOptions(q, channels, mirrors, tel, deliver, &fakeRetryMappings{})
	opts.Events = events
	runUntilDone(t, opts, q)

	msg, ok := q.paused[44]
	if !ok {
		t.Fatalf("paused = %v, want задачу 44", q.paused)
	}
	// Контракт last_error: префикс находит автоснятие паузы, число — серверные
	// секунды для оператора.
	if !strings.HasPrefix(msg, "FLOOD_WAIT") {
		t.Fatalf("last_error = %q, want префикс FLOOD_WAIT", msg)
	}
	if !strings.Contains(msg, "7200") {
		t.Fatalf("last_error = %q, want серверные секунды 7200", msg)
	}
	if len(q.failed) != 0 {
		t.Fatalf("failed = %v, want пусто: длинный FLOOD_WAIT — пауза, не провал", q.failed)
	}

	var started, pausedEvent bool
	for _, m := range events.messages {
		if strings.Contains(m, "запущена") {
			started = true
		}
		if strings.Contains(m, "приостановлена") && strings.Contains(m, "7200") {
			pausedEvent = true
		}
	}
	if !started {
		t.Fatalf("events = %v, want запись о старте задачи", events.messages)
	}
	if !pausedEvent {
		t.Fatalf("events = %v, want запись о паузе с серверными секундами", events.messages)
	}
}

func TestRetryTask(t *testing.T) {
	t.Parallel()

	channel := &store.SourceChannel{
		ID: 3, ChannelIdentifier: "@source",
		TelegramID: ptr[int64](1000123), AccessHash: ptr[int64](42),
	}
	task := &store.SyncTask{ID: 33, SourceChannelID: 3, Type: store.TaskRetryFailed}

	q := newFakeQueue(pick{task: task, channel: channel})
	channels := newFakeChannels(channel)
	mirrors := &fakeMirrors{rows: map[int64]*store.MirrorChannel{
		3: {ID: 6, SourceChannelID: 3, TelegramID: ptr[int64](2000456), AccessHash: ptr[int64](77)},
	}}
	mappings := &fakeRetryMappings{
		failed: []store.MessageMapping{
			{SourceChannelID: 3, SourceMessageID: 7, Status: store.MappingFailed},
			{SourceChannelID: 3, SourceMessageID: 8, Status: store.MappingFailed},
		},
		exhausted: []store.MessageMapping{
			{SourceChannelID: 3, SourceMessageID: 9, Status: store.MappingFailed, RetryCount: 3},
		},
	}
	tel := &fakeTelegram{byID: map[int64][]gateway.Message{
		7: {{ID: 7, Type: store.TypeText, Date: time.Now()}},
		// 8 удалено из источника.
	}}
	deliver := &fakeDeliver{}

	runUntilDone(t, baseOptions(q, channels, mirrors, tel, deliver, mappings), q)

	if len(deliver.batches) != 1 || deliver.batches[0][0] != 7 {
		t.Fatalf("batches = %v, want [[7]]", deliver.batches)
	}
	wantSkips := map[int64]store.SkipReason{
		8: store.SkipMessageDeleted,
		9: store.SkipFailedTooManyTimes,
	}
	if len(mappings.skips) != 2 {
		t.Fatalf("skips = %v, want 2 записи", mappings.skips)
	}
	for _, s := range mappings.skips {
		if wantSkips[s.messageID] != s.reason {
			t.Fatalf("skip %d = %s, want %s", s.messageID, s.reason, wantSkips[s.messageID])
		}
	}
}
