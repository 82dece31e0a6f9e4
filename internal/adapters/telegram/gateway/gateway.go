// Package gateway — адаптер MTProto для движка зеркалирования. Инкапсулирует
// клиент gotd, менеджер апдейтов с персистентным состоянием, резолв каналов,
// постраничное чтение истории и идемпотентные отправки в зеркала. Наружу
// отдаются доменные проекции (Peer, Message), типы gotd не протекают выше
// этого пакета, кроме Raw-поля Message для режима copy.
package gateway

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	tdsession "github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"tg-backup/internal/infra/logger"
	"tg-backup/internal/infra/storage"
)

// ErrNotAuthorized — в настройках нет рабочей сессии. Демон не умеет
// интерактивного входа: авторизацию выполняет UI, ядро только использует
// готовую сессию.
var ErrNotAuthorized = errors.New("gateway: no authorized session; complete login first")

// transportRPS — сглаживание на уровне транспорта. Темп отправок задаёт
// лимитер выше, этот средний уровень страхует служебные вызовы gotd.
const transportRPS = 10

// Config — параметры сборки шлюза.
type Config struct {
	APIID   int
	APIHash string

	SessionStorage tdsession.Storage
	StateFile      string // bbolt-файл состояния менеджера апдейтов
	AccessHasher   tgupdates.ChannelAccessHasher

	Device  string // паспорт устройства в настройках клиента
	Version string
}

// Gateway владеет MTProto-клиентом и его жизненным циклом.
type Gateway struct {
	client     *telegram.Client
	apiClient  *tg.Client
	dispatcher tg.UpdateDispatcher
	updMgr     *tgupdates.Manager
	waiter     *floodwait.Waiter
	stateDB    *bbolt.DB

	mu     sync.Mutex
	selfID int64
}

// lazyUpdateHandler откладывает установку реального обработчика апдейтов,
// разрывая цикл инициализации клиент ↔ менеджер апдейтов.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// New собирает шлюз: клиент с зашифрованной сессией, floodwait-обвязка,
// диспетчер апдейтов и менеджер состояния на bbolt.
func New(cfg Config) (*Gateway, error) {
	g := &Gateway{
		dispatcher: tg.NewUpdateDispatcher(),
		waiter:     floodwait.NewWaiter(),
	}

	lazyHandler := &lazyUpdateHandler{}

	options := telegram.Options{
		SessionStorage: cfg.SessionStorage,
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			g.waiter,
			ratelimit.New(rate.Limit(transportRPS), transportRPS*2), //nolint:mnd // burst = 2*rate
		},
		OnDead: func() {
			logger.Warn("gateway: MTProto-соединение потеряно, gotd переподключается")
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   cfg.Device,
			SystemVersion: "Linux",
			AppVersion:    cfg.Version,
		},
	}

	g.client = telegram.NewClient(cfg.APIID, cfg.APIHash, options)
	g.apiClient = g.client.API()

	if err := storage.EnsureDir(cfg.StateFile); err != nil {
		return nil, errors.Wrap(err, "ensure state dir")
	}
	stateDB, err := bbolt.Open(cfg.StateFile, storage.DefaultFilePerm, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open state storage")
	}
	g.stateDB = stateDB

	g.updMgr = tgupdates.New(tgupdates.Config{
		Handler:      g.dispatcher,
		Storage:      boltstor.NewStateStorage(stateDB),
		AccessHasher: cfg.AccessHasher,
	})
	lazyHandler.set(g.updMgr)

	return g, nil
}

// Run поднимает соединение и блокируется до отмены ctx. После успешной
// авторизации и старта менеджера апдейтов вызывает onReady — там верхний
// уровень запускает свои сервисы; ошибка onReady валит запуск.
func (g *Gateway) Run(ctx context.Context, onReady func(ctx context.Context) error) error {
	defer func() {
		if err := g.stateDB.Close(); err != nil {
			logger.Errorf("gateway: close state storage: %v", err)
		}
	}()

	return g.waiter.Run(ctx, func(ctx context.Context) error {
		return g.client.Run(ctx, func(ctx context.Context) error {
			status, err := g.client.Auth().Status(ctx)
			if err != nil {
				return errors.Wrap(err, "auth status")
			}
			if !status.Authorized {
				return ErrNotAuthorized
			}

			self, err := g.client.Self(ctx)
			if err != nil {
				return errors.Wrap(err, "self")
			}
			g.mu.Lock()
			g.selfID = self.ID
			g.mu.Unlock()
			logger.Infof("gateway: авторизован как %s (id=%d)", self.Username, self.ID)

			var wg sync.WaitGroup
			updatesCtx, updatesCancel := context.WithCancel(ctx)
			defer updatesCancel()
			wg.Go(func() {
				mgrErr := g.updMgr.Run(updatesCtx, g.apiClient, self.ID, tgupdates.AuthOptions{})
				if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
					logger.Errorf("gateway: updates manager: %v", mgrErr)
				}
			})
			defer wg.Wait()

			if err := onReady(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			return ctx.Err()
		})
	})
}

// api возвращает низкоуровневый RPC-клиент (для файлов этого пакета).
func (g *Gateway) api() *tg.Client { return g.apiClient }

// SelfID — id авторизованного аккаунта (0 до завершения логина).
func (g *Gateway) SelfID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selfID
}

// OnNewChannelMessage регистрирует обработчик новых сообщений каналов.
// Канал события определяется по PeerID сообщения.
func (g *Gateway) OnNewChannelMessage(fn func(ctx context.Context, channelID int64, msg Message)) {
	g.dispatcher.OnNewChannelMessage(func(ctx context.Context, _ tg.Entities, u *tg.UpdateNewChannelMessage) error {
		msg, ok := u.Message.(*tg.Message)
		if !ok {
			return nil
		}
		channelID, ok := channelOfMessage(msg)
		if !ok {
			return nil
		}
		fn(ctx, channelID, projectMessage(msg))
		return nil
	})
}

// OnEditChannelMessage регистрирует обработчик правок сообщений каналов.
func (g *Gateway) OnEditChannelMessage(fn func(ctx context.Context, channelID int64, msg Message)) {
	g.dispatcher.OnEditChannelMessage(func(ctx context.Context, _ tg.Entities, u *tg.UpdateEditChannelMessage) error {
		msg, ok := u.Message.(*tg.Message)
		if !ok {
			return nil
		}
		channelID, ok := channelOfMessage(msg)
		if !ok {
			return nil
		}
		fn(ctx, channelID, projectMessage(msg))
		return nil
	})
}

// OnDeleteChannelMessages регистрирует обработчик удалений в каналах.
func (g *Gateway) OnDeleteChannelMessages(fn func(ctx context.Context, channelID int64, ids []int64)) {
	g.dispatcher.OnDeleteChannelMessages(func(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
		ids := make([]int64, len(u.Messages))
		for i, id := range u.Messages {
			ids[i] = int64(id)
		}
		fn(ctx, u.ChannelID, ids)
		return nil
	})
}

// channelOfMessage извлекает id канала из PeerID сообщения.
func channelOfMessage(msg *tg.Message) (int64, bool) {
	peer, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return 0, false
	}
	return peer.ChannelID, true
}
