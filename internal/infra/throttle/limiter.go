// Package throttle — темп исходящих вызовов Telegram для одного аккаунта.
// Все отправки проходят через один Limiter: пока длится серверный FLOOD_WAIT,
// стоят и исторические задачи, и реалтайм. Серверные указания подождать
// извлекаются из ошибок цепочкой WaitExtractor; прочие сбои повторяются с
// экспоненциальным бэкофом и джиттером. Limiter потокобезопасен.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// WaitExtractor анализирует ошибку и возвращает обязательную паузу, если
// распознал её формат. Экстракторы вызываются по порядку регистрации,
// первый совпавший определяет длительность.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer объявляет необходимость немедленно прекратить повторы.
// Ошибка, реализующая этот интерфейс, возвращается вызывающему без задержек.
type StopRetryer interface {
	StopRetry() bool
}

// Tunables — снапшот настроек темпа, перечитываемый перед каждой операцией.
type Tunables struct {
	BaseInterval time.Duration // минимальный зазор между вызовами
	MaxRetries   int           // лимит повторов на операцию
	BackoffBase  time.Duration // база экспоненциального бэкофа
}

// TunablesFunc отдаёт актуальные настройки (обычно из кеша настроек).
type TunablesFunc func(ctx context.Context) Tunables

// ErrFloodWaitTooLong возвращается, когда сервер запросил паузу сверх
// допустимого максимума. Задача уходит в paused, но floodWaitUntil уже
// выставлен — лимитер сам продолжит после окончания окна.
type ErrFloodWaitTooLong struct {
	Wait time.Duration
}

// Error печатает серверную паузу в сырых секундах: текст попадает в
// персистентный last_error, и оператор должен видеть значение сервера как есть.
func (e *ErrFloodWaitTooLong) Error() string {
	return fmt.Sprintf("throttle: flood wait %d seconds exceeds limit", e.Seconds())
}

// Seconds — серверная пауза в целых секундах.
func (e *ErrFloodWaitTooLong) Seconds() int {
	return int(e.Wait / time.Second)
}

// StopRetry реализует StopRetryer: ждать такое окно внутри операции нельзя.
func (e *ErrFloodWaitTooLong) StopRetry() bool { return true }

// Option задаёт дополнительные параметры лимитера при создании.
type Option func(*Limiter)

// WithWaitExtractors регистрирует экстракторы серверных задержек.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(l *Limiter) {
		l.waitExtractors = append(l.waitExtractors, extractors...)
	}
}

// WithClock подменяет источник времени (для детерминированных тестов).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRandom подменяет источник случайности джиттера (для тестов).
func WithRandom(fn func() float64) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.randomFn = fn
		}
	}
}

// WithSleeper подменяет функцию ожидания (для тестов без реального сна).
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// WithFloodWaitHook регистрирует наблюдателя поглощённых FLOOD_WAIT: пауз,
// которые лимитер отрабатывает сам, не возвращая ошибку вызывающему. Сверхлимитные
// паузы сюда не попадают — о них вызывающий узнаёт из ErrFloodWaitTooLong.
func WithFloodWaitHook(fn func(ctx context.Context, wait time.Duration)) Option {
	return func(l *Limiter) {
		l.onFloodWait = fn
	}
}

// Limiter выдерживает паузу между вызовами и глобальное окно FLOOD_WAIT.
type Limiter struct {
	tunables     TunablesFunc
	floodWaitMax time.Duration // потолок автоматического ожидания FLOOD_WAIT

	waitExtractors []WaitExtractor
	onFloodWait    func(ctx context.Context, wait time.Duration)
	now            func() time.Time
	randomFn       func() float64
	sleep          func(ctx context.Context, d time.Duration) error

	mu             sync.Mutex
	lastCallAt     time.Time
	floodWaitUntil time.Time
}

// New создаёт лимитер. tunables перечитывается перед каждой операцией,
// floodWaitMax приходит из окружения и на лету не меняется.
func New(tunables TunablesFunc, floodWaitMax time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		tunables:     tunables,
		floodWaitMax: floodWaitMax,
		now:          time.Now,
		randomFn:     rand.Float64,
	}
	l.sleep = l.sleepTimer
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FloodWaitUntil возвращает конец текущего окна FLOOD_WAIT (нулевое время,
// если окна нет). Раннер задач использует его для автоснятия паузы.
func (l *Limiter) FloodWaitUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.floodWaitUntil
}

// WaitForSlot блокирует до момента max(lastCallAt+baseInterval, floodWaitUntil)
// и резервирует слот за вызывающим.
func (l *Limiter) WaitForSlot(ctx context.Context) error {
	base := l.tunables(ctx).BaseInterval
	for {
		l.mu.Lock()
		now := l.now()
		next := l.lastCallAt.Add(base)
		if l.floodWaitUntil.After(next) {
			next = l.floodWaitUntil
		}
		if !next.After(now) {
			l.lastCallAt = now
			l.mu.Unlock()
			return nil
		}
		wait := next.Sub(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Do выполняет op с темпом и повторами. Алгоритм на попытку:
//  1. WaitForSlot;
//  2. op;
//  3. при ошибке: StopRetryer или сорванный контекст — вернуть сразу;
//     распознанный FLOOD_WAIT — выставить floodWaitUntil = now + N + 1s и,
//     если N в пределах floodWaitMax, повторить (без роста attempt), иначе
//     вернуть ErrFloodWaitTooLong; прочие ошибки — бэкоф base*2^attempt
//     с джиттером до исчерпания MaxRetries.
func (l *Limiter) Do(ctx context.Context, op func(ctx context.Context) error) error {
	tun := l.tunables(ctx)

	attempt := 0
	for {
		if err := l.WaitForSlot(ctx); err != nil {
			return err
		}

		callErr := op(ctx)
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		waitDur, hasWait := l.extractWait(callErr)

		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr

		case ctx.Err() != nil:
			return ctx.Err()

		case hasWait:
			l.noteFloodWait(waitDur)
			if waitDur > l.floodWaitMax {
				return &ErrFloodWaitTooLong{Wait: waitDur}
			}
			if l.onFloodWait != nil {
				l.onFloodWait(ctx, waitDur)
			}
			// Пауза отработает в WaitForSlot следующей итерации.
			continue
		}

		if attempt >= tun.MaxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): %w", tun.MaxRetries, callErr)
		}
		sleep := l.expBackoff(tun.BackoffBase, attempt)
		attempt++
		if err := l.sleep(ctx, sleep); err != nil {
			return err
		}
	}
}

// noteFloodWait продлевает окно FLOOD_WAIT. Секунда запаса сверх серверного
// значения страхует от расхождения часов.
func (l *Limiter) noteFloodWait(wait time.Duration) {
	until := l.now().Add(wait + time.Second)
	l.mu.Lock()
	if until.After(l.floodWaitUntil) {
		l.floodWaitUntil = until
	}
	l.mu.Unlock()
}

// extractWait прогоняет ошибку по цепочке экстракторов.
func (l *Limiter) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range l.waitExtractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// expBackoff считает base*2^attempt, ограничивает пятью минутами и умножает
// на джиттер из [0.85..1.15].
func (l *Limiter) expBackoff(base time.Duration, attempt int) time.Duration {
	const (
		jitterRange = 0.3
		jitterMin   = 0.85
		maxBackoff  = 5 * time.Minute
	)

	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	jitter := l.randomFn()*jitterRange + jitterMin
	return time.Duration(float64(d) * jitter)
}

// sleepTimer ждёт d или отмену контекста.
func (l *Limiter) sleepTimer(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
