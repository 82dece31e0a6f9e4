package gateway

import (
	"time"

	"github.com/gotd/td/tgerr"

	"tg-backup/internal/infra/throttle"
)

// Коды MTProto, после которых аккаунт недееспособен: задача падает, канал
// помечается ошибкой, дальше — только руками оператора.
var fatalRPCCodes = []string{
	"AUTH_KEY_UNREGISTERED",
	"SESSION_REVOKED",
	"USER_DEACTIVATED",
}

// FatalError оборачивает фатальную ошибку аккаунта. Реализует
// throttle.StopRetryer: повторять такие вызовы бессмысленно.
type FatalError struct {
	Code string
	Err  error
}

func (e *FatalError) Error() string { return "gateway: fatal: " + e.Code }

func (e *FatalError) Unwrap() error { return e.Err }

// StopRetry запрещает лимитеру ретраи.
func (e *FatalError) StopRetry() bool { return true }

// classifyFatal распознаёт фатальные коды и заворачивает их в FatalError.
// Остальные ошибки возвращаются как есть.
func classifyFatal(err error) error {
	if err == nil {
		return nil
	}
	for _, code := range fatalRPCCodes {
		if tgerr.Is(err, code) {
			return &FatalError{Code: code, Err: err}
		}
	}
	return err
}

// FloodWaitExtractor распознаёт типизированные FLOOD_WAIT / FLOOD_PREMIUM_WAIT
// из gotd и возвращает серверную паузу без искажений: по ней лимитер сверяет
// лимит автоожидания, запас к фактическому сну добавляет сам лимитер.
// Строковые формы ловит throttle.TextFloodWaitExtractor, подключаемый следом
// в цепочке.
func FloodWaitExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		return tgerr.AsFloodWait(err)
	}
}
