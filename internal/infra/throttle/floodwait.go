package throttle

import (
	"regexp"
	"strconv"
	"time"
)

// Текстовые формы серверного «подождите N секунд». Первая — каноничный код
// ошибки MTProto, вторая встречается в развёрнутых сообщениях Bot API и
// прокси-слоёв.
var (
	floodWaitCodeRe = regexp.MustCompile(`FLOOD_WAIT_(\d+)`)
	floodWaitTextRe = regexp.MustCompile(`A wait of (\d+) seconds is required`)
)

// TextFloodWaitExtractor распознаёт FLOOD_WAIT по тексту ошибки. Дополняет
// типизированный экстрактор шлюза: строковый разбор ловит ошибки, потерявшие
// тип при оборачивании.
func TextFloodWaitExtractor() WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		msg := err.Error()
		for _, re := range []*regexp.Regexp{floodWaitCodeRe, floodWaitTextRe} {
			m := re.FindStringSubmatch(msg)
			if m == nil {
				continue
			}
			sec, convErr := strconv.Atoi(m[1])
			if convErr != nil || sec < 0 {
				continue
			}
			return time.Duration(sec) * time.Second, true
		}
		return 0, false
	}
}
