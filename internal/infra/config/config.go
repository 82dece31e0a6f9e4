// Package config отвечает за сбор и предоставление конфигурации демона зеркалирования.
// Он:
//  1. читает переменные окружения (опционально дополняя их из .env через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения о подставленных значениях по умолчанию,
//  4. предоставляет доступ к результату через singleton.
//
// Бизнес-контекст: конфиг среды управляет подключением к Postgres (основной DSN и
// опциональный прямой DSN для LISTEN/NOTIFY), ключом шифрования сессии MTProto,
// учётными данными Telegram API и файловым логированием. Все рантайм-«ручки»
// (интервалы, лимиты, режимы зеркалирования) живут не здесь, а в таблице settings
// и читаются через кэш настроек.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения. Это «операционные»
// настройки запуска: без DATABASE_URL, ENCRYPTION_SECRET и учётных данных API
// демон не стартует (выход с кодом 1 в main).
type EnvConfig struct {
	DatabaseURL       string // основной DSN Postgres (pgxpool)
	DatabaseURLListen string // прямой DSN для LISTEN/NOTIFY; пустой — используем DatabaseURL
	EncryptionSecret  string // секрет для KDF ключа шифрования сессии
	APIID             int
	APIHash           string
	LogLevel          string
	FloodWaitMaxSec   int    // верхняя граница авто-ожидания FLOOD_WAIT
	UpdatesStateFile  string // bbolt-файл состояния менеджера апдейтов gotd
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Значения по умолчанию для необязательных параметров окружения.
const (
	defaultLogLevel         = "info"
	defaultFloodWaitMaxSec  = 3600
	defaultUpdatesStateFile = "data/updates_state.bbolt"
	defaultLogFileLevel     = "debug"
	defaultLogFileMaxSize   = 50
	defaultLogFileMaxBack   = 3
	defaultLogFileMaxAge    = 7
	defaultLogFileCompress  = true
)

var (
	mu          sync.RWMutex
	cfgInstance *EnvConfig
	cfgWarnings []string
)

// Load — точка входа для инициализации глобальной конфигурации. Повторный вызов
// запрещён, чтобы избежать гонок конфигурации на старте. envPath может указывать
// на .env; отсутствие файла не ошибка (окружение может быть задано снаружи).
func Load(envPath string) error {
	mu.Lock()
	defer mu.Unlock()
	if cfgInstance != nil {
		return errors.New("config already loaded")
	}
	env, warnings, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = env
	cfgWarnings = warnings
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов.
func loadConfig(envPath string) (*EnvConfig, []string, error) {
	var warnings []string

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			// .env опционален: боевое окружение обычно передаёт переменные напрямую.
			appendWarningf(&warnings, "env file %s not loaded: %v", envPath, err)
		}
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		return nil, nil, errors.New("env DATABASE_URL must be set")
	}
	secret := strings.TrimSpace(os.Getenv("ENCRYPTION_SECRET"))
	if secret == "" {
		return nil, nil, errors.New("env ENCRYPTION_SECRET must be set")
	}
	apiID, err := parseRequiredInt("TELEGRAM_API_ID")
	if err != nil {
		return nil, nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH"))
	if apiHash == "" {
		return nil, nil, errors.New("env TELEGRAM_API_HASH must be set")
	}

	env := &EnvConfig{
		DatabaseURL:       dbURL,
		DatabaseURLListen: strings.TrimSpace(os.Getenv("DATABASE_URL_LISTEN")),
		EncryptionSecret:  secret,
		APIID:             apiID,
		APIHash:           apiHash,
		LogLevel:          sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		FloodWaitMaxSec: parseIntDefault("MIRROR_FLOOD_WAIT_MAX_SEC",
			defaultFloodWaitMaxSec, greaterThanZero, &warnings),
		UpdatesStateFile: sanitizeFile("UPDATES_STATE_FILE", os.Getenv("UPDATES_STATE_FILE"),
			defaultUpdatesStateFile, &warnings),
		LogFile:           strings.TrimSpace(os.Getenv("MIRROR_LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel(os.Getenv("MIRROR_LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings),
		LogFileMaxSize:    parseIntDefault("MIRROR_LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("MIRROR_LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBack, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("MIRROR_LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:   parseBoolDefault("MIRROR_LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),
	}
	return env, warnings, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке окружения
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	mu.RLock()
	defer mu.RUnlock()
	result := make([]string, len(cfgWarnings))
	copy(result, cfgWarnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	mu.RLock()
	defer mu.RUnlock()
	if cfgInstance == nil {
		return EnvConfig{}
	}
	return *cfgInstance
}

// ListenURL возвращает DSN для выделенного LISTEN-соединения: прямой, если задан,
// иначе основной.
func (e EnvConfig) ListenURL() string {
	if e.DatabaseURLListen != "" {
		return e.DatabaseURLListen
	}
	return e.DatabaseURL
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel нормализует уровень и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "log level %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает валидное имя файла. Если переменная не задана,
// подставляет fallback.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// appendWarningf — накопление предупреждений о некорректных переменных окружения.
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative — простые валидаторы чисел для parseIntDefault.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
