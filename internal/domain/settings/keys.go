// Package settings — кеш настроек движка поверх таблицы settings.
// Снапшот обновляется не чаще раза в 60 секунд и сбрасывается явно после
// правок из UI. Отсутствующие ключи получают документированные значения
// по умолчанию; нераспознанные ключи игнорируются.
package settings

// Распознанные ключи таблицы settings.
const (
	KeyTelegramSession      = "telegram_session"
	KeyDefaultMirrorMode    = "default_mirror_mode"
	KeyConcurrentMirrors    = "concurrent_mirrors"
	KeyMirrorIntervalMS     = "mirror_interval_ms"
	KeyAutoChannelPrefix    = "auto_channel_prefix"
	KeyMaxRetryCount        = "max_retry_count"
	KeyRetryIntervalSec     = "retry_interval_sec"
	KeySkipAfterMaxRetry    = "skip_after_max_retry"
	KeySyncMessageEdits     = "sync_message_edits"
	KeyKeepEditHistory      = "keep_edit_history"
	KeySyncMessageDeletions = "sync_message_deletions"
	KeyMirrorVideos         = "mirror_videos"
	KeyMaxFileSizeMB        = "max_file_size_mb"
	KeySkipProtectedContent = "skip_protected_content"
	KeyGroupMediaMessages   = "group_media_messages"
	KeyAccessPassword       = "access_password" // потребляется UI, ядро не читает
)

// Значения по умолчанию для отсутствующих ключей.
const (
	DefaultMirrorMode        = "forward"
	DefaultConcurrentMirrors = 1 // зарезервировано, ядро работает как 1
	DefaultMirrorIntervalMS  = 1000
	DefaultAutoChannelPrefix = "[备份] "
	DefaultMaxRetryCount     = 3
	DefaultRetryIntervalSec  = 60
	DefaultMaxFileSizeMB     = 100
)

const (
	DefaultSkipAfterMaxRetry    = true
	DefaultSyncMessageEdits     = false
	DefaultKeepEditHistory      = true
	DefaultSyncMessageDeletions = false
	DefaultMirrorVideos         = true
	DefaultSkipProtectedContent = true
	DefaultGroupMediaMessages   = true
)
