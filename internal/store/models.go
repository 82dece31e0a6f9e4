// Package store — реляционный слой движка зеркалирования поверх pgx.
// Все сущности принадлежат Postgres; in-memory структуры других пакетов —
// только проекции. Записи, которые вызывающий код может повторить после сбоя,
// выполняются как upsert по натуральному ключу: это точка сериализации для
// конкурирующих путей записи (история/реалтайм/ретраи).
package store

import "time"

// Перечисления хранятся в Postgres именованными enum-типами; строковые значения
// ниже обязаны совпадать со схемой.

// SyncStatus — состояние синхронизации канала-источника.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncSyncing   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncError     SyncStatus = "error"
)

// MirrorMode — способ доставки сообщения в целевой канал.
type MirrorMode string

const (
	ModeForward MirrorMode = "forward"
	ModeCopy    MirrorMode = "copy"
)

// FilterMode — источник ключевых слов фильтра для канала.
type FilterMode string

const (
	FilterInherit  FilterMode = "inherit"
	FilterDisabled FilterMode = "disabled"
	FilterCustom   FilterMode = "custom"
)

// TaskType — вид персистентной задачи.
type TaskType string

const (
	TaskResolve        TaskType = "resolve"
	TaskHistoryFull    TaskType = "history_full"
	TaskHistoryPartial TaskType = "history_partial"
	TaskRealtime       TaskType = "realtime"
	TaskRetryFailed    TaskType = "retry_failed"
)

// TaskStatus — состояние задачи.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// MappingStatus — итог зеркалирования одного сообщения.
type MappingStatus string

const (
	MappingPending MappingStatus = "pending"
	MappingSuccess MappingStatus = "success"
	MappingFailed  MappingStatus = "failed"
	MappingSkipped MappingStatus = "skipped"
)

// SkipReason — таксономия причин, по которым сообщение не зеркалировалось.
type SkipReason string

const (
	SkipProtectedContent   SkipReason = "protected_content"
	SkipFileTooLarge       SkipReason = "file_too_large"
	SkipUnsupportedType    SkipReason = "unsupported_type"
	SkipRateLimited        SkipReason = "rate_limited_skip"
	SkipFailedTooManyTimes SkipReason = "failed_too_many_times"
	SkipMessageDeleted     SkipReason = "message_deleted"
	SkipFiltered           SkipReason = "filtered"
)

// MessageType — классификация содержимого исходного сообщения.
type MessageType string

const (
	TypeText      MessageType = "text"
	TypePhoto     MessageType = "photo"
	TypeVideo     MessageType = "video"
	TypeDocument  MessageType = "document"
	TypeAudio     MessageType = "audio"
	TypeVoice     MessageType = "voice"
	TypeAnimation MessageType = "animation"
	TypeSticker   MessageType = "sticker"
	TypeOther     MessageType = "other"
)

// EventLevel — уровень записи журнала событий.
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// SourceChannel — канал, который оператор попросил резервировать.
// Resolved-поля (TelegramID/AccessHash/Name/...) равны nil до успешного resolve.
type SourceChannel struct {
	ID                int64
	ChannelIdentifier string // @name, join-ссылка или числовой -100…
	TelegramID        *int64
	AccessHash        *int64
	Name              *string
	Username          *string
	MemberCount       *int
	TotalMessages     *int
	IsProtected       bool
	IsActive          bool
	Priority          int
	MirrorMode        *MirrorMode // nil — берём default_mirror_mode из настроек
	FilterMode        FilterMode
	FilterKeywords    string // ключевые слова через перевод строки
	GroupName         string
	SyncStatus        SyncStatus
	LastSyncAt        *time.Time
	LastMessageID     *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Resolved сообщает, известна ли каналу пара (telegramId, accessHash).
func (c *SourceChannel) Resolved() bool {
	return c.TelegramID != nil && c.AccessHash != nil
}

// MirrorChannel — целевой канал (ровно один на источник). После установки
// TelegramID не перезаписывается другим значением без удаления оператором.
type MirrorChannel struct {
	ID              int64
	SourceChannelID int64
	TelegramID      *int64
	AccessHash      *int64
	Name            *string
	Username        *string
	InviteLink      *string
	IsAutoCreated   bool
	CreatedAt       time.Time
}

// SyncTask — персистентная единица работы. Для каждого (канал, тип) в наборе
// pending+running+paused существует не более одной строки (частичный уникальный
// индекс в схеме).
type SyncTask struct {
	ID              int64
	SourceChannelID int64
	Type            TaskType
	Status          TaskStatus
	ProgressCurrent int
	ProgressTotal   *int
	LastProcessedID int64
	FailedCount     int
	SkippedCount    int
	LastError       *string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	PausedAt        *time.Time
}

// MessageMapping — строка append-only журнала соответствий источник→зеркало.
// Натуральный ключ (SourceChannelID, SourceMessageID). Строка со status=success
// имеет ненулевой MirrorMessageID и никогда не понижается.
type MessageMapping struct {
	ID              int64
	SourceChannelID int64
	SourceMessageID int64
	MirrorChannelID *int64
	MirrorMessageID *int64
	Type            MessageType
	MediaGroupID    *int64
	Status          MappingStatus
	SkipReason      *SkipReason
	ErrorMessage    *string
	RetryCount      int
	HasMedia        bool
	FileSize        *int64
	Text            string
	TextPreview     string
	SentAt          *time.Time
	MirroredAt      *time.Time
	IsDeleted       bool
	DeletedAt       *time.Time
	EditCount       int
	LastEditedAt    *time.Time
}

// SyncEvent — запись журнала для оператора. Append-only.
type SyncEvent struct {
	ID              int64
	SourceChannelID *int64
	Level           EventLevel
	Message         string
	CreatedAt       time.Time
}

// previewLen — длина среза текста для text_preview.
const previewLen = 200

// Preview возвращает первые 200 рун текста для колонки text_preview.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLen {
		return text
	}
	return string(runes[:previewLen])
}
