package models

import (
	"strings"
	"time"
)

// StreamStatus enumerates the lifecycle states a stream moves through.
type StreamStatus string

const (
	StreamOffline   StreamStatus = "offline"
	StreamScheduled StreamStatus = "scheduled"
	StreamLive      StreamStatus = "live"
)

// RecurrenceType enumerates how often a schedule template repeats.
type RecurrenceType string

const (
	RecurrenceOnce    RecurrenceType = "once"
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
)

// Repeats reports whether templates of this type produce more than one
// occurrence.
func (r RecurrenceType) Repeats() bool {
	return r == RecurrenceDaily || r == RecurrenceWeekly || r == RecurrenceMonthly
}

// InstanceStatus enumerates the states of a materialized schedule occurrence.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the instance has left the pending/running phase
// and become append-only history.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// BackupKind distinguishes automatic pre-mutation snapshots from snapshots a
// user requested explicitly.
type BackupKind string

const (
	BackupAuto   BackupKind = "auto"
	BackupManual BackupKind = "manual"
)

type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// EncodeSettings carries the transcoder parameters a stream broadcasts with.
type EncodeSettings struct {
	Bitrate     int    `json:"bitrate"`
	FPS         int    `json:"fps"`
	Resolution  string `json:"resolution"`
	Orientation string `json:"orientation,omitempty"`
}

// Stream is one configured broadcast job: a stored media source relayed to an
// external RTMP endpoint. The orchestration engine mutates only the status
// and runtime timestamp fields; everything else belongs to the CRUD layer.
type Stream struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	Title           string         `json:"title"`
	SourcePath      string         `json:"sourcePath,omitempty"`
	RTMPURL         string         `json:"rtmpUrl"`
	StreamKey       string         `json:"streamKey"`
	Encode          EncodeSettings `json:"encode"`
	LoopVideo       bool           `json:"loopVideo"`
	UseAdvanced     bool           `json:"useAdvanced"`
	Platform        string         `json:"platform,omitempty"`
	ScheduleTime    *time.Time     `json:"scheduleTime,omitempty"`
	DurationMinutes int            `json:"durationMinutes,omitempty"`
	Status          StreamStatus   `json:"status"`
	StatusUpdatedAt time.Time      `json:"statusUpdatedAt"`
	StartTime       *time.Time     `json:"startTime,omitempty"`
	EndTime         *time.Time     `json:"endTime,omitempty"`
	DeletedAt       *time.Time     `json:"deletedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// HasSource reports whether the stream has media bound to broadcast from.
func (s Stream) HasSource() bool {
	return strings.TrimSpace(s.SourcePath) != ""
}

// Deleted reports whether the stream sits in the trash.
func (s Stream) Deleted() bool {
	return s.DeletedAt != nil
}

// Destination joins the RTMP endpoint and the secret key into the URL handed
// to the broadcast process.
func (s Stream) Destination() string {
	base := strings.TrimRight(strings.TrimSpace(s.RTMPURL), "/")
	key := strings.TrimSpace(s.StreamKey)
	if key == "" {
		return base
	}
	return base + "/" + key
}

// ScheduleTemplate is a recurrence rule bound to one stream. Weekly templates
// must carry at least one weekday ordinal in RecurrenceDays (0 = Sunday).
type ScheduleTemplate struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	StreamID        string         `json:"streamId"`
	Name            string         `json:"name"`
	Recurrence      RecurrenceType `json:"recurrence"`
	RecurrenceDays  []int          `json:"recurrenceDays,omitempty"`
	StartTime       string         `json:"startTime"`
	DurationMinutes int            `json:"durationMinutes"`
	EndDate         *time.Time     `json:"endDate,omitempty"`
	IsActive        bool           `json:"isActive"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// ScheduledInstance is one concrete execution derived from a template, or
// created ad hoc for a one-off schedule_time on a stream. At most one
// instance exists per (template, scheduledTime) pair.
type ScheduledInstance struct {
	ID              string         `json:"id"`
	TemplateID      string         `json:"templateId,omitempty"`
	StreamID        string         `json:"streamId"`
	UserID          string         `json:"userId"`
	ScheduledTime   time.Time      `json:"scheduledTime"`
	DurationMinutes int            `json:"durationMinutes"`
	Status          InstanceStatus `json:"status"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	EndedAt         *time.Time     `json:"endedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// StreamBackup is an immutable JSON snapshot of a stream configuration.
type StreamBackup struct {
	ID        string     `json:"id"`
	StreamID  string     `json:"streamId"`
	UserID    string     `json:"userId"`
	Kind      BackupKind `json:"kind"`
	Data      []byte     `json:"data"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
}

// HistoryEntry records one finished broadcast run for the read-only history
// view. Entries are append-only.
type HistoryEntry struct {
	ID          string         `json:"id"`
	StreamID    string         `json:"streamId"`
	UserID      string         `json:"userId"`
	Title       string         `json:"title"`
	Platform    string         `json:"platform,omitempty"`
	Encode      EncodeSettings `json:"encode"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	EndedAt     time.Time      `json:"endedAt"`
	Abnormal    bool           `json:"abnormal"`
	ExitMessage string         `json:"exitMessage,omitempty"`
}
