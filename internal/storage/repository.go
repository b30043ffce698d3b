package storage

import (
	"context"
	"time"

	"streamcast/internal/models"
)

// Repository exposes the datastore operations required by the supervisor,
// the schedulers, and the backup ledger.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	GetUser(id string) (models.User, bool)
	FindUserByEmail(email string) (models.User, bool)
	AuthenticateUser(email, password string) (models.User, error)
	ListUsers() []models.User

	CreateStream(params CreateStreamParams) (models.Stream, error)
	GetStream(id string) (models.Stream, bool)
	ListStreams(userID string, status models.StreamStatus) []models.Stream
	ListStreamsByStatus(status models.StreamStatus) []models.Stream
	ListStreamsDueBetween(from, to time.Time) []models.Stream
	UpdateStream(id string, update StreamUpdate) (models.Stream, error)
	SetStreamStatus(id string, status models.StreamStatus, at time.Time) (models.Stream, error)
	SetStreamRuntime(id string, start, end *time.Time) (models.Stream, error)
	SoftDeleteStream(id, userID string) error
	RestoreDeletedStream(id, userID string) error
	PermanentDeleteStream(id, userID string) error
	ListDeletedStreams(userID string) []models.Stream
	PurgeDeletedBefore(cutoff time.Time) (int, error)

	CreateTemplate(params CreateTemplateParams) (models.ScheduleTemplate, error)
	GetTemplate(id string) (models.ScheduleTemplate, bool)
	ListTemplates(userID string) []models.ScheduleTemplate
	ListActiveTemplates() []models.ScheduleTemplate
	UpdateTemplate(id string, update TemplateUpdate) (models.ScheduleTemplate, error)
	SetTemplateActive(id string, active bool) (models.ScheduleTemplate, error)
	DeleteTemplate(id, userID string) error

	CreateInstance(params CreateInstanceParams) (models.ScheduledInstance, error)
	GetInstance(id string) (models.ScheduledInstance, bool)
	FindInstanceAt(templateID string, at time.Time) (models.ScheduledInstance, bool)
	ListInstancesForTemplate(templateID string) []models.ScheduledInstance
	ListPendingInstancesDueBetween(from, to time.Time) []models.ScheduledInstance
	ClaimInstance(id string, from, to models.InstanceStatus) (models.ScheduledInstance, error)
	FinishInstance(id string, status models.InstanceStatus) (models.ScheduledInstance, error)
	CancelPendingInstances(templateID string) (int, error)
	ListInstances(userID string, statuses []models.InstanceStatus, limit int) []models.ScheduledInstance
	InstanceCountsForUser(userID string) InstanceCounts

	AppendBackup(params AppendBackupParams) (models.StreamBackup, error)
	GetBackup(id string) (models.StreamBackup, bool)
	ListBackups(streamID string) []models.StreamBackup
	ListBackupsForUser(userID string, limit int) []models.StreamBackup
	PruneBackups(streamID string, keep int) (int, error)
	DeleteBackup(id, userID string) error
}

var _ Repository = (*Storage)(nil)
