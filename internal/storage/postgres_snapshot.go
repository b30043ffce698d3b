package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// importSnapshot bulk-loads a JSON datastore snapshot inside a single
// transaction. Parent rows go first so foreign keys hold; rows that already
// exist are left untouched.
func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, user := range snapshot.Users {
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (id, display_name, email, password_hash, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			user.ID, user.DisplayName, user.Email, user.PasswordHash, user.CreatedAt,
		); err != nil {
			return fmt.Errorf("import user %s: %w", user.ID, err)
		}
	}

	for _, stream := range snapshot.Streams {
		if _, err := tx.Exec(ctx,
			`INSERT INTO streams (id, user_id, title, source_path, rtmp_url, stream_key,
				bitrate, fps, resolution, orientation, loop_video, use_advanced, platform,
				schedule_time, duration_minutes, status, status_updated_at,
				start_time, end_time, deleted_at, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
			 ON CONFLICT (id) DO NOTHING`,
			stream.ID, stream.UserID, stream.Title, stream.SourcePath, stream.RTMPURL, stream.StreamKey,
			stream.Encode.Bitrate, stream.Encode.FPS, stream.Encode.Resolution, stream.Encode.Orientation,
			stream.LoopVideo, stream.UseAdvanced, stream.Platform,
			stream.ScheduleTime, stream.DurationMinutes, string(stream.Status), stream.StatusUpdatedAt,
			stream.StartTime, stream.EndTime, stream.DeletedAt, stream.CreatedAt, stream.UpdatedAt,
		); err != nil {
			return fmt.Errorf("import stream %s: %w", stream.ID, err)
		}
	}

	for _, tpl := range snapshot.Templates {
		encodedDays, err := encodeDays(tpl.RecurrenceDays)
		if err != nil {
			return fmt.Errorf("import template %s: %w", tpl.ID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schedule_templates (id, user_id, stream_id, name, recurrence, recurrence_days,
				start_time, duration_minutes, end_date, is_active, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			 ON CONFLICT (id) DO NOTHING`,
			tpl.ID, tpl.UserID, tpl.StreamID, tpl.Name, string(tpl.Recurrence), encodedDays,
			tpl.StartTime, tpl.DurationMinutes, tpl.EndDate, tpl.IsActive, tpl.CreatedAt, tpl.UpdatedAt,
		); err != nil {
			return fmt.Errorf("import template %s: %w", tpl.ID, err)
		}
	}

	for _, inst := range snapshot.Instances {
		var templateID *string
		if inst.TemplateID != "" {
			id := inst.TemplateID
			templateID = &id
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO scheduled_instances (id, template_id, stream_id, user_id, scheduled_time,
				duration_minutes, status, started_at, ended_at, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			 ON CONFLICT (id) DO NOTHING`,
			inst.ID, templateID, inst.StreamID, inst.UserID, inst.ScheduledTime,
			inst.DurationMinutes, string(inst.Status), inst.StartedAt, inst.EndedAt, inst.CreatedAt,
		); err != nil {
			return fmt.Errorf("import instance %s: %w", inst.ID, err)
		}
	}

	for _, backup := range snapshot.Backups {
		if _, err := tx.Exec(ctx,
			`INSERT INTO stream_backups (id, stream_id, user_id, kind, data, version, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)
			 ON CONFLICT (id) DO NOTHING`,
			backup.ID, backup.StreamID, backup.UserID, string(backup.Kind), backup.Data, backup.Version, backup.CreatedAt,
		); err != nil {
			return fmt.Errorf("import backup %s: %w", backup.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}
