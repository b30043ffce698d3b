package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"streamcast/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migrations before returning.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
}

func (r *postgresRepository) now() time.Time {
	return r.cfg.Clock()
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.User{}, errors.New("displayName is required")
	}
	email := strings.TrimSpace(strings.ToLower(params.Email))
	if email == "" {
		return models.User{}, errors.New("email is required")
	}
	var passwordHash string
	if params.Password != "" {
		hashed, err := hashPassword(params.Password)
		if err != nil {
			return models.User{}, fmt.Errorf("hash password: %w", err)
		}
		passwordHash = hashed
	}

	user := models.User{
		ID:           newID(),
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    r.now(),
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, email, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.DisplayName, user.Email, user.PasswordHash, user.CreatedAt,
	)
	if err != nil {
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	return user, err
}

func (r *postgresRepository) GetUser(id string) (models.User, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	user, err := r.scanUser(r.pool.QueryRow(ctx,
		`SELECT id, display_name, email, password_hash, created_at FROM users WHERE id = $1`, id))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.cfg.Logger.Error("query user", "error", err)
		}
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) FindUserByEmail(email string) (models.User, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	user, err := r.scanUser(r.pool.QueryRow(ctx,
		`SELECT id, display_name, email, password_hash, created_at FROM users WHERE email = $1`,
		strings.TrimSpace(strings.ToLower(email))))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.cfg.Logger.Error("query user by email", "error", err)
		}
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) AuthenticateUser(email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	user, ok := r.FindUserByEmail(email)
	if !ok || user.PasswordHash == "" {
		return models.User{}, ErrInvalidCredentials
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) ListUsers() []models.User {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT id, display_name, email, password_hash, created_at FROM users ORDER BY created_at`)
	if err != nil {
		r.cfg.Logger.Error("list users", "error", err)
		return nil
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := r.scanUser(rows)
		if err != nil {
			r.cfg.Logger.Error("scan user", "error", err)
			return nil
		}
		users = append(users, user)
	}
	return users
}

const streamColumns = `id, user_id, title, source_path, rtmp_url, stream_key,
	bitrate, fps, resolution, orientation, loop_video, use_advanced, platform,
	schedule_time, duration_minutes, status, status_updated_at,
	start_time, end_time, deleted_at, created_at, updated_at`

func scanStream(row pgx.Row) (models.Stream, error) {
	var stream models.Stream
	var status string
	err := row.Scan(
		&stream.ID, &stream.UserID, &stream.Title, &stream.SourcePath, &stream.RTMPURL, &stream.StreamKey,
		&stream.Encode.Bitrate, &stream.Encode.FPS, &stream.Encode.Resolution, &stream.Encode.Orientation,
		&stream.LoopVideo, &stream.UseAdvanced, &stream.Platform,
		&stream.ScheduleTime, &stream.DurationMinutes, &status, &stream.StatusUpdatedAt,
		&stream.StartTime, &stream.EndTime, &stream.DeletedAt, &stream.CreatedAt, &stream.UpdatedAt,
	)
	stream.Status = models.StreamStatus(status)
	return stream, err
}

func (r *postgresRepository) queryStreams(query string, args ...any) []models.Stream {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.cfg.Logger.Error("query streams", "error", err)
		return nil
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			r.cfg.Logger.Error("scan stream", "error", err)
			return nil
		}
		streams = append(streams, stream)
	}
	return streams
}

func (r *postgresRepository) CreateStream(params CreateStreamParams) (models.Stream, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Stream{}, errors.New("title is required")
	}
	if strings.TrimSpace(params.UserID) == "" {
		return models.Stream{}, errors.New("userId is required")
	}
	if strings.TrimSpace(params.RTMPURL) == "" {
		return models.Stream{}, errors.New("rtmpUrl is required")
	}

	now := r.now()
	status := models.StreamOffline
	if params.ScheduleTime != nil {
		status = models.StreamScheduled
	}
	stream := models.Stream{
		ID:              newID(),
		UserID:          params.UserID,
		Title:           title,
		SourcePath:      strings.TrimSpace(params.SourcePath),
		RTMPURL:         strings.TrimSpace(params.RTMPURL),
		StreamKey:       strings.TrimSpace(params.StreamKey),
		Encode:          params.Encode,
		LoopVideo:       params.LoopVideo,
		UseAdvanced:     params.UseAdvanced,
		Platform:        strings.TrimSpace(params.Platform),
		ScheduleTime:    cloneTime(params.ScheduleTime),
		DurationMinutes: params.DurationMinutes,
		Status:          status,
		StatusUpdatedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO streams (id, user_id, title, source_path, rtmp_url, stream_key,
			bitrate, fps, resolution, orientation, loop_video, use_advanced, platform,
			schedule_time, duration_minutes, status, status_updated_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		stream.ID, stream.UserID, stream.Title, stream.SourcePath, stream.RTMPURL, stream.StreamKey,
		stream.Encode.Bitrate, stream.Encode.FPS, stream.Encode.Resolution, stream.Encode.Orientation,
		stream.LoopVideo, stream.UseAdvanced, stream.Platform,
		stream.ScheduleTime, stream.DurationMinutes, string(stream.Status), stream.StatusUpdatedAt,
		stream.CreatedAt, stream.UpdatedAt,
	)
	if err != nil {
		return models.Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) GetStream(id string) (models.Stream, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	stream, err := scanStream(r.pool.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE id = $1`, id))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.cfg.Logger.Error("query stream", "error", err)
		}
		return models.Stream{}, false
	}
	return stream, true
}

func (r *postgresRepository) ListStreams(userID string, status models.StreamStatus) []models.Stream {
	query := `SELECT ` + streamColumns + ` FROM streams WHERE deleted_at IS NULL`
	args := make([]any, 0, 2)
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at"
	return r.queryStreams(query, args...)
}

func (r *postgresRepository) ListStreamsByStatus(status models.StreamStatus) []models.Stream {
	return r.ListStreams("", status)
}

func (r *postgresRepository) ListStreamsDueBetween(from, to time.Time) []models.Stream {
	return r.queryStreams(
		`SELECT `+streamColumns+` FROM streams
		 WHERE deleted_at IS NULL AND status = 'scheduled'
		   AND schedule_time IS NOT NULL AND schedule_time BETWEEN $1 AND $2
		 ORDER BY schedule_time`,
		from, to,
	)
}

func (r *postgresRepository) UpdateStream(id string, update StreamUpdate) (models.Stream, error) {
	sets := make([]string, 0, 12)
	args := make([]any, 0, 14)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return models.Stream{}, errors.New("title cannot be empty")
		}
		add("title", title)
	}
	if update.SourcePath != nil {
		add("source_path", strings.TrimSpace(*update.SourcePath))
	}
	if update.RTMPURL != nil {
		url := strings.TrimSpace(*update.RTMPURL)
		if url == "" {
			return models.Stream{}, errors.New("rtmpUrl cannot be empty")
		}
		add("rtmp_url", url)
	}
	if update.StreamKey != nil {
		add("stream_key", strings.TrimSpace(*update.StreamKey))
	}
	if update.Encode != nil {
		add("bitrate", update.Encode.Bitrate)
		add("fps", update.Encode.FPS)
		add("resolution", update.Encode.Resolution)
		add("orientation", update.Encode.Orientation)
	}
	if update.LoopVideo != nil {
		add("loop_video", *update.LoopVideo)
	}
	if update.UseAdvanced != nil {
		add("use_advanced", *update.UseAdvanced)
	}
	if update.Platform != nil {
		add("platform", strings.TrimSpace(*update.Platform))
	}
	if update.ScheduleTime != nil {
		add("schedule_time", cloneTime(*update.ScheduleTime))
	}
	if update.DurationMinutes != nil {
		add("duration_minutes", *update.DurationMinutes)
	}
	if len(sets) == 0 {
		stream, ok := r.GetStream(id)
		if !ok {
			return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
		}
		return stream, nil
	}
	add("updated_at", r.now())

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE streams SET %s WHERE id = $%d RETURNING `+streamColumns,
		strings.Join(sets, ", "), len(args))

	ctx, cancel := r.opCtx()
	defer cancel()
	stream, err := scanStream(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Stream{}, fmt.Errorf("update stream: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) SetStreamStatus(id string, status models.StreamStatus, at time.Time) (models.Stream, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	stream, err := scanStream(r.pool.QueryRow(ctx,
		`UPDATE streams SET status = $1, status_updated_at = $2, updated_at = $3 WHERE id = $4 RETURNING `+streamColumns,
		string(status), at, r.now(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Stream{}, fmt.Errorf("set stream status: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) SetStreamRuntime(id string, start, end *time.Time) (models.Stream, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	stream, err := scanStream(r.pool.QueryRow(ctx,
		`UPDATE streams SET start_time = $1, end_time = $2, updated_at = $3 WHERE id = $4 RETURNING `+streamColumns,
		start, end, r.now(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Stream{}, fmt.Errorf("set stream runtime: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) streamOwnedBy(id, userID string) (models.Stream, error) {
	stream, ok := r.GetStream(id)
	if !ok {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if stream.UserID != userID {
		return models.Stream{}, ErrUnauthorized
	}
	return stream, nil
}

func (r *postgresRepository) SoftDeleteStream(id, userID string) error {
	if _, err := r.streamOwnedBy(id, userID); err != nil {
		return err
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	now := r.now()
	_, err := r.pool.Exec(ctx,
		`UPDATE streams SET deleted_at = $1, status = 'offline', status_updated_at = $1, updated_at = $1 WHERE id = $2`,
		now, id)
	if err != nil {
		return fmt.Errorf("soft delete stream: %w", err)
	}
	return nil
}

func (r *postgresRepository) RestoreDeletedStream(id, userID string) error {
	stream, err := r.streamOwnedBy(id, userID)
	if err != nil {
		return err
	}
	if !stream.Deleted() {
		return ErrNotDeleted
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	now := r.now()
	_, err = r.pool.Exec(ctx,
		`UPDATE streams SET deleted_at = NULL, status = 'offline', status_updated_at = $1, updated_at = $1 WHERE id = $2`,
		now, id)
	if err != nil {
		return fmt.Errorf("restore deleted stream: %w", err)
	}
	return nil
}

func (r *postgresRepository) PermanentDeleteStream(id, userID string) error {
	stream, err := r.streamOwnedBy(id, userID)
	if err != nil {
		return err
	}
	if !stream.Deleted() {
		return ErrNotDeleted
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	// Backups, templates, and instances fall away via ON DELETE CASCADE.
	if _, err := r.pool.Exec(ctx, `DELETE FROM streams WHERE id = $1`, id); err != nil {
		return fmt.Errorf("permanent delete stream: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListDeletedStreams(userID string) []models.Stream {
	return r.queryStreams(
		`SELECT `+streamColumns+` FROM streams WHERE user_id = $1 AND deleted_at IS NOT NULL ORDER BY deleted_at DESC`,
		userID,
	)
}

func (r *postgresRepository) PurgeDeletedBefore(cutoff time.Time) (int, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM streams WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge deleted streams: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const templateColumns = `id, user_id, stream_id, name, recurrence, recurrence_days,
	start_time, duration_minutes, end_date, is_active, created_at, updated_at`

func scanTemplate(row pgx.Row) (models.ScheduleTemplate, error) {
	var tpl models.ScheduleTemplate
	var recurrence string
	var days []byte
	err := row.Scan(
		&tpl.ID, &tpl.UserID, &tpl.StreamID, &tpl.Name, &recurrence, &days,
		&tpl.StartTime, &tpl.DurationMinutes, &tpl.EndDate, &tpl.IsActive, &tpl.CreatedAt, &tpl.UpdatedAt,
	)
	if err != nil {
		return models.ScheduleTemplate{}, err
	}
	tpl.Recurrence = models.RecurrenceType(recurrence)
	if len(days) > 0 {
		if err := json.Unmarshal(days, &tpl.RecurrenceDays); err != nil {
			return models.ScheduleTemplate{}, fmt.Errorf("decode recurrence days: %w", err)
		}
	}
	return tpl, nil
}

func encodeDays(days []int) ([]byte, error) {
	if len(days) == 0 {
		return nil, nil
	}
	return json.Marshal(days)
}

func (r *postgresRepository) queryTemplates(query string, args ...any) []models.ScheduleTemplate {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.cfg.Logger.Error("query templates", "error", err)
		return nil
	}
	defer rows.Close()

	var templates []models.ScheduleTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			r.cfg.Logger.Error("scan template", "error", err)
			return nil
		}
		templates = append(templates, tpl)
	}
	return templates
}

func (r *postgresRepository) CreateTemplate(params CreateTemplateParams) (models.ScheduleTemplate, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return models.ScheduleTemplate{}, errors.New("name is required")
	}
	days := normalizeDays(params.RecurrenceDays)
	if err := validateRecurrence(params.Recurrence, days, params.StartTime); err != nil {
		return models.ScheduleTemplate{}, err
	}
	stream, ok := r.GetStream(params.StreamID)
	if !ok || stream.Deleted() {
		return models.ScheduleTemplate{}, fmt.Errorf("stream %s: %w", params.StreamID, ErrNotFound)
	}
	if stream.UserID != params.UserID {
		return models.ScheduleTemplate{}, ErrUnauthorized
	}

	encodedDays, err := encodeDays(days)
	if err != nil {
		return models.ScheduleTemplate{}, fmt.Errorf("encode recurrence days: %w", err)
	}
	now := r.now()
	tpl := models.ScheduleTemplate{
		ID:              newID(),
		UserID:          params.UserID,
		StreamID:        params.StreamID,
		Name:            name,
		Recurrence:      params.Recurrence,
		RecurrenceDays:  days,
		StartTime:       strings.TrimSpace(params.StartTime),
		DurationMinutes: params.DurationMinutes,
		EndDate:         cloneTime(params.EndDate),
		IsActive:        params.IsActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO schedule_templates (id, user_id, stream_id, name, recurrence, recurrence_days,
			start_time, duration_minutes, end_date, is_active, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		tpl.ID, tpl.UserID, tpl.StreamID, tpl.Name, string(tpl.Recurrence), encodedDays,
		tpl.StartTime, tpl.DurationMinutes, tpl.EndDate, tpl.IsActive, tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		return models.ScheduleTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	return tpl, nil
}

func (r *postgresRepository) GetTemplate(id string) (models.ScheduleTemplate, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	tpl, err := scanTemplate(r.pool.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM schedule_templates WHERE id = $1`, id))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.cfg.Logger.Error("query template", "error", err)
		}
		return models.ScheduleTemplate{}, false
	}
	return tpl, true
}

func (r *postgresRepository) ListTemplates(userID string) []models.ScheduleTemplate {
	if userID == "" {
		return r.queryTemplates(`SELECT ` + templateColumns + ` FROM schedule_templates ORDER BY created_at DESC`)
	}
	return r.queryTemplates(
		`SELECT `+templateColumns+` FROM schedule_templates WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
}

func (r *postgresRepository) ListActiveTemplates() []models.ScheduleTemplate {
	return r.queryTemplates(
		`SELECT ` + templateColumns + ` FROM schedule_templates WHERE is_active ORDER BY created_at`)
}

func (r *postgresRepository) UpdateTemplate(id string, update TemplateUpdate) (models.ScheduleTemplate, error) {
	current, ok := r.GetTemplate(id)
	if !ok {
		return models.ScheduleTemplate{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}

	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return models.ScheduleTemplate{}, errors.New("name cannot be empty")
		}
		current.Name = name
	}
	if update.Recurrence != nil {
		current.Recurrence = *update.Recurrence
	}
	if update.RecurrenceDays != nil {
		current.RecurrenceDays = normalizeDays(*update.RecurrenceDays)
	}
	if update.StartTime != nil {
		current.StartTime = strings.TrimSpace(*update.StartTime)
	}
	if update.DurationMinutes != nil {
		current.DurationMinutes = *update.DurationMinutes
	}
	if update.EndDate != nil {
		current.EndDate = cloneTime(*update.EndDate)
	}
	if err := validateRecurrence(current.Recurrence, current.RecurrenceDays, current.StartTime); err != nil {
		return models.ScheduleTemplate{}, err
	}
	current.UpdatedAt = r.now()

	encodedDays, err := encodeDays(current.RecurrenceDays)
	if err != nil {
		return models.ScheduleTemplate{}, fmt.Errorf("encode recurrence days: %w", err)
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	_, err = r.pool.Exec(ctx,
		`UPDATE schedule_templates SET name = $1, recurrence = $2, recurrence_days = $3,
			start_time = $4, duration_minutes = $5, end_date = $6, updated_at = $7 WHERE id = $8`,
		current.Name, string(current.Recurrence), encodedDays,
		current.StartTime, current.DurationMinutes, current.EndDate, current.UpdatedAt, id,
	)
	if err != nil {
		return models.ScheduleTemplate{}, fmt.Errorf("update template: %w", err)
	}
	return current, nil
}

func (r *postgresRepository) SetTemplateActive(id string, active bool) (models.ScheduleTemplate, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	tpl, err := scanTemplate(r.pool.QueryRow(ctx,
		`UPDATE schedule_templates SET is_active = $1, updated_at = $2 WHERE id = $3 RETURNING `+templateColumns,
		active, r.now(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduleTemplate{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.ScheduleTemplate{}, fmt.Errorf("set template active: %w", err)
	}
	return tpl, nil
}

func (r *postgresRepository) DeleteTemplate(id, userID string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM schedule_templates WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, ok := r.GetTemplate(id); ok {
			return ErrUnauthorized
		}
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return nil
}

const instanceColumns = `id, template_id, stream_id, user_id, scheduled_time,
	duration_minutes, status, started_at, ended_at, created_at`

func scanInstance(row pgx.Row) (models.ScheduledInstance, error) {
	var inst models.ScheduledInstance
	var templateID *string
	var status string
	err := row.Scan(
		&inst.ID, &templateID, &inst.StreamID, &inst.UserID, &inst.ScheduledTime,
		&inst.DurationMinutes, &status, &inst.StartedAt, &inst.EndedAt, &inst.CreatedAt,
	)
	if templateID != nil {
		inst.TemplateID = *templateID
	}
	inst.Status = models.InstanceStatus(status)
	return inst, err
}

func (r *postgresRepository) queryInstances(query string, args ...any) []models.ScheduledInstance {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.cfg.Logger.Error("query instances", "error", err)
		return nil
	}
	defer rows.Close()

	var instances []models.ScheduledInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			r.cfg.Logger.Error("scan instance", "error", err)
			return nil
		}
		instances = append(instances, inst)
	}
	return instances
}

func (r *postgresRepository) CreateInstance(params CreateInstanceParams) (models.ScheduledInstance, error) {
	if params.StreamID == "" {
		return models.ScheduledInstance{}, errors.New("streamId is required")
	}
	if params.ScheduledTime.IsZero() {
		return models.ScheduledInstance{}, errors.New("scheduledTime is required")
	}
	if params.TemplateID != "" {
		if existing, ok := r.findLiveInstanceAt(params.TemplateID, params.ScheduledTime); ok {
			return existing, nil
		}
	}

	inst := models.ScheduledInstance{
		ID:              newID(),
		TemplateID:      params.TemplateID,
		StreamID:        params.StreamID,
		UserID:          params.UserID,
		ScheduledTime:   params.ScheduledTime.UTC(),
		DurationMinutes: params.DurationMinutes,
		Status:          models.InstancePending,
		CreatedAt:       r.now(),
	}
	var templateID *string
	if inst.TemplateID != "" {
		templateID = &inst.TemplateID
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO scheduled_instances (id, template_id, stream_id, user_id, scheduled_time,
			duration_minutes, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (template_id, scheduled_time) WHERE status IN ('pending', 'running') DO NOTHING`,
		inst.ID, templateID, inst.StreamID, inst.UserID, inst.ScheduledTime,
		inst.DurationMinutes, string(inst.Status), inst.CreatedAt,
	)
	if err != nil {
		return models.ScheduledInstance{}, fmt.Errorf("insert instance: %w", err)
	}
	if inst.TemplateID != "" {
		// A concurrent materialization may have won the conflict.
		if existing, ok := r.findLiveInstanceAt(inst.TemplateID, inst.ScheduledTime); ok {
			return existing, nil
		}
	}
	return inst, nil
}

// findLiveInstanceAt returns the pending or running instance occupying a
// template's slot, ignoring terminal history rows at the same time.
func (r *postgresRepository) findLiveInstanceAt(templateID string, at time.Time) (models.ScheduledInstance, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	inst, err := scanInstance(r.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM scheduled_instances
		 WHERE template_id = $1 AND scheduled_time = $2 AND status IN ('pending', 'running')`,
		templateID, at.UTC()))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.cfg.Logger.Error("query live instance at", "error", err)
		}
		return models.ScheduledInstance{}, false
	}
	return inst, true
}

func (r *postgresRepository) GetInstance(id string) (models.ScheduledInstance, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	inst, err := scanInstance(r.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM scheduled_instances WHERE id = $1`, id))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.cfg.Logger.Error("query instance", "error", err)
		}
		return models.ScheduledInstance{}, false
	}
	return inst, true
}

func (r *postgresRepository) FindInstanceAt(templateID string, at time.Time) (models.ScheduledInstance, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	inst, err := scanInstance(r.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM scheduled_instances
		 WHERE template_id = $1 AND scheduled_time = $2
		 ORDER BY (status IN ('pending', 'running')) DESC, created_at DESC
		 LIMIT 1`,
		templateID, at.UTC()))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.cfg.Logger.Error("query instance at", "error", err)
		}
		return models.ScheduledInstance{}, false
	}
	return inst, true
}

func (r *postgresRepository) ListInstancesForTemplate(templateID string) []models.ScheduledInstance {
	return r.queryInstances(
		`SELECT `+instanceColumns+` FROM scheduled_instances WHERE template_id = $1 ORDER BY scheduled_time`,
		templateID,
	)
}

func (r *postgresRepository) ListPendingInstancesDueBetween(from, to time.Time) []models.ScheduledInstance {
	return r.queryInstances(
		`SELECT `+instanceColumns+` FROM scheduled_instances
		 WHERE status = 'pending' AND scheduled_time BETWEEN $1 AND $2
		 ORDER BY scheduled_time`,
		from, to,
	)
}

func (r *postgresRepository) ClaimInstance(id string, from, to models.InstanceStatus) (models.ScheduledInstance, error) {
	sets := `status = $1`
	now := r.now()
	args := []any{string(to)}
	if to == models.InstanceRunning {
		args = append(args, now)
		sets += fmt.Sprintf(", started_at = $%d", len(args))
	}
	if to.Terminal() {
		args = append(args, now)
		sets += fmt.Sprintf(", ended_at = $%d", len(args))
	}
	args = append(args, id, string(from))
	query := fmt.Sprintf(`UPDATE scheduled_instances SET %s WHERE id = $%d AND status = $%d RETURNING `+instanceColumns,
		sets, len(args)-1, len(args))

	ctx, cancel := r.opCtx()
	defer cancel()
	inst, err := scanInstance(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, ok := r.GetInstance(id)
		if !ok {
			return models.ScheduledInstance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}
		return existing, ErrInstanceClaimed
	}
	if err != nil {
		return models.ScheduledInstance{}, fmt.Errorf("claim instance: %w", err)
	}
	return inst, nil
}

func (r *postgresRepository) FinishInstance(id string, status models.InstanceStatus) (models.ScheduledInstance, error) {
	if !status.Terminal() {
		return models.ScheduledInstance{}, fmt.Errorf("status %q is not terminal", status)
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	inst, err := scanInstance(r.pool.QueryRow(ctx,
		`UPDATE scheduled_instances SET status = $1, ended_at = $2 WHERE id = $3 RETURNING `+instanceColumns,
		string(status), r.now(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduledInstance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.ScheduledInstance{}, fmt.Errorf("finish instance: %w", err)
	}
	return inst, nil
}

func (r *postgresRepository) CancelPendingInstances(templateID string) (int, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`UPDATE scheduled_instances SET status = 'cancelled', ended_at = $1
		 WHERE template_id = $2 AND status = 'pending'`,
		r.now(), templateID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending instances: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepository) ListInstances(userID string, statuses []models.InstanceStatus, limit int) []models.ScheduledInstance {
	query := `SELECT ` + instanceColumns + ` FROM scheduled_instances WHERE TRUE`
	args := make([]any, 0, 3)
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if len(statuses) > 0 {
		names := make([]string, 0, len(statuses))
		for _, status := range statuses {
			names = append(names, string(status))
		}
		args = append(args, names)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if len(statuses) == 1 && statuses[0] == models.InstancePending {
		query += " ORDER BY scheduled_time"
	} else {
		query += " ORDER BY scheduled_time DESC"
	}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return r.queryInstances(query, args...)
}

func (r *postgresRepository) InstanceCountsForUser(userID string) InstanceCounts {
	query := `SELECT
		COUNT(*) FILTER (WHERE status = 'pending'),
		COUNT(*) FILTER (WHERE status = 'running'),
		COUNT(*) FILTER (WHERE status = 'completed'),
		COUNT(*) FILTER (WHERE status = 'failed'),
		COUNT(*) FILTER (WHERE status = 'cancelled')
	 FROM scheduled_instances`
	args := make([]any, 0, 1)
	if userID != "" {
		args = append(args, userID)
		query += " WHERE user_id = $1"
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	var counts InstanceCounts
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&counts.Pending, &counts.Running, &counts.Completed, &counts.Failed, &counts.Cancelled)
	if err != nil {
		r.cfg.Logger.Error("count instances", "error", err)
		return InstanceCounts{}
	}
	return counts
}

const backupColumns = `id, stream_id, user_id, kind, data, version, created_at`

func scanBackup(row pgx.Row) (models.StreamBackup, error) {
	var backup models.StreamBackup
	var kind string
	err := row.Scan(&backup.ID, &backup.StreamID, &backup.UserID, &kind, &backup.Data, &backup.Version, &backup.CreatedAt)
	backup.Kind = models.BackupKind(kind)
	return backup, err
}

func (r *postgresRepository) queryBackups(query string, args ...any) []models.StreamBackup {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.cfg.Logger.Error("query backups", "error", err)
		return nil
	}
	defer rows.Close()

	var backups []models.StreamBackup
	for rows.Next() {
		backup, err := scanBackup(rows)
		if err != nil {
			r.cfg.Logger.Error("scan backup", "error", err)
			return nil
		}
		backups = append(backups, backup)
	}
	return backups
}

func (r *postgresRepository) AppendBackup(params AppendBackupParams) (models.StreamBackup, error) {
	if len(params.Data) == 0 {
		return models.StreamBackup{}, errors.New("backup data is required")
	}
	if params.Kind != models.BackupAuto && params.Kind != models.BackupManual {
		return models.StreamBackup{}, fmt.Errorf("unknown backup kind %q", params.Kind)
	}

	backup := models.StreamBackup{
		ID:        newID(),
		StreamID:  params.StreamID,
		UserID:    params.UserID,
		Kind:      params.Kind,
		Data:      append([]byte(nil), params.Data...),
		Version:   backupSnapshotVersion,
		CreatedAt: r.now(),
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO stream_backups (id, stream_id, user_id, kind, data, version, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		backup.ID, backup.StreamID, backup.UserID, string(backup.Kind), backup.Data, backup.Version, backup.CreatedAt,
	)
	if err != nil {
		return models.StreamBackup{}, fmt.Errorf("insert backup: %w", err)
	}
	return backup, nil
}

func (r *postgresRepository) GetBackup(id string) (models.StreamBackup, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	backup, err := scanBackup(r.pool.QueryRow(ctx,
		`SELECT `+backupColumns+` FROM stream_backups WHERE id = $1`, id))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.cfg.Logger.Error("query backup", "error", err)
		}
		return models.StreamBackup{}, false
	}
	return backup, true
}

func (r *postgresRepository) ListBackups(streamID string) []models.StreamBackup {
	return r.queryBackups(
		`SELECT `+backupColumns+` FROM stream_backups WHERE stream_id = $1 ORDER BY created_at DESC`,
		streamID,
	)
}

func (r *postgresRepository) ListBackupsForUser(userID string, limit int) []models.StreamBackup {
	query := `SELECT ` + backupColumns + ` FROM stream_backups WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
	}
	return r.queryBackups(query, args...)
}

func (r *postgresRepository) PruneBackups(streamID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	ctx, cancel := r.opCtx()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM stream_backups
		 WHERE stream_id = $1 AND id NOT IN (
			SELECT id FROM stream_backups WHERE stream_id = $1 ORDER BY created_at DESC LIMIT $2
		 )`,
		streamID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune backups: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepository) DeleteBackup(id, userID string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM stream_backups WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete backup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, ok := r.GetBackup(id); ok {
			return ErrUnauthorized
		}
		return fmt.Errorf("backup %s: %w", id, ErrNotFound)
	}
	return nil
}

var _ Repository = (*postgresRepository)(nil)
