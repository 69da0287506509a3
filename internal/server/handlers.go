package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/model"
	"github.com/jcovali/pgsync/internal/scheduler"
	"github.com/jcovali/pgsync/internal/store"
)

type handlers struct {
	deps   Deps
	logger zerolog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	dbOK := h.deps.Store.Ping(r.Context()) == nil
	code := http.StatusOK
	state := "ok"
	if !dbOK {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSONStatus(w, code, map[string]any{
		"status":    state,
		"database":  dbOK,
		"scheduler": h.deps.Scheduler != nil && h.deps.Scheduler.IsRunning(),
		"timestamp": time.Now().Unix(),
	})
}

// --- connections ---

type connectionRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	DatabaseName string `json:"database_name"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	SSLMode      string `json:"ssl_mode"`
	IsActive     *bool  `json:"is_active"`
}

type connectionResponse struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	DatabaseName string    `json:"database_name"`
	Username     string    `json:"username"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toConnectionResponse(c model.Connection) connectionResponse {
	return connectionResponse{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		Host:         c.Host,
		Port:         c.Port,
		DatabaseName: c.DatabaseName,
		Username:     c.Username,
		IsActive:     c.IsActive,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// buildDSN assembles a connection URL from the request fields, escaping
// credentials.
func buildDSN(req connectionRequest) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(req.Username, req.Password),
		Host:   fmt.Sprintf("%s:%d", req.Host, req.Port),
		Path:   "/" + req.DatabaseName,
	}
	sslmode := req.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}
	u.RawQuery = url.Values{"sslmode": {sslmode}}.Encode()
	return u.String()
}

func (h *handlers) connectionFromRequest(req connectionRequest, existing *model.Connection) (model.Connection, error) {
	c := model.Connection{
		Name:         req.Name,
		Description:  req.Description,
		Host:         req.Host,
		Port:         req.Port,
		DatabaseName: req.DatabaseName,
		Username:     req.Username,
		IsActive:     true,
	}
	if req.IsActive != nil {
		c.IsActive = *req.IsActive
	}
	if existing != nil {
		c.ID = existing.ID
		c.PasswordEnc = existing.PasswordEnc
		c.DSNEnc = existing.DSNEnc
	}
	// An empty password on update keeps the stored secret.
	if req.Password != "" || existing == nil {
		passEnc, err := h.deps.Cipher.Encrypt(req.Password)
		if err != nil {
			return model.Connection{}, err
		}
		dsnEnc, err := h.deps.Cipher.Encrypt(buildDSN(req))
		if err != nil {
			return model.Connection{}, err
		}
		c.PasswordEnc = passEnc
		c.DSNEnc = dsnEnc
	}
	return c, nil
}

func (h *handlers) listConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.deps.Store.ListConnections(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]connectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, toConnectionResponse(c))
	}
	writeJSON(w, out)
}

func (h *handlers) getConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, found, err := h.deps.Store.GetConnection(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("connection %d not found", id))
		return
	}
	writeJSON(w, toConnectionResponse(c))
}

func (h *handlers) createConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := h.connectionFromRequest(req, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	created, err := h.deps.Store.CreateConnection(r.Context(), c)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, toConnectionResponse(created))
}

func (h *handlers) updateConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	existing, found, err := h.deps.Store.GetConnection(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("connection %d not found", id))
		return
	}
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := h.connectionFromRequest(req, &existing)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.deps.Store.UpdateConnection(r.Context(), c); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, toConnectionResponse(c))
}

func (h *handlers) deleteConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	err := h.deps.Store.DeleteConnection(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrConnectionInUse):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handlers) testConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, found, err := h.deps.Store.GetConnection(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("connection %d not found", id))
		return
	}
	dsn, err := h.deps.Cipher.Decrypt(c.DSNEnc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("decrypt connection: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err == nil {
		err = pool.Ping(ctx)
		pool.Close()
	}
	if err != nil {
		writeJSON(w, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

// --- jobs ---

type tableRequest struct {
	SchemaName          string `json:"schema_name"`
	TableName           string `json:"table_name"`
	IsActive            *bool  `json:"is_active"`
	IncrementalStrategy string `json:"incremental_strategy"`
	IncrementalField    string `json:"incremental_field"`
	CustomCondition     string `json:"custom_condition"`
}

type jobRequest struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	SourceDBID       int64          `json:"source_db_id"`
	DestinationDBID  int64          `json:"destination_db_id"`
	SyncMode         string         `json:"sync_mode"`
	ConflictStrategy string         `json:"conflict_strategy"`
	WhereCondition   string         `json:"where_condition"`
	ExecutionMode    string         `json:"execution_mode"`
	CronExpression   string         `json:"cron_expression"`
	Timezone         string         `json:"timezone"`
	Tables           []tableRequest `json:"tables"`
}

type tableResponse struct {
	ID                  int64  `json:"id"`
	SchemaName          string `json:"schema_name"`
	TableName           string `json:"table_name"`
	IsActive            bool   `json:"is_active"`
	IncrementalStrategy string `json:"incremental_strategy"`
	IncrementalField    string `json:"incremental_field"`
	CustomCondition     string `json:"custom_condition"`
	LastSyncValue       string `json:"last_sync_value"`
}

type jobResponse struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	SourceDBID       int64           `json:"source_db_id"`
	DestinationDBID  int64           `json:"destination_db_id"`
	SyncMode         string          `json:"sync_mode"`
	ConflictStrategy string          `json:"conflict_strategy"`
	WhereCondition   string          `json:"where_condition"`
	ExecutionMode    string          `json:"execution_mode"`
	CronExpression   string          `json:"cron_expression"`
	Timezone         string          `json:"timezone"`
	Status           string          `json:"status"`
	IsRunning        bool            `json:"is_running"`
	LastRunAt        *time.Time      `json:"last_run_at"`
	NextRunAt        *time.Time      `json:"next_run_at"`
	Tables           []tableResponse `json:"tables,omitempty"`
}

func toJobResponse(j model.Job, tables []model.TargetTable) jobResponse {
	resp := jobResponse{
		ID:               j.ID,
		Name:             j.Name,
		Description:      j.Description,
		SourceDBID:       j.SourceDBID,
		DestinationDBID:  j.DestinationDBID,
		SyncMode:         string(j.SyncMode),
		ConflictStrategy: string(j.ConflictStrategy),
		WhereCondition:   j.WhereCondition,
		ExecutionMode:    string(j.ExecutionMode),
		CronExpression:   j.CronExpression,
		Timezone:         j.Timezone,
		Status:           string(j.Status),
		IsRunning:        j.IsRunning,
		LastRunAt:        j.LastRunAt,
		NextRunAt:        j.NextRunAt,
	}
	for _, t := range tables {
		resp.Tables = append(resp.Tables, tableResponse{
			ID:                  t.ID,
			SchemaName:          t.SchemaName,
			TableName:           t.TableName,
			IsActive:            t.IsActive,
			IncrementalStrategy: string(t.IncrementalStrategy),
			IncrementalField:    t.IncrementalField,
			CustomCondition:     t.CustomCondition,
			LastSyncValue:       t.LastSyncValue,
		})
	}
	return resp
}

func jobFromRequest(req jobRequest) (model.Job, []model.TargetTable) {
	j := model.Job{
		Name:             req.Name,
		Description:      req.Description,
		SourceDBID:       req.SourceDBID,
		DestinationDBID:  req.DestinationDBID,
		SyncMode:         model.SyncMode(req.SyncMode),
		ConflictStrategy: model.ConflictStrategy(req.ConflictStrategy),
		WhereCondition:   req.WhereCondition,
		ExecutionMode:    model.ExecutionMode(req.ExecutionMode),
		CronExpression:   req.CronExpression,
		Timezone:         req.Timezone,
		Status:           model.JobActive,
	}
	tables := make([]model.TargetTable, 0, len(req.Tables))
	for _, t := range req.Tables {
		tt := model.TargetTable{
			SchemaName:          t.SchemaName,
			TableName:           t.TableName,
			IsActive:            true,
			IncrementalStrategy: model.IncrementalStrategy(t.IncrementalStrategy),
			IncrementalField:    t.IncrementalField,
			CustomCondition:     t.CustomCondition,
		}
		if t.IsActive != nil {
			tt.IsActive = *t.IsActive
		}
		if tt.IncrementalStrategy == "" {
			tt.IncrementalStrategy = model.IncNone
		}
		tables = append(tables, tt)
	}
	return j, tables
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.deps.Store.ListJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j, nil))
	}
	writeJSON(w, out)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	j, found, err := h.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %d not found", id))
		return
	}
	tables, err := h.deps.Store.ListTargetTables(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, toJobResponse(j, tables))
}

func (h *handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	j, tables := jobFromRequest(req)
	if j.ExecutionMode == model.ExecScheduled {
		if err := scheduler.ValidateCron(j.CronExpression, j.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	created, err := h.deps.Store.CreateJob(r.Context(), j, tables)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.reschedule(r.Context(), created)
	writeJSONStatus(w, http.StatusCreated, toJobResponse(created, nil))
}

func (h *handlers) updateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	existing, found, err := h.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %d not found", id))
		return
	}
	if existing.IsRunning {
		writeError(w, http.StatusConflict, fmt.Errorf("job %q is running, stop it before editing", existing.Name))
		return
	}
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	j, tables := jobFromRequest(req)
	j.ID = id
	j.Status = existing.Status
	if j.ExecutionMode == model.ExecScheduled {
		if err := scheduler.ValidateCron(j.CronExpression, j.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := h.deps.Store.UpdateJob(r.Context(), j); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Tables) > 0 {
		if err := h.deps.Store.ReplaceTargetTables(r.Context(), id, tables); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	h.reschedule(r.Context(), j)
	writeJSON(w, toJobResponse(j, nil))
}

func (h *handlers) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if j, found, err := h.deps.Store.GetJob(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	} else if found && j.IsRunning {
		writeError(w, http.StatusConflict, fmt.Errorf("job %q is running, stop it before deleting", j.Name))
		return
	}
	if h.deps.Scheduler != nil {
		h.deps.Scheduler.RemoveJob(r.Context(), id)
	}
	if err := h.deps.Store.DeleteJob(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// reschedule keeps the cron registry in line with the stored job.
func (h *handlers) reschedule(ctx context.Context, j model.Job) {
	if h.deps.Scheduler == nil {
		return
	}
	if j.Status == model.JobActive && j.ExecutionMode == model.ExecScheduled {
		if err := h.deps.Scheduler.AddJob(ctx, j); err != nil {
			h.logger.Warn().Err(err).Int64("job_id", j.ID).Msg("reschedule failed")
		}
		return
	}
	h.deps.Scheduler.RemoveJob(ctx, j.ID)
}

// runJob triggers a run in the background and answers immediately: 202
// when the run was started, 409 when the job is already running.
func (h *handlers) runJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	j, found, err := h.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %d not found", id))
		return
	}
	if j.IsRunning {
		writeError(w, http.StatusConflict, fmt.Errorf("job %q is already running", j.Name))
		return
	}

	go func() {
		// The run outlives the request.
		if err := h.deps.Runner.RunJob(context.Background(), id); err != nil && !errors.Is(err, store.ErrBusy) {
			h.logger.Error().Err(err).Int64("job_id", id).Msg("manual run failed")
		}
	}()

	writeJSONStatus(w, http.StatusAccepted, map[string]any{"job_id": id, "started": true})
}

func (h *handlers) pauseJob(w http.ResponseWriter, r *http.Request) {
	h.setJobState(w, r, model.JobPaused)
}

func (h *handlers) resumeJob(w http.ResponseWriter, r *http.Request) {
	h.setJobState(w, r, model.JobActive)
}

func (h *handlers) setJobState(w http.ResponseWriter, r *http.Request, state model.JobStatus) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	j, found, err := h.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %d not found", id))
		return
	}
	if err := h.deps.Store.SetJobStatus(r.Context(), id, state); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	j.Status = state
	h.reschedule(r.Context(), j)
	writeJSON(w, map[string]any{"job_id": id, "status": string(state)})
}

// --- run logs and status ---

type runLogResponse struct {
	ID                 int64      `json:"id"`
	JobID              int64      `json:"job_id"`
	Status             string     `json:"status"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time"`
	DurationSeconds    *int       `json:"duration_seconds"`
	TablesProcessed    int        `json:"tables_processed"`
	RecordsTransferred int64      `json:"records_transferred"`
	LogDetails         string     `json:"log_details,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}

func toRunLogResponse(l model.RunLog, withDetails bool) runLogResponse {
	resp := runLogResponse{
		ID:                 l.ID,
		JobID:              l.JobID,
		Status:             string(l.Status),
		StartTime:          l.StartTime,
		EndTime:            l.EndTime,
		DurationSeconds:    l.DurationSeconds,
		TablesProcessed:    l.TablesProcessed,
		RecordsTransferred: l.RecordsTransferred,
		ErrorMessage:       l.ErrorMessage,
	}
	if withDetails {
		resp.LogDetails = l.LogDetails
	}
	return resp
}

func (h *handlers) listJobLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	logs, err := h.deps.Store.ListRunLogs(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]runLogResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, toRunLogResponse(l, false))
	}
	writeJSON(w, out)
}

func (h *handlers) getLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	l, found, err := h.deps.Store.GetRunLog(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("log %d not found", id))
		return
	}
	writeJSON(w, toRunLogResponse(l, true))
}

type runStatusResponse struct {
	ID                 int64  `json:"id"`
	JobID              int64  `json:"job_id"`
	ExecutionLogID     *int64 `json:"execution_log_id"`
	Status             string `json:"status"`
	CancelRequested    bool   `json:"cancel_requested"`
	CurrentStage       string `json:"current_stage"`
	ProgressPercentage int    `json:"progress_percentage"`
}

func toRunStatusResponse(s model.RunStatus) runStatusResponse {
	return runStatusResponse{
		ID:                 s.ID,
		JobID:              s.JobID,
		ExecutionLogID:     s.ExecutionLogID,
		Status:             string(s.Status),
		CancelRequested:    s.CancelRequested,
		CurrentStage:       s.CurrentStage,
		ProgressPercentage: s.ProgressPercentage,
	}
}

func (h *handlers) jobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s, found, err := h.deps.Status.LatestForJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("no runs recorded for job %d", id))
		return
	}
	writeJSON(w, toRunStatusResponse(s))
}

func (h *handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	applied, err := h.deps.Status.RequestCancel(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !applied {
		writeError(w, http.StatusConflict, fmt.Errorf("run %d already finished", id))
		return
	}
	writeJSON(w, map[string]any{"status_id": id, "cancel_requested": true})
}

// --- helpers ---

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
