package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID  = "request_id"
	FieldJobID      = "job_id"
	FieldDownloadID = "download_id"
	FieldTrackID    = "track_id"
	FieldArtistID   = "artist_id"
	FieldWorkerID   = "worker_id"
	FieldSessionID  = "session_id"

	// Process / pipeline fields
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldTaskType  = "task_type"
	FieldJobType   = "job_type"
	FieldService   = "external_service"

	// State fields
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
	FieldErrorCode = "error_code"

	// Transfer fields
	FieldUsername = "username"
	FieldFilename = "filename"
	FieldProgress = "progress"

	// Path / URL fields
	FieldPath    = "path"
	FieldBaseURL = "base_url"
)
