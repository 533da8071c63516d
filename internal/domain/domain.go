package domain

// Process statuses.
const (
	StatusInProgress         = "IN_PROGRESS"
	StatusSubmitted          = "SUBMITTED"
	StatusProcessing         = "PROCESSING"
	StatusVariationRequested = "VARIATION_REQUESTED"
	StatusCompleted          = "COMPLETED"
	StatusWithdrawn          = "WITHDRAWN"
	StatusStopped            = "STOPPED"
	StatusRefused            = "REFUSED"
	StatusRevoked            = "REVOKED"
)

// Task types.
const (
	TaskPrepare         = "PREPARE"
	TaskProcess         = "PROCESS"
	TaskAuthorise       = "AUTHORISE"
	TaskDocumentSigning = "DOCUMENT_SIGNING"
	TaskDocumentError   = "DOCUMENT_ERROR"
	TaskChiefWait       = "CHIEF_WAIT"
	TaskChiefRevokeWait = "CHIEF_REVOKE_WAIT"
	TaskChiefError      = "CHIEF_ERROR"
	TaskVariationChange = "VR_REQUEST_CHANGE"
	TaskRejected        = "REJECTED"
)

// IsSideTask reports whether a task type may be active next to a primary task.
func IsSideTask(taskType string) bool {
	return taskType == TaskVariationChange
}

// Pack statuses.
const (
	PackDraft    = "DRAFT"
	PackActive   = "ACTIVE"
	PackArchived = "ARCHIVED"
	PackRevoked  = "REVOKED"
)

// Document types.
const (
	DocLicence     = "LICENCE"
	DocCoverLetter = "COVER_LETTER"
	DocCertificate = "CERTIFICATE"
)

// Confirmation request kinds and statuses.
const (
	RequestIssue  = "ISSUE"
	RequestRevoke = "REVOKE"

	RequestPending  = "PENDING"
	RequestAccepted = "ACCEPTED"
	RequestRejected = "REJECTED"
)

// Barrier and job statuses.
const (
	BarrierOpen       = "OPEN"
	BarrierSucceeded  = "SUCCEEDED"
	BarrierFailed     = "FAILED"
	BarrierSuperseded = "SUPERSEDED"

	JobQueued    = "QUEUED"
	JobRunning   = "RUNNING"
	JobSucceeded = "SUCCEEDED"
	JobFailed    = "FAILED"
)

type Process struct {
	ID               string   `json:"id"`
	ProcessType      string   `json:"process_type"`
	Status           string   `json:"status" enum:"IN_PROGRESS,SUBMITTED,PROCESSING,VARIATION_REQUESTED,COMPLETED,WITHDRAWN,STOPPED,REFUSED,REVOKED"`
	IsActive         bool     `json:"is_active"`
	Reference        *string  `json:"reference,omitempty"`
	VariationNo      int      `json:"variation_no"`
	PaperLicenceOnly bool     `json:"paper_licence_only"`
	Countries        []string `json:"countries,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID         string  `json:"id"`
	ProcessID  string  `json:"process_id"`
	TaskType   string  `json:"task_type"`
	IsActive   bool    `json:"is_active"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
	Owner      *string `json:"owner,omitempty"`
	PreviousID *string `json:"previous_id,omitempty"`
	DataJSON   *string `json:"data_json,omitempty"`
}

type Pack struct {
	ID                string  `json:"id"`
	ProcessID         string  `json:"process_id"`
	Status            string  `json:"status" enum:"DRAFT,ACTIVE,ARCHIVED,REVOKED"`
	CaseReference     *string `json:"case_reference,omitempty"`
	CaseCompletionAt  *string `json:"case_completion_at,omitempty" format:"date-time"`
	RevokeReason      *string `json:"revoke_reason,omitempty"`
	RevokeConfirmedAt *string `json:"revoke_confirmed_at,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

// CDR is one numbered document inside a pack.
type CDR struct {
	ID           string  `json:"id"`
	PackID       string  `json:"pack_id"`
	DocumentType string  `json:"document_type" enum:"LICENCE,COVER_LETTER,CERTIFICATE"`
	Country      *string `json:"country,omitempty"`
	Reference    *string `json:"reference,omitempty"`
	CheckCode    string  `json:"check_code"`
	FileKey      *string `json:"file_key,omitempty"`
	FileName     *string `json:"file_name,omitempty"`
	FileSize     *int64  `json:"file_size,omitempty"`
	GeneratedAt  *string `json:"generated_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type SequenceCounter struct {
	Prefix string `json:"prefix"`
	Year   int    `json:"year"`
	Value  int64  `json:"value"`
}

// ConfirmationRequest records one submission to the external authority.
type ConfirmationRequest struct {
	ID               string   `json:"id"`
	ProcessID        string   `json:"process_id"`
	PackID           string   `json:"pack_id"`
	CorrelationID    string   `json:"correlation_id"`
	Kind             string   `json:"kind" enum:"ISSUE,REVOKE"`
	Status           string   `json:"status" enum:"PENDING,ACCEPTED,REJECTED"`
	LicenceReference *string  `json:"licence_reference,omitempty"`
	Errors           []string `json:"errors,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	RespondedAt      *string  `json:"responded_at,omitempty" format:"date-time"`
}

// Barrier joins the generation jobs of one fan-out.
type Barrier struct {
	ID         string  `json:"id"`
	ProcessID  string  `json:"process_id"`
	PackID     string  `json:"pack_id"`
	ActorID    string  `json:"actor_id"`
	Total      int     `json:"total"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Status     string  `json:"status" enum:"OPEN,SUCCEEDED,FAILED,SUPERSEDED"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

type Job struct {
	ID         string  `json:"id"`
	BarrierID  string  `json:"barrier_id"`
	CDRID      string  `json:"cdr_id"`
	Status     string  `json:"status" enum:"QUEUED,RUNNING,SUCCEEDED,FAILED"`
	Error      *string `json:"error,omitempty"`
	ClaimedBy  *string `json:"claimed_by,omitempty"`
	ClaimedAt  *string `json:"claimed_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ProcessID   string `json:"process_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
