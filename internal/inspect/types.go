package inspect

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a submitted report.
type Status string

const (
	StatusReviewPending   Status = "REVIEW_PENDING"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusActionRequired  Status = "ACTION_REQUIRED"
	StatusActionSubmitted Status = "ACTION_SUBMITTED"
	StatusEscalated       Status = "ESCALATED"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Decision is a QC verdict on a pending report.
type Decision string

const (
	DecisionApprove        Decision = "APPROVE"
	DecisionReject         Decision = "REJECT"
	DecisionActionRequired Decision = "ACTION_REQUIRED"
)

// SystemActorID attributes scheduler-driven transitions in the audit trail.
const SystemActorID = "SYSTEM"

// Answer is one completed inspection question.
type Answer struct {
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
}

// TrailEntry is one append-only audit record. From is empty for the
// submission entry.
type TrailEntry struct {
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actor_id"`
	Remark    string    `json:"remark,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is a geotagged inspection submission moving through the QC workflow.
type Report struct {
	ID             string       `json:"id"`
	AssetID        string       `json:"asset_id"`
	ModuleKey      string       `json:"module_key"`
	SubmittedByID  string       `json:"submitted_by_id"`
	Status         Status       `json:"status"`
	Answers        []Answer     `json:"answers"`
	DistanceMeters float64      `json:"distance_meters"`
	QCRemark       string       `json:"qc_remark,omitempty"`
	ActionRemark   string       `json:"action_remark,omitempty"`
	ActionEvidence string       `json:"action_evidence,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Trail          []TrailEntry `json:"trail"`
}

var (
	ErrNotFound          = errors.New("inspect: report not found")
	ErrForbidden         = errors.New("inspect: actor not authorized for this record")
	ErrInvalidTransition = errors.New("inspect: transition not permitted from current status")
	ErrOutOfRange        = errors.New("inspect: proximity check failed")
	ErrRemarkRequired    = errors.New("inspect: remark is required")
	ErrEvidenceRequired  = errors.New("inspect: evidence is required")
	ErrNoAnswers         = errors.New("inspect: report has no answers")
	ErrDataIntegrity     = errors.New("inspect: record fails integrity checks")
)

// allowedTransitions encodes the lifecycle. Submission (empty From) is handled
// separately; terminal states have no outgoing edges.
var allowedTransitions = map[Status][]Status{
	StatusReviewPending:   {StatusApproved, StatusRejected, StatusActionRequired, StatusEscalated},
	StatusActionRequired:  {StatusActionSubmitted},
	StatusActionSubmitted: {StatusApproved, StatusRejected},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
