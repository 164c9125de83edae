package store

import "time"

const (
	ActionAdd    = "ADD"
	ActionDelete = "DELETE"

	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Post is a catalog record. The three metadata arrays hold unique values;
// mutation goes through approved edit proposals only.
type Post struct {
	ID         string
	SourceID   string
	Title      string
	URL        string
	Characters []string
	Series     []string
	Tags       []string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PostEdit is a single-record edit proposal. Status moves pending → approved
// or pending → rejected exactly once.
type PostEdit struct {
	ID           string
	PostID       string
	SuggesterID  string
	FieldName    string
	Action       string
	Value        string
	Status       string
	ApproverID   string
	RejectReason string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

// EditHistoryEntry is the append-only audit record of one applied edit.
// UndoneAt is stamped at most once.
type EditHistoryEntry struct {
	ID          string
	PostID      string
	SuggesterID string
	ApproverID  string
	FieldName   string
	Action      string
	Value       string
	AppliedAt   time.Time
	UndoneAt    *time.Time
}

// GlobalEdit is a bulk proposal: one action applied to ActionField on every
// post whose ConditionField holds a value matching Pattern. PreviousValues is
// populated at application time and is non-nil iff the proposal is approved;
// it maps post id to the pre-edit ActionField array and exists solely for undo.
type GlobalEdit struct {
	ID             string
	SuggesterID    string
	ConditionField string
	Pattern        string
	Action         string
	ActionField    string
	ActionValue    string
	Status         string
	ApproverID     string
	RejectReason   string
	PreviousValues map[string][]string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
	UndoneAt       *time.Time
}

// GlobalEditMatch is one row of a bulk-edit preview.
type GlobalEditMatch struct {
	PostID        string
	Title         string
	MatchedValues []string
	CurrentValues []string
}
