package acceptance

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Verification verdicts.
const (
	VerdictPassed = "passed"
	VerdictFailed = "failed"
)

// MethodAutoAcceptance identifies receipts produced by this runner.
const MethodAutoAcceptance = "auto-acceptance"

// Receipt proves a verification happened and against which payload. It is
// carried on the TASK_VERIFIED event; the event log is its durable home.
type Receipt struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"taskId"`
	Delegator   string    `json:"delegator"`
	Delegatee   string    `json:"delegatee"`
	PayloadHash string    `json:"payloadHash"`
	Verdict     string    `json:"verdict"`
	Method      string    `json:"method"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewReceipt builds a receipt over the raw handoff content.
func NewReceipt(taskID, delegator, delegatee, content, verdict string) Receipt {
	sum := sha256.Sum256([]byte(content))
	return Receipt{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		Delegator:   delegator,
		Delegatee:   delegatee,
		PayloadHash: hex.EncodeToString(sum[:]),
		Verdict:     verdict,
		Method:      MethodAutoAcceptance,
		Timestamp:   time.Now().UTC(),
	}
}
