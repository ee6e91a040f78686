// Package audit records control plane decisions so task dispatch can be
// reconstructed after the fact.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/store"
)

// Recorder appends decision records to the store. Recording failures are
// logged and swallowed so auditing can never block task flow.
type Recorder struct {
	store  store.Store
	logger *log.Logger
	now    func() time.Time
}

// NewRecorder constructs a Recorder. A nil logger uses the default.
func NewRecorder(s store.Store, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{store: s, logger: logger, now: time.Now}
}

// Record writes one decision. inputs is hashed, not stored, so records
// stay small while remaining comparable.
func (r *Recorder) Record(action, outcome, taskID string, inputs any, details string) {
	rec := &models.DecisionRecord{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: hashInputs(inputs),
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  r.now().UTC(),
	}
	if err := r.store.AppendDecision(rec); err != nil {
		r.logger.Printf("audit: failed to record %s/%s: %v", action, outcome, err)
	}
}

// ForTask returns all decisions recorded against a task.
func (r *Recorder) ForTask(taskID string) ([]models.DecisionRecord, error) {
	return r.store.ListDecisions(taskID)
}

func hashInputs(inputs any) string {
	b, err := json.Marshal(inputs)
	if err != nil {
		b = []byte("unserializable")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
