package syncer

import (
	"fmt"
	"time"

	"github.com/galedi/lvsync/internal/records"
)

type IngestResult struct {
	Inserted      int  `json:"inserted"`
	Duplicates    int  `json:"duplicates"`
	Rejected      int  `json:"rejected"`
	Failed        int  `json:"failed"`
	SourceRemoved bool `json:"sourceRemoved,omitempty"`
}

type ExportResult struct {
	Action          Action `json:"action"`
	Exported        int    `json:"exported"`
	Delivered       int64  `json:"delivered"`
	FeedbackRemoved bool   `json:"feedbackRemoved,omitempty"`
}

type PartnerResult struct {
	Partner records.PartnerID `json:"partner"`
	Ingest  *IngestResult     `json:"ingest,omitempty"`
	Export  *ExportResult     `json:"export,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type CycleReport struct {
	RunID      string          `json:"runId"`
	Pipeline   Pipeline        `json:"pipeline"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Partners   []PartnerResult `json:"partners"`
}

// Failed counts the partners whose step was abandoned.
func (r CycleReport) Failed() int {
	n := 0
	for _, p := range r.Partners {
		if p.Error != "" {
			n++
		}
	}
	return n
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	for _, candidate := range []Action{ActionIdle, ActionExport, ActionRemoveFeedback, ActionFeedbackPending} {
		if candidate.String() == string(text) {
			*a = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown action %q", text)
}
