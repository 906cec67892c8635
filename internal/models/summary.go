package models

// Outcome statuses reported by a dispatch batch. Published and failed match
// the job statuses they produce; skipped means the job was claimed or
// cancelled by someone else before this batch could mark it publishing.
const (
	OutcomeSkipped Status = "skipped"
)

type DispatchResult struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Summary struct {
	Processed int              `json:"processed"`
	Results   []DispatchResult `json:"results,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// Count returns how many results ended in the given status.
func (s *Summary) Count(status Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}
