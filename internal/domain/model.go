package domain

// SettlementModel configures batching for one settlement model name.
// Created once per model and immutable thereafter.
type SettlementModel struct {
	ID                      string           `json:"id"`
	Name                    string           `json:"settlementModel"` // unique
	BatchCreateIntervalSecs int64            `json:"batchCreateIntervalSecs"`
	IsActive                bool             `json:"isActive"`
	CreatedBy               string           `json:"createdBy"`
	CreatedDate             int64            `json:"createdDate"` // unix ms
	ChangeLog               []ChangeLogEntry `json:"changeLog"`
}

// ChangeLogEntry records one change to a settlement model.
type ChangeLogEntry struct {
	ChangeType string `json:"changeType"` // e.g. "CREATE"
	User       string `json:"user"`
	Timestamp  int64  `json:"timestamp"` // unix ms
}

// BucketStart returns the start (unix ms) of the batch time bucket containing
// timestampMs: floor(ts/1000/interval) * interval * 1000.
func (m *SettlementModel) BucketStart(timestampMs int64) int64 {
	interval := m.BatchCreateIntervalSecs
	if interval <= 0 {
		interval = 1
	}
	return (timestampMs / 1000 / interval) * interval * 1000
}
