package entry

import (
	"encoding/json"
	"sort"
	"time"
)

// jsonEntry is the on-disk/wire shape for Entry: created/updated as
// ISO-8601 strings (time.Time's default JSON encoding already does this)
// and idempotentKeys as a plain array.
type jsonEntry struct {
	ID             string    `json:"id"`
	Request        []byte    `json:"request,omitempty"`
	Output         []byte    `json:"output,omitempty"`
	HasOutput      bool      `json:"hasOutput"`
	LastError      string    `json:"lastError,omitempty"`
	Status         Status    `json:"status"`
	Created        time.Time `json:"created"`
	Updated        time.Time `json:"updated"`
	Worker         int       `json:"worker,omitempty"`
	HasWorker      bool      `json:"hasWorker"`
	Failures       int       `json:"failures"`
	IdempotentKeys []string  `json:"idempotentKeys"`
}

// MarshalJSON implements json.Marshaler.
func (e *Entry) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(e.IdempotentKeys))
	for k := range e.IdempotentKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return json.Marshal(jsonEntry{
		ID:             e.ID,
		Request:        e.Request,
		Output:         e.Output,
		HasOutput:      e.HasOutput,
		LastError:      e.LastError,
		Status:         e.Status,
		Created:        e.Created,
		Updated:        e.Updated,
		Worker:         e.Worker,
		HasWorker:      e.HasWorker,
		Failures:       e.Failures,
		IdempotentKeys: keys,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var j jsonEntry
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.ID = j.ID
	e.Request = j.Request
	e.Output = j.Output
	e.HasOutput = j.HasOutput
	e.LastError = j.LastError
	e.Status = j.Status
	e.Created = j.Created
	e.Updated = j.Updated
	e.Worker = j.Worker
	e.HasWorker = j.HasWorker
	e.Failures = j.Failures
	if len(j.IdempotentKeys) > 0 {
		e.IdempotentKeys = make(map[string]struct{}, len(j.IdempotentKeys))
		for _, k := range j.IdempotentKeys {
			e.IdempotentKeys[k] = struct{}{}
		}
	}
	return nil
}
