package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/devrev/cqrsengine/internal/model"
)

// SQL adapters keep the immutable part of a record as a JSON body and the
// mutable fields in their own columns.

func encodeCommand(rec *model.CommandRecord) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	return body, nil
}

func decodeCommand(body []byte, status, token, errMsg string, statusUpdatedAt time.Time) (*model.CommandRecord, error) {
	var rec model.CommandRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	rec.Status = model.CommandStatus(status)
	rec.CallbackToken = token
	rec.Error = errMsg
	rec.StatusUpdatedAt = statusUpdatedAt
	return &rec, nil
}

func encodeData(rec *model.DataRecord) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data record: %w", err)
	}
	return body, nil
}

func decodeData(body []byte) (*model.DataRecord, error) {
	var rec model.DataRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data record: %w", err)
	}
	return &rec, nil
}

func encodePayload(p model.SignalPayload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signal payload: %w", err)
	}
	return body, nil
}

func decodePayload(body []byte) (model.SignalPayload, error) {
	var p model.SignalPayload
	if len(body) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal signal payload: %w", err)
	}
	return p, nil
}

func statusStrings(statuses []model.CommandStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// placeholders renders "?, ?, ?" for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// prefixPattern escapes a sort key prefix for LIKE with '\' as escape character
func prefixPattern(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// globPattern builds a case sensitive SQLite GLOB prefix match
func globPattern(prefix string) string {
	r := strings.NewReplacer(`[`, `[[]`, `*`, `[*]`, `?`, `[?]`)
	return r.Replace(prefix) + "*"
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}
