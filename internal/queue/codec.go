package queue

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/SirClappington/jobq/internal/domain"
)

// Timestamps are stored as Unix milliseconds so Lua can compare them with
// tonumber. Empty strings stand for null.

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func optMS(t *time.Time) string {
	if t == nil {
		return ""
	}
	return ms(*t)
}

func optString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseMS(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(n).UTC(), true
}

func parseOptMS(s string) *time.Time {
	t, ok := parseMS(s)
	if !ok {
		return nil
	}
	return &t
}

func parseOptString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// jobFields flattens a job to HSET field/value pairs.
func jobFields(j *domain.Job) []interface{} {
	return []interface{}{
		"id", j.ID,
		"type", j.Type,
		"payload", string(j.Payload),
		"priority", string(j.Priority),
		"state", string(j.State),
		"attempts", strconv.Itoa(j.Attempts),
		"max_attempts", strconv.Itoa(j.MaxAttempts),
		"created_at", ms(j.CreatedAt),
		"updated_at", ms(j.UpdatedAt),
		"not_before", optMS(j.NotBefore),
		"finished_at", optMS(j.FinishedAt),
		"last_error", optString(j.LastError),
		"result", string(j.Result),
		"lease_owner", optString(j.LeaseOwner),
		"lease_expiry", optMS(j.LeaseExpiry),
	}
}

func mapToJob(m map[string]string) *domain.Job {
	attempts, _ := strconv.Atoi(m["attempts"])        //nolint:errcheck // written by jobFields
	maxAttempts, _ := strconv.Atoi(m["max_attempts"]) //nolint:errcheck // written by jobFields
	createdAt, _ := parseMS(m["created_at"])
	updatedAt, _ := parseMS(m["updated_at"])

	j := &domain.Job{
		ID:          m["id"],
		Type:        m["type"],
		Priority:    domain.Priority(m["priority"]),
		State:       domain.State(m["state"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		NotBefore:   parseOptMS(m["not_before"]),
		FinishedAt:  parseOptMS(m["finished_at"]),
		LastError:   parseOptString(m["last_error"]),
		LeaseOwner:  parseOptString(m["lease_owner"]),
		LeaseExpiry: parseOptMS(m["lease_expiry"]),
	}
	if p := m["payload"]; p != "" {
		j.Payload = json.RawMessage(p)
	}
	if res := m["result"]; res != "" {
		j.Result = json.RawMessage(res)
	}
	return j
}

// pairsToMap converts an HGETALL reply returned from Lua (a flat array).
func pairsToMap(v interface{}) map[string]string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	m := make(map[string]string, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		k, _ := arr[i].(string)
		val, _ := arr[i+1].(string)
		m[k] = val
	}
	return m
}
