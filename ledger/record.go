package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/PylonLabs/pylon/models"
	"github.com/PylonLabs/pylon/resp"
)

/*
	A key record is stored remotely as a hash so the credit script can
	HINCRBY individual counters. The mutable metadata map rides along
	as one JSON field; it is opaque to the scripts.
*/

const (
	fieldName      = "name"
	fieldBalance   = "balance"
	fieldSpent     = "spent"
	fieldCalls     = "calls"
	fieldDisabled  = "disabled"
	fieldMeta      = "meta"
	fieldCreatedAt = "created_at"
)

// recordToFields flattens a record into the field/value list HSET
// expects.
func recordToFields(r *models.KeyRecord) ([]string, error) {
	meta := "{}"
	if len(r.Meta) > 0 {
		raw, err := json.Marshal(r.Meta)
		if err != nil {
			return nil, fmt.Errorf("ledger: marshal meta for key %s: %w", r.ID, err)
		}
		meta = string(raw)
	}
	disabled := "0"
	if r.Disabled {
		disabled = "1"
	}
	createdAt := ""
	if !r.CreatedAt.IsZero() {
		createdAt = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return []string{
		fieldName, r.Name,
		fieldBalance, strconv.FormatInt(r.Balance, 10),
		fieldSpent, strconv.FormatInt(r.Spent, 10),
		fieldCalls, strconv.FormatInt(r.Calls, 10),
		fieldDisabled, disabled,
		fieldMeta, meta,
		fieldCreatedAt, createdAt,
	}, nil
}

// recordFromHash rebuilds a record from hash fields. Unknown fields
// are ignored; missing counters default to zero.
func recordFromHash(id string, fields map[string]string) (*models.KeyRecord, error) {
	r := &models.KeyRecord{ID: id}
	r.Name = fields[fieldName]
	r.Disabled = fields[fieldDisabled] == "1"

	var err error
	if r.Balance, err = fieldInt(fields, fieldBalance); err != nil {
		return nil, err
	}
	if r.Spent, err = fieldInt(fields, fieldSpent); err != nil {
		return nil, err
	}
	if r.Calls, err = fieldInt(fields, fieldCalls); err != nil {
		return nil, err
	}

	if raw := fields[fieldMeta]; raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &r.Meta); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal meta for key %s: %w", id, err)
		}
	}
	if raw := fields[fieldCreatedAt]; raw != "" {
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("ledger: parse created_at for key %s: %w", id, err)
		}
	}
	return r, nil
}

func fieldInt(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ledger: field %s is not an integer: %w", name, err)
	}
	return n, nil
}

// hashReplyToMap converts the flat field/value array an HGETALL emits
// into a map. A nil map means the hash does not exist.
func hashReplyToMap(reply resp.Reply) (map[string]string, error) {
	if reply.IsNull() {
		return nil, nil
	}
	if reply.Kind != resp.KindArray {
		return nil, fmt.Errorf("ledger: expected array reply for hash, got %s", reply.Kind)
	}
	if len(reply.Array) == 0 {
		return nil, nil
	}
	if len(reply.Array)%2 != 0 {
		return nil, fmt.Errorf("ledger: odd-length hash reply (%d elements)", len(reply.Array))
	}
	fields := make(map[string]string, len(reply.Array)/2)
	for i := 0; i+1 < len(reply.Array); i += 2 {
		fields[reply.Array[i].Text()] = reply.Array[i+1].Text()
	}
	return fields, nil
}
