package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Capabilities is a nullable JSON object describing either a job's
// required capabilities or a worker's advertised ones, e.g.
// {"gpu": true, "memoryGB": 16}. A nil Capabilities marshals to SQL NULL
// and is treated as "no requirements" by isSubset.
type Capabilities map[string]any

func marshalCaps(caps Capabilities) ([]byte, error) {
	if caps == nil {
		return nil, nil
	}
	b, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	return b, nil
}

func unmarshalCaps(raw []byte) (Capabilities, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var caps Capabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	return caps, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isSubset reports whether every key required names is present in
// available with an equal value. A nil/empty required always matches.
func isSubset(required, available Capabilities) bool {
	for k, v := range required {
		av, ok := available[k]
		if !ok || !capValueEqual(v, av) {
			return false
		}
	}
	return true
}

// capValueEqual compares capability values by their JSON encoding, since
// required arrives decoded from stored JSON (numbers as float64) while
// available may be built directly in Go (numbers as int), and those two
// representations are never == comparable directly.
func capValueEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
