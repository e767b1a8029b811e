package pipeline

import (
	"bytes"
	"encoding/gob"
	"log/slog"
	"reflect"
)

// Copier is implemented by payloads that know how to copy themselves. On
// DeepCopyOutput edges the producer prefers this over the generic gob
// round-trip, which only covers exported reachable state.
type Copier interface {
	DeepCopy() any
}

// deepCopy returns a structural copy of v. Payloads implementing Copier copy
// themselves; everything else goes through a gob round-trip. When the value
// cannot be copied the original is forwarded and a warning is logged, since
// losing the item would violate the no-loss property.
func deepCopy(v any, logger *slog.Logger) any {
	if v == nil {
		return nil
	}

	if c, ok := v.(Copier); ok {
		return c.DeepCopy()
	}

	var buf bytes.Buffer

	encErr := gob.NewEncoder(&buf).Encode(v)
	if encErr != nil {
		logger.Warn("deep copy encode failed, forwarding original", slog.Any("error", encErr))

		return v
	}

	out := reflect.New(reflect.TypeOf(v))

	decErr := gob.NewDecoder(&buf).Decode(out.Interface())
	if decErr != nil {
		logger.Warn("deep copy decode failed, forwarding original", slog.Any("error", decErr))

		return v
	}

	return out.Elem().Interface()
}
