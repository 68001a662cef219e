package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetTyped unmarshals the stored result into T.
//
//	ack, found, err := idempotency.GetTyped[handoff.Ack](m, ctx, messageID)
func GetTyped[T any](m Manager, ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, found, err := m.Get(ctx, key)
	if err != nil || !found {
		return zero, found, err
	}
	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return zero, false, fmt.Errorf("unmarshal cached result: %w", err)
	}
	return result, true, nil
}
