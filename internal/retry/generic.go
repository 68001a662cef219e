package retry

import "context"

// DoTyped is a type-safe wrapper around Retryer.Do that carries a result.
//
//	ack, err := retry.DoTyped(r, ctx, func(attempt int) (Ack, error) {
//	    return transport.Deliver(ctx, msg)
//	})
func DoTyped[T any](r Retryer, ctx context.Context, fn func(attempt int) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(attempt int) error {
		v, err := fn(attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
