// Package retry runs fallible operations under a retry strategy.
//
// An Executor combines a strategy.Strategy with an error classifier. Each
// failure is classified by walking its cause chain; only retryable failures
// that the strategy accepts are attempted again, after the delay the strategy
// asks for. A run never returns an error directly: it returns a Result that
// carries either the value or the final error together with the history of
// failed attempts.
//
// Key Features:
//
//   - Classification of nested errors through classify.Registry, extendable
//     per call with extra types, sentinels and message patterns
//   - RetryIf and RetryUnless predicates that override the built-in decision
//   - Per-attempt timeouts (cooperative) and a total timeout budget
//   - A RetryContext per run with attempt history, timing metrics and metadata
//   - Lifecycle events for logging (zap), an event bus and Prometheus metrics
//   - Promise-like chaining on Result: Then, Map, Catch, Finally
//
// Basic usage example:
//
//	executor := retry.NewExecutor(
//		strategy.NewExponential(100*time.Millisecond, strategy.WithMaxDelay(2*time.Second)),
//		retry.WithMaxRetries(5),
//		retry.WithTotalTimeout(10*time.Second),
//	)
//
//	user, err := retry.Run(ctx, executor, func(ctx context.Context) (*User, error) {
//		return client.GetUser(ctx, id)
//	}).Value()
//
// Chaining example:
//
//	name, err := retry.Map(retry.Run(ctx, executor, fetchUser), func(u *User) (string, error) {
//		return u.Name, nil
//	}).Catch(func(err error) (string, error) {
//		return "anonymous", nil
//	}).Value()
package retry
