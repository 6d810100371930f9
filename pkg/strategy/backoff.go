package strategy

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// maxFibonacciIndex bounds the Fibonacci lookup. Indexes past it use
// fibonacciSentinel, which saturates every realistic base delay.
const maxFibonacciIndex = 70

var fibonacciSentinel = math.MaxFloat64

// fibonacci holds fib(0..maxFibonacciIndex) with fib(1) = fib(2) = 1.
var fibonacci = func() [maxFibonacciIndex + 1]float64 {
	var seq [maxFibonacciIndex + 1]float64
	var a, b int64 = 0, 1
	for i := range seq {
		seq[i] = float64(a)
		a, b = b, a+b
	}
	return seq
}()

// BackoffOption configures a backoff strategy. Options that do not apply to a
// strategy are ignored by it.
type BackoffOption func(*backoff)

// WithMultiplier sets the growth factor of Exponential (default 2)
func WithMultiplier(multiplier float64) BackoffOption {
	return func(b *backoff) {
		b.multiplier = multiplier
	}
}

// WithMaxDelay caps every computed delay. Zero disables the cap.
func WithMaxDelay(maxDelay time.Duration) BackoffOption {
	return func(b *backoff) {
		b.maxDelay = maxDelay
	}
}

// WithJitter perturbs Exponential and Fixed delays uniformly by up to
// ±percent of their value.
func WithJitter(percent float64) BackoffOption {
	return func(b *backoff) {
		b.jitterPercent = math.Max(0, percent)
	}
}

// WithIncrement sets the per-attempt increment of Linear (default: the base delay)
func WithIncrement(increment time.Duration) BackoffOption {
	return func(b *backoff) {
		b.increment = increment
		b.incrementSet = true
	}
}

// WithMinFactor sets the lower bound factor of DecorrelatedJitter (default 1)
func WithMinFactor(factor float64) BackoffOption {
	return func(b *backoff) {
		b.minFactor = factor
	}
}

// WithMaxFactor sets the upper bound factor of DecorrelatedJitter (default 3)
func WithMaxFactor(factor float64) BackoffOption {
	return func(b *backoff) {
		b.maxFactor = factor
	}
}

// WithRandom sets the random source used for jitter. The source is guarded by
// a mutex, so a strategy may be shared between goroutines.
func WithRandom(r *rand.Rand) BackoffOption {
	return func(b *backoff) {
		if r != nil {
			b.rnd = &lockedRand{r: r}
		}
	}
}

// backoff holds the parameters shared by the backoff family.
type backoff struct {
	base          time.Duration
	multiplier    float64
	maxDelay      time.Duration
	jitterPercent float64
	increment     time.Duration
	incrementSet  bool
	minFactor     float64
	maxFactor     float64
	rnd           *lockedRand
}

func newBackoff(base time.Duration, opts []BackoffOption) backoff {
	b := backoff{
		base:       max(base, 0),
		multiplier: 2.0,
		minFactor:  1.0,
		maxFactor:  3.0,
	}
	for _, opt := range opts {
		opt(&b)
	}
	if !b.incrementSet {
		b.increment = b.base
	}
	return b
}

// ShouldRetry implements Strategy
func (b *backoff) ShouldRetry(attempt, maxAttempts int, lastErr error) bool {
	return allowed(attempt, maxAttempts)
}

// BaseDelay returns the configured base delay
func (b *backoff) BaseDelay() time.Duration {
	return b.base
}

func (b *backoff) jitter(d time.Duration) time.Duration {
	if b.jitterPercent == 0 || d <= 0 {
		return d
	}
	spread := b.jitterPercent / 100 * (2*b.random() - 1)
	return scale(d, 1+spread)
}

func (b *backoff) random() float64 {
	if b.rnd == nil {
		return rand.Float64()
	}
	return b.rnd.Float64()
}

// Exponential grows the delay geometrically: base * multiplier^attempt.
type Exponential struct {
	backoff
}

// NewExponential creates an exponential backoff strategy
func NewExponential(base time.Duration, opts ...BackoffOption) *Exponential {
	return &Exponential{backoff: newBackoff(base, opts)}
}

// Delay implements Strategy
func (e *Exponential) Delay(attempt int) time.Duration {
	attempt = max(attempt, 0)
	d := scale(e.base, math.Pow(e.multiplier, float64(attempt)))
	return capDelay(e.jitter(d), e.maxDelay)
}

// Linear grows the delay by a fixed increment: base + increment*attempt.
type Linear struct {
	backoff
}

// NewLinear creates a linear backoff strategy
func NewLinear(base time.Duration, opts ...BackoffOption) *Linear {
	return &Linear{backoff: newBackoff(base, opts)}
}

// Delay implements Strategy
func (l *Linear) Delay(attempt int) time.Duration {
	attempt = max(attempt, 0)
	step := scale(l.increment, float64(attempt))
	if l.increment < 0 {
		step = -scale(-l.increment, float64(attempt))
	}
	d := l.base + step
	if step > 0 && d < l.base {
		d = time.Duration(math.MaxInt64)
	}
	return capDelay(d, l.maxDelay)
}

// Fixed waits the same delay before every attempt.
type Fixed struct {
	backoff
}

// NewFixed creates a fixed backoff strategy
func NewFixed(delay time.Duration, opts ...BackoffOption) *Fixed {
	return &Fixed{backoff: newBackoff(delay, opts)}
}

// Delay implements Strategy
func (f *Fixed) Delay(attempt int) time.Duration {
	return capDelay(f.jitter(f.base), f.maxDelay)
}

// Fibonacci scales the base delay along the Fibonacci sequence:
// base * fib(attempt+1), so the first delays are 1, 1, 2, 3, 5 times base.
type Fibonacci struct {
	backoff
}

// NewFibonacci creates a Fibonacci backoff strategy
func NewFibonacci(base time.Duration, opts ...BackoffOption) *Fibonacci {
	return &Fibonacci{backoff: newBackoff(base, opts)}
}

// Delay implements Strategy
func (f *Fibonacci) Delay(attempt int) time.Duration {
	return capDelay(scale(f.base, fib(max(attempt, 0)+1)), f.maxDelay)
}

func fib(n int) float64 {
	if n > maxFibonacciIndex {
		return fibonacciSentinel
	}
	return fibonacci[n]
}

// DecorrelatedJitter draws each delay uniformly from
// [base*minFactor, min(maxDelay, base*maxFactor*2^attempt)], which spreads
// retries of concurrent clients apart.
type DecorrelatedJitter struct {
	backoff
}

// NewDecorrelatedJitter creates a decorrelated jitter backoff strategy
func NewDecorrelatedJitter(base time.Duration, opts ...BackoffOption) *DecorrelatedJitter {
	return &DecorrelatedJitter{backoff: newBackoff(base, opts)}
}

// Delay implements Strategy
func (j *DecorrelatedJitter) Delay(attempt int) time.Duration {
	lo, hi := j.Bounds(attempt)
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(j.random()*float64(hi-lo))
}

// Bounds returns the interval Delay draws from for attempt. When the cap
// pulls the upper bound below the lower one, the lower bound follows it down.
func (j *DecorrelatedJitter) Bounds(attempt int) (lo, hi time.Duration) {
	attempt = max(attempt, 0)
	lo = scale(j.base, j.minFactor)
	hi = scale(j.base, j.maxFactor*math.Pow(2, float64(attempt)))
	hi = capDelay(hi, j.maxDelay)
	if hi < lo {
		lo = hi
	}
	return lo, hi
}

// lockedRand makes a *rand.Rand safe for concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}
