package boson

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks runtime statistics for one Scheduler.
// Metrics are designed to be low-overhead and thread-safe, and are only
// populated when the owning Engine is built with WithMetrics(true).
//
// Thread Safety:
//   - All Metrics methods are thread-safe and can be called from any goroutine.
//   - LatencyMetrics uses sync.RWMutex (single-writer, multi-reader).
//   - QueueMetrics uses sync.RWMutex (single-writer, multi-reader).
//   - ResumeRate uses atomic operations and mutex for rotation.
//   - Metrics() returns a copy, safe for concurrent reads.
//
// Example:
//
//	eng, _ := NewEngine(4, WithMetrics(true))
//	stats := eng.Scheduler(0).Metrics()
//	fmt.Printf("resumes/s: %.2f, P99 resume latency: %v\n",
//		stats.ResumeRate, stats.Latency.P99)
type Metrics struct {
	// Latency metrics (has pointer field - put first for alignment)
	Latency LatencyMetrics

	// Queue depth metrics
	Queue QueueMetrics

	mu sync.Mutex

	// ResumeRate is the number of routine resumes per second, over a
	// rolling window (see ResumeRateCounter).
	ResumeRate float64
}

// LatencyMetrics tracks the distribution of routine resume time: how long
// one resume call lasts, from the scheduler handing control to a routine
// until the routine hands it back, read from the scheduler's
// millisecond-resolution cached clock. Uses the
// P-Square algorithm for O(1) streaming percentile estimation, which is
// more efficient than the previous O(n log n) sorting approach.
type LatencyMetrics struct {
	// Pointer fields first for optimal alignment (betteralign)
	psquare *pSquareMultiQuantile

	// Lock for thread-safe access
	mu sync.RWMutex

	// Rolling sample buffer: exact percentiles while fewer than 5
	// samples exist, and Sum/Mean over the last sampleSize samples
	sampleIdx   int
	sampleCount int
	samples     [sampleSize]time.Duration

	// Computed percentiles (cached after Sample() call)
	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration

	// Statistics
	Mean time.Duration
	Sum  time.Duration
}

// sampleSize is the maximum number of latency samples to retain.
// We keep a rolling buffer of 1000 samples to compute percentiles.
const sampleSize = 1000

// Record records a latency sample.
// This is called internally by the loop after each routine resume.
// Uses O(1) P-Square algorithm for streaming percentile updates.
func (l *LatencyMetrics) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Initialize P-Square estimator on first use (lazy initialization)
	if l.psquare == nil {
		// Track P50 (0.5), P90 (0.9), P95 (0.95), P99 (0.99)
		l.psquare = newPSquareMultiQuantile(0.50, 0.90, 0.95, 0.99)
	}

	// Update P-Square estimator with the new sample (O(1))
	l.psquare.Update(float64(duration))

	// Also update legacy sample buffer for backward compatibility
	// (used when sample count < sampleSize for exact percentiles)
	if l.sampleCount >= sampleSize {
		old := l.samples[l.sampleIdx]
		l.Sum -= old
	}

	l.samples[l.sampleIdx] = duration
	l.Sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample computes percentiles from collected samples.
// This should be called periodically to update the cached percentile values.
// Returns the number of samples used for computation.
//
// Performance note: For sample counts >= 5, this uses the P-Square algorithm
// which is O(1). For smaller counts, falls back to O(n log n) sorting for
// exact percentile values. The previous implementation was always O(n log n).
func (l *LatencyMetrics) Sample() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.sampleCount
	if count == 0 {
		return 0
	}

	// For small sample counts (< 5), use exact sorting method
	if count < 5 || l.psquare == nil {
		// Clone and sort samples for percentile computation
		sorted := make([]time.Duration, count)
		copy(sorted, l.samples[:count])

		// Use standard library sort (O(n log n))
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i] < sorted[j]
		})

		// Compute percentiles
		l.P50 = sorted[percentileIndex(count, 50)]
		l.P90 = sorted[percentileIndex(count, 90)]
		l.P95 = sorted[percentileIndex(count, 95)]
		l.P99 = sorted[percentileIndex(count, 99)]
		l.Max = sorted[count-1]
		l.Mean = l.Sum / time.Duration(count)

		return count
	}

	// Use P-Square algorithm for O(1) percentile retrieval
	// Index 0 = P50, Index 1 = P90, Index 2 = P95, Index 3 = P99
	l.P50 = time.Duration(l.psquare.Quantile(0))
	l.P90 = time.Duration(l.psquare.Quantile(1))
	l.P95 = time.Duration(l.psquare.Quantile(2))
	l.P99 = time.Duration(l.psquare.Quantile(3))
	l.Max = time.Duration(l.psquare.Max())

	// Use the ring buffer's Sum for Mean calculation to maintain semantic
	// compatibility with the circular buffer (tracks last sampleSize samples)
	l.Mean = l.Sum / time.Duration(count)

	return count
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// QueueMetrics tracks depth statistics for the three places a routine
// can be queued: the cross-thread LCRQ inbox (spec §4.1), the
// scheduler's own ready queue (spec §4.2's sparse slot vector), and its
// armed waits: the scheduler reports the number of fd read/write
// registrations plus pending timers as the waiting depth; semaphore and
// channel waits are not counted.
type QueueMetrics struct {
	mu sync.RWMutex

	// Current queue depths
	InboxCurrent   int
	ReadyCurrent   int
	WaitingCurrent int

	// Maximum observed depths
	InboxMax   int
	ReadyMax   int
	WaitingMax int

	// Average depths (exponential moving average with alpha=0.1)
	// Warmstart: EMA initializes to first observed value for accuracy
	InboxAvg   float64
	ReadyAvg   float64
	WaitingAvg float64

	inboxEMAInitialized   bool
	readyEMAInitialized   bool
	waitingEMAInitialized bool
}

// UpdateInbox updates the LCRQ inbox depth metrics.
func (q *QueueMetrics) UpdateInbox(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.InboxCurrent = depth
	if depth > q.InboxMax {
		q.InboxMax = depth
	}
	// Exponential moving average with alpha=0.1
	// Warmstart: initialize to first observed value for accuracy
	if !q.inboxEMAInitialized {
		q.InboxAvg = float64(depth)
		q.inboxEMAInitialized = true
	} else {
		q.InboxAvg = 0.9*q.InboxAvg + 0.1*float64(depth)
	}
}

// UpdateReady updates the ready-queue depth metrics.
func (q *QueueMetrics) UpdateReady(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ReadyCurrent = depth
	if depth > q.ReadyMax {
		q.ReadyMax = depth
	}
	// Exponential moving average with alpha=0.1
	if !q.readyEMAInitialized {
		q.ReadyAvg = float64(depth)
		q.readyEMAInitialized = true
	} else {
		q.ReadyAvg = 0.9*q.ReadyAvg + 0.1*float64(depth)
	}
}

// UpdateWaiting updates the waiting_events count metrics.
func (q *QueueMetrics) UpdateWaiting(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.WaitingCurrent = depth
	if depth > q.WaitingMax {
		q.WaitingMax = depth
	}
	// Exponential moving average with alpha=0.1
	if !q.waitingEMAInitialized {
		q.WaitingAvg = float64(depth)
		q.waitingEMAInitialized = true
	} else {
		q.WaitingAvg = 0.9*q.WaitingAvg + 0.1*float64(depth)
	}
}

// ResumeRateCounter tracks routine resumes per second with a rolling window.
//
// Implementation Details:
//   - Rolling window length: configurable via windowSize parameter
//   - Bucket granularity: configurable via bucketSize parameter
//   - Rolling window algorithm: ring buffer with time-based rotation
//
// Configuration Trade-offs:
//
//	Window Size (windowSize):
//	  - Larger windows (e.g., 30 seconds): Smoother resume rate, slower to detect changes
//	  - Smaller windows (e.g., 5 seconds): Faster response, more volatile
//	  - Recommended: 10-30 seconds for production monitoring
//
//	Bucket Size (bucketSize):
//	  - Smaller buckets (e.g., 50ms): old resumes leave the window in finer steps, more rotation work
//	  - Larger buckets (e.g., 500ms): coarser roll-off, less rotation work
//	  - Recommended: 100ms for good balance in production
//
// Behavior:
//
//	Rate divides the resumes counted in the window by the window length
//	(bucket count times bucketSize), so it is nonzero as soon as one resume
//	is recorded and reads low until a full window has elapsed.
//	After warmup, resume rate reflects average transaction rate over the entire window.
//	Resolution: 1 / (window length in seconds), e.g., a 10s window = 0.1 resumes/s.
//
// Thread Safety: All methods (Increment, Rate) are thread-safe.
// Concurrent calls are safe from multiple goroutines.
type ResumeRateCounter struct {
	lastRotation atomic.Value // Stores time.Time
	buckets      []int64
	bucketSize   time.Duration
	windowSize   time.Duration
	mu           sync.Mutex
}

// NewResumeRateCounter creates a new resume-rate counter with configurable rolling window.
//
// Parameters:
//
//	windowSize - Time window for resume-rate calculation. Larger windows provide smoother
//	            resume rate but slower change detection. Recommended: 10-30 seconds for
//	            production monitoring. Must be > 0.
//	bucketSize - Granularity of rolling window. Smaller buckets let old resumes
//	            roll off in finer steps but cost more rotation work. Recommended:
//	            100ms in production. Must be > 0 and <= windowSize.
//
// Configuration Examples:
//
//	// Production: Balanced precision and smoothness
//	NewResumeRateCounter(10*time.Second, 100*time.Millisecond) // 100 buckets, 0.1 resume-rate precision
//
//	// High-frequency trading: Fast response, more volatile
//	NewResumeRateCounter(5*time.Second, 50*time.Millisecond) // 100 buckets, 0.2 resume-rate precision
//
//	// Long-term analysis: Very smooth, slow response
//	NewResumeRateCounter(60*time.Second, 500*time.Millisecond) // 120 buckets, ~0.017 resume-rate precision
//
// Returns:
//
//	Ready-to-use resume-rate counter.
//
// Note: Until the first 'windowSize' period elapses the window is only
//
//	partly filled, so Rate reads low.
func NewResumeRateCounter(windowSize, bucketSize time.Duration) *ResumeRateCounter {
	// Input validation: Prevent zero or negative durations
	if windowSize <= 0 {
		panic("eventloop: windowSize must be positive (use > 0 duration)")
	}
	if bucketSize <= 0 {
		panic("eventloop: bucketSize must be positive (use > 0 duration)")
	}
	if bucketSize > windowSize {
		panic("eventloop: bucketSize cannot exceed windowSize (use <= windowSize)")
	}

	// bucketCount is guaranteed to be >= 1 after the above validation
	bucketCount := int(windowSize / bucketSize)
	counter := &ResumeRateCounter{
		buckets:    make([]int64, bucketCount),
		bucketSize: bucketSize,
		windowSize: windowSize,
	}
	counter.lastRotation.Store(time.Now())
	return counter
}

// Increment records a routine resume.
// Thread-safe and O(1).
func (t *ResumeRateCounter) Increment() {
	t.rotate()
	t.mu.Lock()
	t.buckets[len(t.buckets)-1]++
	t.mu.Unlock()
}

// rotate advances the bucket counter if time has passed.
func (t *ResumeRateCounter) rotate() {
	t.mu.Lock() // critical fix: lock first to prevent race
	defer t.mu.Unlock()

	now := time.Now()
	lastRotation := t.lastRotation.Load().(time.Time)
	elapsed := now.Sub(lastRotation)

	// Overflow protection: calculate as int64, clamp to safe range, then cast to int
	// This prevents 32-bit overflow on extreme time jumps (system suspend, NTP changes)
	bucketsToAdvanceInt64 := int64(elapsed) / int64(t.bucketSize)

	// Clamp to window size to handle extreme negative/positive elapsed values
	if bucketsToAdvanceInt64 < 0 {
		// Clock jumped backwards - trigger full reset to recover
		bucketsToAdvanceInt64 = int64(len(t.buckets))
	} else if bucketsToAdvanceInt64 > int64(len(t.buckets)) {
		// Elapsed time exceeded window - clamp to full window reset
		bucketsToAdvanceInt64 = int64(len(t.buckets))
	}

	// NOW safe to cast to int (value guaranteed to be within [0, len(buckets)])
	bucketsToAdvance := int(bucketsToAdvanceInt64)

	// Full window reset: if we've exceeded window duration, reset all buckets
	// and sync lastRotation to current time to prevent permanent lag
	if bucketsToAdvance >= len(t.buckets) {
		for i := range t.buckets {
			t.buckets[i] = 0
		}
		t.lastRotation.Store(now)
		return
	}

	if bucketsToAdvance <= 0 {
		return
	}

	// Shift buckets left
	// Use copy for efficiency: bucket[0] gets bucket[advance], etc.
	copy(t.buckets, t.buckets[bucketsToAdvance:])

	// Zero out the new buckets at the end
	for i := len(t.buckets) - bucketsToAdvance; i < len(t.buckets); i++ {
		t.buckets[i] = 0
	}

	// Update last rotation aligned to bucket size
	t.lastRotation.Store(lastRotation.Add(time.Duration(bucketsToAdvance) * t.bucketSize))
}

// Rate returns the current routine resumes per second.
func (t *ResumeRateCounter) Rate() float64 {
	t.rotate()

	t.mu.Lock()
	defer t.mu.Unlock()

	var sum int64
	for _, count := range t.buckets {
		sum += count
	}

	if sum == 0 {
		return 0
	}

	// resume rate = total count / monitored duration (len(buckets) * bucketSize)
	// This uses the actual monitored duration, not the configured windowSize.
	monitoredDuration := float64(len(t.buckets)) * t.bucketSize.Seconds()
	return float64(sum) / monitoredDuration
}
