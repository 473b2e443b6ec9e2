package boson

// Mutex is a semaphore of capacity 1, per spec §3: "A mutex is a
// semaphore of capacity 1."
type Mutex struct {
	sem *Semaphore
}

// NewMutex constructs an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: NewSemaphore(1)}
}

// Lock blocks the calling routine until it holds the mutex.
func (m *Mutex) Lock() {
	m.sem.Wait(-1)
}

// LockTimeout attempts to acquire the mutex, giving up after timeoutMs
// milliseconds. Returns false on timeout.
func (m *Mutex) LockTimeout(timeoutMs int) bool {
	return m.sem.Wait(timeoutMs)
}

// Unlock releases the mutex. The caller is responsible for only
// unlocking a mutex it holds (spec §8's mutual-exclusion property is a
// usage invariant, not independently enforced here).
func (m *Mutex) Unlock() {
	m.sem.Post()
}
