package sim

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"arena-sync/internal/entity"
	"arena-sync/internal/telemetry"

	"golang.org/x/time/rate"
)

const (
	JournalBufferSize    = 1024                   // Circular buffer size
	MaxRecordsPerSec     = 10000                  // Global rate limit
	MaxRecordsPerClient  = 100                    // Per-client rate limit per second
	BatchFlushSize       = 64                     // Records per batch write
	BatchFlushInterval   = 100 * time.Millisecond // How often to flush
	ClientLimiterCleanup = 5 * time.Minute        // Cleanup interval for client limiters
)

// RecordType classifies journal records.
type RecordType uint8

const (
	RecordUnknown RecordType = iota
	RecordJoin
	RecordLeave
	RecordFire
	RecordVisibility
)

// RecordVersion for backwards compatibility in replay
const RecordVersion uint8 = 1

func (t RecordType) String() string {
	switch t {
	case RecordJoin:
		return "join"
	case RecordLeave:
		return "leave"
	case RecordFire:
		return "fire"
	case RecordVisibility:
		return "visibility"
	default:
		return "unknown"
	}
}

// MarshalJSON writes the type by name so the jsonl stays greppable.
func (t RecordType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Record is one audit journal line.
type Record struct {
	Version   uint8           `json:"version"`
	Type      RecordType      `json:"type"`
	Timestamp int64           `json:"timestamp"` // Unix nano
	Sequence  uint64          `json:"sequence"`
	Tick      uint32          `json:"tick"`
	Client    entity.ClientID `json:"client,omitempty"` // Source client (for rate limiting)
	Payload   json.RawMessage `json:"payload"`
}

// JoinPayload describes a connect.
type JoinPayload struct {
	Session string  `json:"session"`
	Entity  uint64  `json:"entity"`
	SpawnX  float32 `json:"spawnX"`
	SpawnY  float32 `json:"spawnY"`
	Group   int     `json:"group"`
}

// LeavePayload describes a disconnect.
// Leave records are exempt from the per-client limit, so the client is
// carried in the payload.
type LeavePayload struct {
	Client    uint64   `json:"client"`
	Despawned []uint64 `json:"despawned"`
}

// FirePayload describes where a target was when a shot was taken.
type FirePayload struct {
	Shooter   uint64  `json:"shooter"`
	Target    uint64  `json:"target"`
	FireIndex uint64  `json:"fireIndex"`
	FiredAt   float64 `json:"firedAt"`
	HistTick  uint32  `json:"histTick"`
	X         float32 `json:"x"`
	Y         float32 `json:"y"`
}

// VisibilityPayload describes one visibility flip.
type VisibilityPayload struct {
	Viewer  uint64 `json:"viewer"`
	Subject uint64 `json:"subject"`
	Visible bool   `json:"visible"`
}

// NewRecord creates a record stamped with the current wall time.
func NewRecord(typ RecordType, tick uint32, client entity.ClientID, payload any) Record {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	return Record{
		Version:   RecordVersion,
		Type:      typ,
		Timestamp: time.Now().UnixNano(),
		Tick:      tick,
		Client:    client,
		Payload:   data,
	}
}

// Journal is a bounded, rate-limited audit log written as jsonl by a
// background goroutine. Under pressure it drops rather than blocks.
type Journal struct {
	bufMu     sync.Mutex
	buffer    [JournalBufferSize]Record
	writeHead uint64
	readHead  uint64

	globalLimiter  *rate.Limiter
	clientLimiters sync.Map // map[entity.ClientID]*clientLimiterEntry

	writerWg sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	file   *os.File
	fileMu sync.Mutex

	droppedCount atomic.Uint64
	totalCount   atomic.Uint64
}

type clientLimiterEntry struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64 // Unix nano
}

// NewJournal creates a stopped journal.
func NewJournal() *Journal {
	return &Journal{
		globalLimiter: rate.NewLimiter(MaxRecordsPerSec, MaxRecordsPerSec/10),
		stopChan:      make(chan struct{}),
	}
}

// Start begins the async writer. An empty path keeps records in memory
// only (they are still counted and rate limited).
func (j *Journal) Start(filePath string) error {
	if j.running.Load() {
		return nil
	}

	if filePath != "" {
		file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		j.file = file
	}

	j.running.Store(true)
	j.writerWg.Add(2)
	go j.writerLoop()
	go j.cleanupLoop()

	return nil
}

// Stop flushes pending records and closes the file.
func (j *Journal) Stop() {
	j.stopOnce.Do(func() {
		j.running.Store(false)
		close(j.stopChan)
		j.writerWg.Wait()

		j.fileMu.Lock()
		if j.file != nil {
			j.file.Close()
		}
		j.fileMu.Unlock()
	})
}

// Emit queues a record. Returns false if the journal is stopped or the
// record was rate limited.
func (j *Journal) Emit(rec Record) bool {
	if !j.running.Load() {
		return false
	}

	if !j.globalLimiter.Allow() {
		j.drop()
		return false
	}

	if rec.Client != 0 && !j.clientLimiter(rec.Client).Allow() {
		j.drop()
		return false
	}

	j.bufMu.Lock()
	j.writeHead++
	if j.writeHead-j.readHead > JournalBufferSize {
		// Overwrite the oldest pending record.
		j.readHead++
		j.drop()
	}
	rec.Sequence = j.writeHead
	j.buffer[j.writeHead%JournalBufferSize] = rec
	j.bufMu.Unlock()

	j.totalCount.Add(1)
	telemetry.JournalTotal.Inc()
	return true
}

func (j *Journal) drop() {
	j.droppedCount.Add(1)
	telemetry.JournalDropped.Inc()
}

func (j *Journal) clientLimiter(client entity.ClientID) *rate.Limiter {
	now := time.Now().UnixNano()
	if v, ok := j.clientLimiters.Load(client); ok {
		e := v.(*clientLimiterEntry)
		e.lastUsed.Store(now)
		return e.limiter
	}

	entry := &clientLimiterEntry{limiter: rate.NewLimiter(MaxRecordsPerClient, MaxRecordsPerClient/10)}
	entry.lastUsed.Store(now)
	actual, _ := j.clientLimiters.LoadOrStore(client, entry)
	return actual.(*clientLimiterEntry).limiter
}

func (j *Journal) writerLoop() {
	defer j.writerWg.Done()

	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, BatchFlushSize)

	for {
		select {
		case <-j.stopChan:
			// Drain everything on the way out.
			for {
				batch = j.collectBatch(batch[:0])
				if len(batch) == 0 {
					return
				}
				j.flushBatch(batch)
			}

		case <-ticker.C:
			batch = j.collectBatch(batch[:0])
			if len(batch) > 0 {
				j.flushBatch(batch)
			}
		}
	}
}

func (j *Journal) cleanupLoop() {
	defer j.writerWg.Done()

	ticker := time.NewTicker(ClientLimiterCleanup)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopChan:
			return
		case <-ticker.C:
			j.cleanupClientLimiters()
		}
	}
}

func (j *Journal) cleanupClientLimiters() {
	cutoff := time.Now().Add(-ClientLimiterCleanup).UnixNano()
	j.clientLimiters.Range(func(key, value any) bool {
		if value.(*clientLimiterEntry).lastUsed.Load() < cutoff {
			j.clientLimiters.Delete(key)
		}
		return true
	})
}

func (j *Journal) collectBatch(batch []Record) []Record {
	j.bufMu.Lock()
	defer j.bufMu.Unlock()

	for j.readHead < j.writeHead && len(batch) < BatchFlushSize {
		j.readHead++
		batch = append(batch, j.buffer[j.readHead%JournalBufferSize])
	}
	return batch
}

// flushBatch appends records as newline-delimited JSON.
func (j *Journal) flushBatch(batch []Record) {
	j.fileMu.Lock()
	defer j.fileMu.Unlock()

	if j.file == nil {
		return
	}

	for _, rec := range batch {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		j.file.Write(append(data, '\n'))
	}
}

// JournalStats is a point-in-time view of journal counters.
type JournalStats struct {
	Total   uint64 `json:"total"`
	Dropped uint64 `json:"dropped"`
	Pending uint64 `json:"pending"`
	Running bool   `json:"running"`
}

// Stats returns counters for monitoring.
func (j *Journal) Stats() JournalStats {
	j.bufMu.Lock()
	pending := j.writeHead - j.readHead
	j.bufMu.Unlock()

	return JournalStats{
		Total:   j.totalCount.Load(),
		Dropped: j.droppedCount.Load(),
		Pending: pending,
		Running: j.running.Load(),
	}
}
