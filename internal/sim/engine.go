// Package sim runs the authoritative tick loop: it drains inbound client
// events into snapshot buffers, integrates movement, resolves fire
// against position history, refreshes the distance cache and publishes
// per-client visibility-filtered frames.
package sim

import (
	"errors"
	"fmt"
	"log"
	"maps"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"arena-sync/internal/config"
	"arena-sync/internal/culling"
	"arena-sync/internal/entity"
	"arena-sync/internal/event"
	"arena-sync/internal/ingest"
	"arena-sync/internal/snapshot"
	"arena-sync/internal/telemetry"

	"github.com/google/uuid"
)

var (
	ErrServerFull       = errors.New("server full")
	ErrDuplicateSession = errors.New("session already connected")
)

// Spawn area. Entities start uniformly inside it.
const (
	worldWidth  = 1280
	worldHeight = 720
)

// Inbound is one decoded client event waiting for the next tick.
type Inbound struct {
	Client entity.ClientID
	Event  event.Event
}

// Welcome is returned by Connect.
type Welcome struct {
	Client entity.ClientID
	Entity entity.ID
	Group  int
	Tick   uint32
}

// EngineConfig configures a new Engine.
type EngineConfig struct {
	Sync       config.SyncConfig
	MaxClients int
	Clock      snapshot.Clock // nil = snapshot.SystemClock
	Seed       int64          // 0 = time-based
}

// Engine owns the world. Every pass runs on the tick goroutine under mu;
// transports reach it only through Enqueue, Connect and Disconnect.
type Engine struct {
	mu sync.RWMutex

	cfg        config.SyncConfig
	maxClients int
	clock      snapshot.Clock
	rng        *rand.Rand

	tickNum uint32
	world   *World
	sizes   bufferSizes

	clients    culling.ClientMap
	sessions   map[uuid.UUID]entity.ClientID
	nextClient entity.ClientID

	cache     *culling.DistanceCache
	evaluator culling.Evaluator
	metric    culling.Metric

	movementIn *ingest.Server[event.Movement2D]
	fireIn     *ingest.Server[event.Fire]
	inbound    chan Inbound

	journal *Journal
	state   statePublisher
	onFrame func(Frame)

	counters       counters
	inboundDropped atomic.Uint64

	running  bool
	ticker   *time.Ticker
	stopChan chan struct{}
	loopDone chan struct{}
}

type counters struct {
	accepted          uint64
	rejections        map[string]uint64
	droppedUnconsumed map[event.Kind]uint64
	distances         uint64
	transitions       uint64
	firesResolved     uint64
	lookupFailures    uint64
}

// NewEngine creates a stopped engine.
func NewEngine(cfg EngineConfig) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = snapshot.SystemClock{}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	queue := cfg.Sync.InboundQueueSize
	if queue <= 0 {
		queue = config.DefaultSync().InboundQueueSize
	}
	rateCfg := ingest.RateConfig{
		EventsPerSecond: cfg.Sync.EventsPerSecond,
		Burst:           cfg.Sync.EventBurst,
	}

	e := &Engine{
		cfg:        cfg.Sync,
		maxClients: cfg.MaxClients,
		clock:      clock,
		rng:        rand.New(rand.NewSource(seed)),
		world:      newWorld(),
		sizes: bufferSizes{
			movement: cfg.Sync.MaxUpdateSnapshots,
			fire:     cfg.Sync.MaxEventSnapshots,
			history:  cfg.Sync.HistorySize,
		},
		clients:    make(culling.ClientMap),
		sessions:   make(map[uuid.UUID]entity.ClientID),
		nextClient: 1,
		cache:      culling.NewDistanceCache(),
		evaluator: culling.Evaluator{
			Threshold:  cfg.Sync.CullingThreshold,
			Hysteresis: cfg.Sync.CullingHysteresis,
		},
		metric:     culling.Euclidean,
		movementIn: ingest.NewServer[event.Movement2D](event.KindMovement, rateCfg),
		fireIn:     ingest.NewServer[event.Fire](event.KindFire, rateCfg),
		inbound:    make(chan Inbound, queue),
		journal:    NewJournal(),
		counters: counters{
			rejections:        make(map[string]uint64),
			droppedUnconsumed: make(map[event.Kind]uint64),
		},
	}
	if cfg.Sync.RelevancyGroups > 1 {
		e.evaluator.Relevant = e.sameGroup
	}
	return e
}

// sameGroup reports whether two entities share a relevancy group.
// Callers hold mu.
func (e *Engine) sameGroup(a, b entity.ID) bool {
	ea, okA := e.world.entities[a]
	eb, okB := e.world.entities[b]
	return okA && okB && ea.Group == eb.Group
}

// Start begins the tick loop. An engine can be started again after Stop.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	ticker := time.NewTicker(time.Second / time.Duration(e.cfg.TickRate))
	stop := make(chan struct{})
	done := make(chan struct{})
	e.ticker, e.stopChan, e.loopDone = ticker, stop, done
	e.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				e.tick()
			case <-stop:
				return
			}
		}
	}()

	log.Printf("🎮 Sync engine started at %d TPS", e.cfg.TickRate)
}

// Stop stops the tick loop and waits for an in-flight tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.ticker.Stop()
	close(e.stopChan)
	done := e.loopDone
	e.mu.Unlock()

	<-done
	log.Println("🛑 Sync engine stopped")
}

// Running reports whether the tick loop is active.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// SetFrameHandler registers the callback that receives per-client frames
// after each tick. It runs on the tick goroutine and must not block.
func (e *Engine) SetFrameHandler(fn func(Frame)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFrame = fn
}

// Enqueue hands a decoded event to the next tick. Returns false when the
// queue is full and the event was dropped.
func (e *Engine) Enqueue(in Inbound) bool {
	select {
	case e.inbound <- in:
		return true
	default:
		e.inboundDropped.Add(1)
		telemetry.InboundDropped.Inc()
		return false
	}
}

// Connect registers a client session and spawns its entity.
func (e *Engine) Connect(session uuid.UUID) (Welcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sessions[session]; ok {
		return Welcome{}, fmt.Errorf("%w: %s", ErrDuplicateSession, session)
	}
	if len(e.clients) >= e.maxClients {
		log.Printf("⚠️ Client limit reached (%d), rejecting session %s", e.maxClients, session)
		return Welcome{}, ErrServerFull
	}

	client := e.nextClient
	e.nextClient++

	pos := entity.Vec2{
		X: e.rng.Float32() * worldWidth,
		Y: e.rng.Float32() * worldHeight,
	}
	group := 0
	if e.cfg.RelevancyGroups > 1 {
		group = e.rng.Intn(e.cfg.RelevancyGroups)
	}
	ent := e.world.spawn(client, pos, group, e.sizes, e.clock)
	if err := ent.History.Insert(pos, e.tickNum, e.clock.Now()); err != nil {
		log.Printf("⚠️ %v: initial position not recorded: %v", ent.Net.ID, err)
	}

	e.clients[client] = culling.NewClientVisibility()
	e.sessions[session] = client

	e.journal.Emit(NewRecord(RecordJoin, e.tickNum, client, JoinPayload{
		Session: session.String(),
		Entity:  uint64(ent.Net.ID),
		SpawnX:  pos.X,
		SpawnY:  pos.Y,
		Group:   group,
	}))
	telemetry.UpdateWorld(e.world.Len(), len(e.clients))

	log.Printf("👤 client %v (%s) connected, entity %v in group %d", client, session, ent.Net.ID, group)
	return Welcome{Client: client, Entity: ent.Net.ID, Group: group, Tick: e.tickNum}, nil
}

// Disconnect drops a client. With CleanUpOnDisconnect its entities are
// despawned and every cached distance and visibility entry naming them
// is purged.
func (e *Engine) Disconnect(client entity.ClientID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.clients[client]; !ok {
		return
	}
	delete(e.clients, client)
	for s, c := range e.sessions {
		if c == client {
			delete(e.sessions, s)
		}
	}
	e.movementIn.Forget(client)
	e.fireIn.Forget(client)

	var despawned []uint64
	if e.cfg.CleanUpOnDisconnect {
		for _, id := range slices.Clone(e.world.Owned(client)) {
			e.world.despawn(id)
			e.cache.RemoveEntity(id)
			for _, vis := range e.clients {
				vis.Forget(id)
			}
			despawned = append(despawned, uint64(id))
		}
	}

	e.journal.Emit(NewRecord(RecordLeave, e.tickNum, 0, LeavePayload{Client: uint64(client), Despawned: despawned}))
	telemetry.UpdateWorld(e.world.Len(), len(e.clients))

	log.Printf("👋 client %v disconnected, despawned %d", client, len(despawned))
}

// Step runs one tick synchronously, for tools and tests that drive the
// engine without Start.
func (e *Engine) Step() {
	e.tick()
}

func (e *Engine) tick() {
	start := time.Now()

	e.mu.Lock()
	frames := e.step(1 / float32(e.cfg.TickRate))
	onFrame := e.onFrame
	e.mu.Unlock()

	if onFrame != nil {
		for _, f := range frames {
			onFrame(f)
		}
	}
	telemetry.RecordTick(time.Since(start))
}

// step runs one tick. Callers hold mu.
func (e *Engine) step(dt float32) []Frame {
	e.tickNum++

	moves, fires := e.drain()
	e.ingest(moves, fires)
	e.integrateMovement(dt)
	e.resolveFire()
	e.recordHistory()
	e.recomputeDistances()
	e.evaluateVisibility()
	frames := e.publish()

	for _, ent := range e.world.entities {
		ent.changed = false
	}
	return frames
}

// drain takes what is queued right now and leaves later arrivals for the
// next tick.
func (e *Engine) drain() ([]ingest.FromClient[event.Movement2D], []ingest.FromClient[event.Fire]) {
	var (
		moves []ingest.FromClient[event.Movement2D]
		fires []ingest.FromClient[event.Fire]
	)
	for n := len(e.inbound); n > 0; n-- {
		in := <-e.inbound
		switch ev := in.Event.(type) {
		case event.Movement2D:
			moves = append(moves, ingest.FromClient[event.Movement2D]{Client: in.Client, Event: ev})
		case event.Fire:
			fires = append(fires, ingest.FromClient[event.Fire]{Client: in.Client, Event: ev})
		default:
			log.Printf("⚠️ %v: unsupported event %T dropped", in.Client, in.Event)
		}
	}
	return moves, fires
}

func (e *Engine) ingest(moves []ingest.FromClient[event.Movement2D], fires []ingest.FromClient[event.Fire]) {
	if len(moves) > 0 {
		e.count(e.movementIn.Ingest(e.tickNum, moves, e.world.movementBuffers))
	}
	if len(fires) > 0 {
		e.count(e.fireIn.Ingest(e.tickNum, fires, e.world.fireBuffers))
	}

	for _, ent := range e.world.entities {
		if d := ent.Movement.DroppedUnconsumed() - ent.seenMovementDrops; d > 0 {
			ent.seenMovementDrops += d
			e.counters.droppedUnconsumed[event.KindMovement] += d
			telemetry.DroppedUnconsumed.WithLabelValues(string(event.KindMovement)).Add(float64(d))
		}
		if d := ent.Fire.DroppedUnconsumed() - ent.seenFireDrops; d > 0 {
			ent.seenFireDrops += d
			e.counters.droppedUnconsumed[event.KindFire] += d
			telemetry.DroppedUnconsumed.WithLabelValues(string(event.KindFire)).Add(float64(d))
		}
	}
}

func (e *Engine) count(rep ingest.Report) {
	e.counters.accepted += uint64(rep.Accepted)
	for reason, n := range rep.Reasons {
		e.counters.rejections[reason] += uint64(n)
	}
}

// integrateMovement consumes each entity's unseen movement intents.
// The wire axis is screen-space, so Y is flipped.
func (e *Engine) integrateMovement(dt float32) {
	step := e.cfg.BaseSpeed * dt
	for _, ent := range e.world.entities {
		for snap := range ent.Movement.Frontier() {
			mv := snap.Event()
			dir := entity.Vec2{X: mv.AxisX, Y: mv.AxisY}.Normalize()
			dir.Y = -dir.Y
			if dir == (entity.Vec2{}) {
				continue
			}
			ent.Pos = ent.Pos.Add(dir.Scale(step))
			ent.changed = true
		}
	}
}

// resolveFire looks up where every entity was when each new shot was
// taken. In strict mode a failed lookup is an invariant violation.
func (e *Engine) resolveFire() {
	entities := e.world.sorted()
	for _, shooter := range entities {
		for snap := range shooter.Fire.Frontier() {
			firedAt := snap.Timestamp()
			for _, target := range entities {
				hist, err := target.History.AtOrBefore(firedAt)
				if err != nil {
					e.counters.lookupFailures++
					telemetry.SnapshotLookupFailures.Inc()
					if e.cfg.StrictMode {
						panic(fmt.Sprintf("fire %d by %v, target %v: %v", snap.Index(), shooter.Net.ID, target.Net.ID, err))
					}
					log.Printf("⚠️ fire %d by %v, target %v: %v, skipping", snap.Index(), shooter.Net.ID, target.Net.ID, err)
					continue
				}

				e.counters.firesResolved++
				telemetry.FiresResolved.Inc()
				pos := hist.Value()
				e.journal.Emit(NewRecord(RecordFire, e.tickNum, shooter.Net.Owner, FirePayload{
					Shooter:   uint64(shooter.Net.ID),
					Target:    uint64(target.Net.ID),
					FireIndex: snap.Index(),
					FiredAt:   firedAt,
					HistTick:  hist.Tick(),
					X:         pos.X,
					Y:         pos.Y,
				}))
			}
		}
	}
}

// recordHistory appends moved positions. A clock that has not advanced
// since the previous record keeps the older value.
func (e *Engine) recordHistory() {
	now := e.clock.Now()
	for _, ent := range e.world.entities {
		if !ent.changed {
			continue
		}
		if err := ent.History.Insert(ent.Pos, e.tickNum, now); err != nil && !errors.Is(err, snapshot.ErrStaleTimestamp) {
			log.Printf("⚠️ %v: position not recorded: %v", ent.Net.ID, err)
		}
	}
}

func (e *Engine) viewers() ([]culling.Candidate, []entity.Network) {
	var (
		cands []culling.Candidate
		nets  []entity.Network
	)
	for _, ent := range e.world.sorted() {
		if _, ok := e.clients[ent.Net.Owner]; !ok {
			continue
		}
		cands = append(cands, ent.candidate())
		nets = append(nets, ent.Net)
	}
	return cands, nets
}

func (e *Engine) recomputeDistances() {
	viewers, _ := e.viewers()
	relevant := make([]culling.Candidate, 0, e.world.Len())
	for _, ent := range e.world.sorted() {
		relevant = append(relevant, ent.candidate())
	}

	n := culling.Recompute(e.tickNum, viewers, relevant, e.cache, e.metric)
	if n > 0 {
		e.counters.distances += uint64(n)
		telemetry.DistancesComputed.Add(float64(n))
	}
}

func (e *Engine) evaluateVisibility() {
	_, viewers := e.viewers()
	candidates := slices.Sorted(maps.Keys(e.world.entities))

	res := e.evaluator.Evaluate(viewers, candidates, e.cache, e.clients)
	if !res.Ran {
		return
	}
	e.cache.ResetChanged()

	if res.MissingDistance > 0 {
		telemetry.CullingMissing.WithLabelValues("distance").Add(float64(res.MissingDistance))
	}
	if res.MissingClients > 0 {
		telemetry.CullingMissing.WithLabelValues("client").Add(float64(res.MissingClients))
	}

	for _, tr := range res.Transitions {
		e.counters.transitions++
		if tr.Visible {
			telemetry.VisibilityTransitions.WithLabelValues("true").Inc()
		} else {
			telemetry.VisibilityTransitions.WithLabelValues("false").Inc()
		}
		e.journal.Emit(NewRecord(RecordVisibility, e.tickNum, 0, VisibilityPayload{
			Viewer:  uint64(tr.Viewer),
			Subject: uint64(tr.Subject),
			Visible: tr.Visible,
		}))
	}
}

// publish builds one frame per connected client and swaps in a fresh
// State for the HTTP API.
func (e *Engine) publish() []Frame {
	all := e.world.sorted()

	state := &State{
		Tick:     e.tickNum,
		Entities: make([]EntityState, 0, len(all)),
		Clients:  len(e.clients),
	}
	for _, ent := range all {
		state.Entities = append(state.Entities, stateOf(ent))
	}
	e.state.publish(state)

	frames := make([]Frame, 0, len(e.clients))
	for _, client := range slices.Sorted(maps.Keys(e.clients)) {
		vis := e.clients[client]
		f := Frame{Client: client, Tick: e.tickNum}
		for _, ent := range all {
			if ent.Net.Owner == client || vis.IsVisible(ent.Net.ID) {
				f.Entities = append(f.Entities, stateOf(ent))
			}
		}
		frames = append(frames, f)
	}
	return frames
}

// State returns the latest published world state.
func (e *Engine) State() *State {
	return e.state.load()
}

// Tick returns the current tick number.
func (e *Engine) Tick() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tickNum
}

// Visibility returns the entities currently visible to client.
func (e *Engine) Visibility(client entity.ClientID) ([]entity.ID, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	vis, ok := e.clients[client]
	if !ok {
		return nil, false
	}
	return vis.Visible(), true
}

// Stats is a point-in-time summary for /api/stats.
type Stats struct {
	Tick              uint32            `json:"tick"`
	Entities          int               `json:"entities"`
	Clients           int               `json:"clients"`
	MaxClients        int               `json:"maxClients"`
	CachedPairs       int               `json:"cachedPairs"`
	InboundDropped    uint64            `json:"inboundDropped"`
	Accepted          uint64            `json:"accepted"`
	Rejected          map[string]uint64 `json:"rejected"`
	DroppedUnconsumed map[string]uint64 `json:"droppedUnconsumed"`
	DistancesComputed uint64            `json:"distancesComputed"`
	Transitions       uint64            `json:"transitions"`
	FiresResolved     uint64            `json:"firesResolved"`
	LookupFailures    uint64            `json:"lookupFailures"`
	Journal           JournalStats      `json:"journal"`
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	dropped := make(map[string]uint64, len(e.counters.droppedUnconsumed))
	for k, v := range e.counters.droppedUnconsumed {
		dropped[string(k)] = v
	}

	return Stats{
		Tick:              e.tickNum,
		Entities:          e.world.Len(),
		Clients:           len(e.clients),
		MaxClients:        e.maxClients,
		CachedPairs:       e.cache.Len(),
		InboundDropped:    e.inboundDropped.Load(),
		Accepted:          e.counters.accepted,
		Rejected:          maps.Clone(e.counters.rejections),
		DroppedUnconsumed: dropped,
		DistancesComputed: e.counters.distances,
		Transitions:       e.counters.transitions,
		FiresResolved:     e.counters.firesResolved,
		LookupFailures:    e.counters.lookupFailures,
		Journal:           e.journal.Stats(),
	}
}

// StartJournal starts the audit journal.
func (e *Engine) StartJournal(filePath string) error {
	return e.journal.Start(filePath)
}

// StopJournal flushes and stops the audit journal.
func (e *Engine) StopJournal() {
	e.journal.Stop()
}
