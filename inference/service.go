package inference

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/rootplusdev/AlphaZeroArcade/game"
)

const (
	DefaultBatchSizeLimit = 128
	DefaultTimeout        = 100 * time.Microsecond
	DefaultCacheSize      = 1 << 16
)

// ServiceParams configures a Service. A Service is deduplicated per model
// filename; creating a second one for the same filename with conflicting
// BatchSizeLimit, Timeout, or CacheSize is an error.
type ServiceParams struct {
	ModelFilename  string
	BatchSizeLimit int
	Timeout        time.Duration
	CacheSize      int
}

// DefaultServiceParams returns the standard service configuration for a
// model file.
func DefaultServiceParams(modelFilename string) ServiceParams {
	return ServiceParams{
		ModelFilename:  modelFilename,
		BatchSizeLimit: DefaultBatchSizeLimit,
		Timeout:        DefaultTimeout,
		CacheSize:      DefaultCacheSize,
	}
}

// CacheKey identifies a cached evaluation: the canonicalized state plus the
// inverse temperature and symmetry index the evaluation was requested under.
type CacheKey struct {
	StateKey string
	InvTemp  float32
	SymIndex int
}

// Request asks for an evaluation of State under SymIndex. ValidActions must
// match the state's legal moves.
type Request struct {
	State        game.State
	ValidActions game.ActionMask
	SymIndex     int
	InvTemp      float32
}

// Response carries the evaluation and whether it came from the cache.
type Response struct {
	Eval      *Evaluation
	UsedCache bool
}

// Stats is a snapshot of service counters.
type Stats struct {
	CacheHits          int64
	CacheMisses        int64
	CacheSize          int
	PositionsEvaluated int64
	BatchesEvaluated   int64
	AvgBatchSize       float64
}

type slot struct {
	key   CacheKey
	valid game.ActionMask
	sym   int
	eval  atomic.Pointer[Evaluation]
}

// Service accumulates evaluation requests from many search threads into a
// batch, runs the model once per batch, and hands each caller the
// evaluation computed from its own input under its own symmetry.
//
// The batch lifecycle follows a reservation/commit/read protocol:
// reservers claim slot indices, commit after tensorizing into the slot,
// then block until the dedicated service goroutine flushes the batch and
// every sibling slot owner has read its result.
type Service struct {
	rules game.Rules
	tens  game.Tensorizor
	model Model

	batchSizeLimit int
	timeout        time.Duration
	sampleSize     int

	cacheMu     sync.Mutex
	cache       *lru.Cache[CacheKey, *Evaluation]
	cacheCap    int
	cacheHits   int64
	cacheMisses int64

	dataMu sync.Mutex
	input  []float32
	slots  []slot

	metaMu        sync.Mutex
	cvServiceLoop *sync.Cond
	cvEvaluate    *sync.Cond
	reserveIndex  int
	commitCount   int
	unreadCount   int
	accepting     bool
	deadline      time.Time
	err           error

	positionsEvaluated atomic.Int64
	batchesEvaluated   atomic.Int64

	connMu         sync.Mutex
	numConnections int
	running        bool
	active         atomic.Bool
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Service{}
)

// NewService returns the process-wide service for params.ModelFilename,
// creating it on first use. The model loader is invoked only on creation.
func NewService(rules game.Rules, tens game.Tensorizor, params ServiceParams, load func() (Model, error)) (*Service, error) {
	if params.BatchSizeLimit <= 0 {
		return nil, fmt.Errorf("inference: batch size limit must be positive (%d)", params.BatchSizeLimit)
	}
	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := registry[params.ModelFilename]; ok {
		if existing.batchSizeLimit != params.BatchSizeLimit {
			return nil, fmt.Errorf("inference: conflicting service for %q: batch size limit %d vs %d",
				params.ModelFilename, existing.batchSizeLimit, params.BatchSizeLimit)
		}
		if existing.timeout != params.Timeout {
			return nil, fmt.Errorf("inference: conflicting service for %q: unequal timeout", params.ModelFilename)
		}
		if existing.cacheCap != params.CacheSize {
			return nil, fmt.Errorf("inference: conflicting service for %q: cache size %d vs %d",
				params.ModelFilename, existing.cacheCap, params.CacheSize)
		}
		return existing, nil
	}

	model, err := load()
	if err != nil {
		return nil, fmt.Errorf("inference: load model %q: %w", params.ModelFilename, err)
	}
	cache, err := lru.New[CacheKey, *Evaluation](params.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("inference: cache: %w", err)
	}

	sampleSize := game.SampleSize(tens)
	s := &Service{
		rules:          rules,
		tens:           tens,
		model:          model,
		batchSizeLimit: params.BatchSizeLimit,
		timeout:        params.Timeout,
		sampleSize:     sampleSize,
		cache:          cache,
		cacheCap:       params.CacheSize,
		input:          make([]float32, params.BatchSizeLimit*sampleSize),
		slots:          make([]slot, params.BatchSizeLimit),
		accepting:      true,
	}
	s.cvServiceLoop = sync.NewCond(&s.metaMu)
	s.cvEvaluate = sync.NewCond(&s.metaMu)
	registry[params.ModelFilename] = s
	return s, nil
}

// Connect registers a consumer and starts the service goroutine on the
// first connection.
func (s *Service) Connect() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.numConnections++
	if s.running {
		return
	}
	s.running = true
	s.active.Store(true)
	go s.loop()
}

// Disconnect unregisters a consumer; the last disconnect stops the service
// goroutine.
func (s *Service) Disconnect() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if !s.running {
		return
	}
	s.numConnections--
	if s.numConnections > 0 {
		return
	}
	s.running = false
	s.active.Store(false)
	s.metaMu.Lock()
	s.cvServiceLoop.Broadcast()
	s.cvEvaluate.Broadcast()
	s.metaMu.Unlock()
}

// Evaluate returns the network evaluation for req, either from the cache or
// by reserving a slot in the next batch and waiting for the flush.
func (s *Service) Evaluate(req Request) (Response, error) {
	key := CacheKey{
		StateKey: s.rules.CanonicalKey(req.State),
		InvTemp:  req.InvTemp,
		SymIndex: req.SymIndex,
	}

	s.cacheMu.Lock()
	if eval, ok := s.cache.Get(key); ok {
		s.cacheHits++
		s.cacheMu.Unlock()
		return Response{Eval: eval, UsedCache: true}, nil
	}
	s.cacheMisses++
	s.cacheMu.Unlock()

	// Reserve a slot.
	s.metaMu.Lock()
	for !(s.unreadCount == 0 && s.reserveIndex < s.batchSizeLimit && s.accepting) {
		if s.err != nil {
			err := s.err
			s.metaMu.Unlock()
			return Response{}, err
		}
		s.cvEvaluate.Wait()
	}
	if s.err != nil {
		err := s.err
		s.metaMu.Unlock()
		return Response{}, err
	}
	myIndex := s.reserveIndex
	s.reserveIndex++
	if myIndex == 0 {
		s.deadline = time.Now().Add(s.timeout)
	}
	s.cvServiceLoop.Signal()
	s.metaMu.Unlock()

	// Fill the slot.
	s.dataMu.Lock()
	sl := &s.slots[myIndex]
	in := s.input[myIndex*s.sampleSize : (myIndex+1)*s.sampleSize]
	s.tens.Tensorize(req.State, in)
	s.tens.TransformInput(req.SymIndex, in)
	sl.key = key
	sl.valid = req.ValidActions
	sl.sym = req.SymIndex
	sl.eval.Store(nil)
	s.dataMu.Unlock()

	// Commit, wait for the flush, read, and wait for siblings to read.
	s.metaMu.Lock()
	s.commitCount++
	s.cvServiceLoop.Signal()
	for s.reserveIndex != 0 {
		if s.err != nil {
			err := s.err
			s.metaMu.Unlock()
			return Response{}, err
		}
		s.cvEvaluate.Wait()
	}
	eval := sl.eval.Load()
	s.unreadCount--
	for s.unreadCount != 0 {
		if s.err != nil {
			err := s.err
			s.metaMu.Unlock()
			return Response{}, err
		}
		s.cvEvaluate.Wait()
	}
	err := s.err
	s.metaMu.Unlock()
	s.cvEvaluate.Broadcast()
	s.cvServiceLoop.Broadcast()

	if err != nil {
		return Response{}, err
	}
	if eval == nil {
		return Response{}, fmt.Errorf("inference: batch flushed without evaluation")
	}
	return Response{Eval: eval, UsedCache: false}, nil
}

// Stats returns a snapshot of service counters.
func (s *Service) Stats() Stats {
	s.cacheMu.Lock()
	hits, misses, size := s.cacheHits, s.cacheMisses, s.cache.Len()
	s.cacheMu.Unlock()
	positions := s.positionsEvaluated.Load()
	batches := s.batchesEvaluated.Load()
	avg := 0.0
	if batches > 0 {
		avg = float64(positions) / float64(batches)
	}
	return Stats{
		CacheHits:          hits,
		CacheMisses:        misses,
		CacheSize:          size,
		PositionsEvaluated: positions,
		BatchesEvaluated:   batches,
		AvgBatchSize:       avg,
	}
}

func (s *Service) loop() {
	for s.active.Load() {
		if !s.waitUntilBatchReady() {
			return
		}
		if !s.waitForFirstReservation() {
			return
		}
		s.waitForLastReservation()
		if !s.waitForCommits() {
			return
		}
		if err := s.batchEvaluate(); err != nil {
			log.Error().Err(err).Msg("inference: batch evaluation failed; service terminating")
			s.fail(err)
			return
		}
	}
}

// waitUntilBatchReady blocks until the previous batch has been fully read.
func (s *Service) waitUntilBatchReady() bool {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	for s.unreadCount != 0 {
		if !s.active.Load() {
			return false
		}
		s.cvServiceLoop.Wait()
	}
	return s.active.Load()
}

func (s *Service) waitForFirstReservation() bool {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	for s.reserveIndex == 0 {
		if !s.active.Load() {
			return false
		}
		s.cvServiceLoop.Wait()
	}
	return s.active.Load()
}

// waitForLastReservation blocks until the batch is full or the deadline set
// by the first reservation passes, then closes the batch to new reservers.
func (s *Service) waitForLastReservation() {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	for s.reserveIndex != s.batchSizeLimit && s.active.Load() {
		wait := time.Until(s.deadline)
		if wait <= 0 {
			break
		}
		// sync.Cond has no timed wait; arrange a broadcast at the deadline
		// and rely on the loop condition to absorb spurious wakeups.
		t := time.AfterFunc(wait, s.cvServiceLoop.Broadcast)
		s.cvServiceLoop.Wait()
		t.Stop()
	}
	s.accepting = false
}

func (s *Service) waitForCommits() bool {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	for s.commitCount != s.reserveIndex {
		if !s.active.Load() {
			return false
		}
		s.cvServiceLoop.Wait()
	}
	return s.active.Load()
}

// batchEvaluate runs the model over the committed slots, publishes each
// evaluation into its slot and the cache, and reopens the batch.
func (s *Service) batchEvaluate() error {
	s.metaMu.Lock()
	s.dataMu.Lock()

	n := s.reserveIndex
	if n <= 0 || s.commitCount != n {
		s.dataMu.Unlock()
		s.metaMu.Unlock()
		return fmt.Errorf("inference: inconsistent batch metadata: reserve=%d commit=%d", n, s.commitCount)
	}

	policy, value, err := s.model.Predict(s.input[:n*s.sampleSize], n)
	if err != nil {
		s.dataMu.Unlock()
		s.metaMu.Unlock()
		return err
	}

	numActions := s.rules.NumGlobalActions()
	numPlayers := s.rules.NumPlayers()
	for i := 0; i < n; i++ {
		sl := &s.slots[i]
		p := make([]float32, numActions)
		copy(p, policy[i*numActions:(i+1)*numActions])
		s.tens.TransformPolicy(sl.sym, p)
		v := value[i*numPlayers : (i+1)*numPlayers]
		sl.eval.Store(NewEvaluation(v, p, sl.valid))
	}

	// Insert into the cache before waking slot owners so concurrent
	// identical requests issued after the flush observe a hit.
	s.cacheMu.Lock()
	for i := 0; i < n; i++ {
		sl := &s.slots[i]
		s.cache.Add(sl.key, sl.eval.Load())
	}
	s.cacheMu.Unlock()

	s.positionsEvaluated.Add(int64(n))
	s.batchesEvaluated.Add(1)
	log.Debug().Int("batch", n).Msg("inference: batch evaluated")

	s.unreadCount = s.commitCount
	s.reserveIndex = 0
	s.commitCount = 0
	s.accepting = true
	s.dataMu.Unlock()
	s.metaMu.Unlock()
	s.cvEvaluate.Broadcast()
	return nil
}

// fail records a terminal service error and wakes every waiter so it can
// surface the error to its caller.
func (s *Service) fail(err error) {
	s.active.Store(false)
	s.metaMu.Lock()
	s.err = err
	s.metaMu.Unlock()
	s.cvEvaluate.Broadcast()
	s.cvServiceLoop.Broadcast()
	s.connMu.Lock()
	s.running = false
	s.connMu.Unlock()
}

// ResetRegistry drops all registered services. Intended for tests.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]*Service{}
}
