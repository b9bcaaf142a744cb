// Package controller runs the session lifecycle. It owns the top-level
// state machine, builds every session component in the required start
// order, and tears them down in reverse on stop or failure.
package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pumpwatch/pumpwatch/internal/bus"
	"github.com/pumpwatch/pumpwatch/internal/config"
	"github.com/pumpwatch/pumpwatch/internal/db"
	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/exchange"
	"github.com/pumpwatch/pumpwatch/internal/indicators"
	"github.com/pumpwatch/pumpwatch/internal/market"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
	"github.com/pumpwatch/pumpwatch/internal/orders"
	"github.com/pumpwatch/pumpwatch/internal/persistence"
	"github.com/pumpwatch/pumpwatch/internal/strategy"
)

// State is the controller lifecycle state.
type State string

const (
	StateIdle     State = "IDLE"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateFailed   State = "FAILED"
)

// ErrSessionExists is returned when a start request arrives while a
// session is already active.
var ErrSessionExists = errors.New("session already exists")

// ErrNoSession is returned by Stop when nothing is running.
var ErrNoSession = errors.New("no active session")

// tickFlushGrace bounds the tick flush during the stop sequence.
const tickFlushGrace = 2 * time.Second

// Budget is the session capital envelope.
type Budget struct {
	GlobalCap   float64            `json:"global_cap"`
	Allocations map[string]float64 `json:"allocations,omitempty"`
}

// SessionConfig is the per-session tuning block of a start request.
type SessionConfig struct {
	Budget             Budget  `json:"budget"`
	Slippage           float64 `json:"slippage,omitempty"`
	AccelerationFactor float64 `json:"acceleration_factor,omitempty"`
	// SourceSession names the recorded session a backtest replays.
	SourceSession string `json:"source_session,omitempty"`
	CloseOnStop   *bool  `json:"close_on_stop,omitempty"`
}

// StartRequest carries everything a session needs. StrategyConfig is the
// raw strategy map, parsed and validated during start.
type StartRequest struct {
	Mode           events.SessionMode `json:"session_type"`
	Symbols        []string           `json:"symbols"`
	StrategyConfig json.RawMessage    `json:"strategy_config"`
	Config         SessionConfig      `json:"config"`
	// Idempotent makes a start against an identical running session
	// return its id instead of ErrSessionExists.
	Idempotent bool `json:"idempotent,omitempty"`
}

// Status is the controller state snapshot served by the API.
type Status struct {
	State      State                     `json:"state"`
	SessionID  string                    `json:"session_id,omitempty"`
	Mode       events.SessionMode        `json:"mode,omitempty"`
	Symbols    []string                  `json:"symbols,omitempty"`
	StartedAt  *time.Time                `json:"started_at,omitempty"`
	Strategies []strategy.InstanceStatus `json:"strategies,omitempty"`
}

// Store is the persistence surface the controller and its sessions need.
// *db.DB satisfies it.
type Store interface {
	persistence.Store
	market.TickReader
	CreateSession(ctx context.Context, rec *db.SessionRecord) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status events.SessionStatus) error
}

// AttachHook runs during session start, after all core components have
// subscribed and before the market source starts, so attached consumers
// never miss a tick. The returned detach runs during stop.
type AttachHook func(sessionID string, mode events.SessionMode, b *bus.Bus) (detach func(), err error)

// Controller is the execution controller. One per process; one session at
// a time.
type Controller struct {
	cfg   *config.Config
	store Store
	log   zerolog.Logger
	hooks []AttachHook

	// newClient builds the live exchange client; swapped in tests.
	newClient func() exchange.Client
	// newSource builds the live market source; swapped in tests.
	newSource func(b *bus.Bus, sessionID string, symbols []string) market.Source

	mu      sync.Mutex
	state   State
	session *session
}

// session bundles one running session's components in start order.
type session struct {
	id          string
	mode        events.SessionMode
	symbols     []string
	fingerprint string
	startedAt   time.Time

	bus      *bus.Bus
	engine   *indicators.Engine
	writer   *persistence.Writer
	strat    *strategy.Manager
	orders   *orders.Manager
	closeOn  bool
	detaches []func()

	sourceCancel context.CancelFunc
	sourceGroup  *errgroup.Group
}

// New creates an idle controller.
func New(cfg *config.Config, store Store, logger zerolog.Logger) *Controller {
	c := &Controller{
		cfg:   cfg,
		store: store,
		log:   logger.With().Str("component", "controller").Logger(),
		state: StateIdle,
	}
	c.newClient = func() exchange.Client {
		return exchange.NewBinanceClient(exchange.BinanceConfig{
			APIKey:    cfg.Exchange.APIKey,
			SecretKey: cfg.Exchange.SecretKey,
			Testnet:   cfg.Exchange.Testnet,
		}, logger)
	}
	c.newSource = func(b *bus.Bus, sessionID string, symbols []string) market.Source {
		return market.NewLiveSource(b, sessionID, symbols, cfg.Exchange.StreamURL, logger)
	}
	return c
}

// Attach registers a hook for every future session start.
func (c *Controller) Attach(hook AttachHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the full state snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state}
	if c.session != nil {
		st.SessionID = c.session.id
		st.Mode = c.session.mode
		st.Symbols = c.session.symbols
		started := c.session.startedAt
		st.StartedAt = &started
		if c.session.strat != nil {
			st.Strategies = c.session.strat.Statuses()
		}
	}
	return st
}

// Start builds and runs a session. It returns the new session id, or the
// running session's id for an idempotent restart of the same request.
func (c *Controller) Start(ctx context.Context, req StartRequest) (string, error) {
	fp := fingerprint(req)

	c.mu.Lock()
	switch c.state {
	case StateIdle, StateStopped, StateFailed:
		// A fresh session may start.
	case StateRunning:
		if req.Idempotent && c.session != nil && c.session.fingerprint == fp {
			id := c.session.id
			c.mu.Unlock()
			return id, nil
		}
		c.mu.Unlock()
		return "", ErrSessionExists
	default:
		c.mu.Unlock()
		return "", ErrSessionExists
	}
	c.setStateLocked(StateStarting)
	c.mu.Unlock()

	id, err := c.buildAndStart(ctx, req, fp)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateIdle)
		c.session = nil
		c.mu.Unlock()
		return "", err
	}

	c.mu.Lock()
	c.setStateLocked(StateRunning)
	c.mu.Unlock()

	c.publishStatus(events.SessionRunning)
	if err := c.store.UpdateSessionStatus(context.Background(), id, events.SessionRunning); err != nil {
		c.log.Warn().Err(err).Msg("Failed to record running status")
	}
	return id, nil
}

// buildAndStart performs the strict start order: validate, engine,
// persistence, strategies, orders, attached consumers, then the market
// source last. On any failure the already-started components stop in
// reverse.
func (c *Controller) buildAndStart(ctx context.Context, req StartRequest, fp string) (string, error) {
	if err := validateRequest(&req); err != nil {
		return "", err
	}

	reg := indicators.NewRegistry()
	var (
		stratCfg strategy.Config
		variants []indicators.Variant
		err      error
	)
	if req.Mode != events.ModeCollect {
		stratCfg, err = strategy.ParseConfig(req.StrategyConfig, reg)
		if err != nil {
			return "", fmt.Errorf("strategy config: %w", err)
		}
		variants, err = stratCfg.Variants()
		if err != nil {
			return "", fmt.Errorf("strategy config: %w", err)
		}
	}

	id := newSessionID(req.Mode)
	log := c.log.With().Str("session_id", id).Logger()
	log.Info().
		Str("mode", string(req.Mode)).
		Strs("symbols", req.Symbols).
		Int("strategies", len(stratCfg)).
		Msg("Starting session")

	cfgJSON, _ := json.Marshal(req)
	if err := c.store.CreateSession(ctx, &db.SessionRecord{
		SessionID:  id,
		Mode:       req.Mode,
		Status:     events.SessionStarting,
		StartedAt:  time.Now().UTC(),
		ConfigJSON: cfgJSON,
	}); err != nil {
		return "", fmt.Errorf("create session record: %w", err)
	}

	s := &session{
		id:          id,
		mode:        req.Mode,
		symbols:     req.Symbols,
		fingerprint: fp,
		startedAt:   time.Now().UTC(),
		closeOn:     c.cfg.Engine.CloseOnStop,
	}
	if req.Config.CloseOnStop != nil {
		s.closeOn = *req.Config.CloseOnStop
	}
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	// Teardown stack for mid-start failures and cancellation.
	var started []func()
	fail := func(err error) (string, error) {
		for i := len(started) - 1; i >= 0; i-- {
			started[i]()
		}
		if uerr := c.store.UpdateSessionStatus(context.Background(), id, events.SessionFailed); uerr != nil {
			log.Warn().Err(uerr).Msg("Failed to record failed status")
		}
		return "", err
	}
	step := func() error { return ctx.Err() }

	s.bus = bus.New(log,
		bus.WithPublishTimeout(c.cfg.Bus.PublishTimeout()),
		bus.WithShutdownGrace(c.cfg.Bus.ShutdownGrace()),
		bus.WithDefaultQueueSize(c.cfg.Bus.QueueSize),
	)
	started = append(started, func() { _ = s.bus.Shutdown() })
	if err := step(); err != nil {
		return fail(err)
	}

	tradeful := req.Mode != events.ModeCollect

	if tradeful {
		s.engine = indicators.NewEngine(s.bus, reg, id, log,
			indicators.WithMemoryBudget(c.cfg.Engine.MemoryBudgetBytes()),
			indicators.WithFatalHandler(func(err error) { go c.Fail(id, err) }),
		)
		if err := s.engine.RegisterVariants(req.Symbols, variants); err != nil {
			return fail(fmt.Errorf("register indicators: %w", err))
		}
		if err := s.engine.Start(); err != nil {
			return fail(fmt.Errorf("start indicator engine: %w", err))
		}
		started = append(started, func() { _ = s.engine.Stop() })
		if err := step(); err != nil {
			return fail(err)
		}
	}

	var writerOpts []persistence.WriterOption
	if req.Mode == events.ModeBacktest {
		writerOpts = append(writerOpts, persistence.WithoutTickPersistence())
	}
	s.writer = persistence.NewWriter(c.store, s.bus, log, writerOpts...)
	if err := s.writer.Start(); err != nil {
		return fail(fmt.Errorf("start persistence: %w", err))
	}
	started = append(started, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), tickFlushGrace)
		defer cancel()
		_ = s.writer.Stop(stopCtx)
	})
	if err := step(); err != nil {
		return fail(err)
	}

	if tradeful {
		s.strat = strategy.NewManager(s.bus, id, stratCfg, req.Symbols, strategy.Budget{
			GlobalCap:   req.Config.Budget.GlobalCap,
			Allocations: allocations(stratCfg, req.Config.Budget.Allocations),
		}, log, strategy.WithEpsilon(c.cfg.Engine.Epsilon))
		if err := s.strat.Start(); err != nil {
			return fail(fmt.Errorf("start strategy manager: %w", err))
		}
		started = append(started, func() { _ = s.strat.Stop() })
		if err := step(); err != nil {
			return fail(err)
		}

		s.orders, err = orders.NewManager(req.Mode, s.bus, id, riskConfig(&req, stratCfg), log, c.orderOpts(&req)...)
		if err != nil {
			return fail(fmt.Errorf("order manager: %w", err))
		}
		if err := s.orders.Start(); err != nil {
			return fail(fmt.Errorf("start order manager: %w", err))
		}
		started = append(started, func() { _ = s.orders.Stop() })
		if err := step(); err != nil {
			return fail(err)
		}
	}

	for _, hook := range c.attachHooks() {
		detach, err := hook(id, req.Mode, s.bus)
		if err != nil {
			return fail(fmt.Errorf("attach consumer: %w", err))
		}
		if detach != nil {
			s.detaches = append(s.detaches, detach)
			started = append(started, detach)
		}
	}
	if err := step(); err != nil {
		return fail(err)
	}

	// The market source starts last so no subscriber misses a tick.
	source, err := c.buildSource(s, &req)
	if err != nil {
		return fail(err)
	}
	srcCtx, cancel := context.WithCancel(context.Background())
	s.sourceCancel = cancel
	g, gctx := errgroup.WithContext(srcCtx)
	s.sourceGroup = g
	g.Go(func() error {
		err := source.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			go c.Fail(id, fmt.Errorf("market source: %w", err))
			return err
		}
		if err == nil && req.Mode == events.ModeBacktest {
			// The replay drained; the session is complete.
			go c.finish(id)
		}
		return nil
	})

	return id, nil
}

// finish stops the session once its replay source has drained.
func (c *Controller) finish(id string) {
	c.mu.Lock()
	active := c.session != nil && c.session.id == id && c.state == StateRunning
	c.mu.Unlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Engine.StopGrace())
	defer cancel()
	if err := c.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		c.log.Warn().Err(err).Str("session_id", id).Msg("Backtest auto-stop failed")
	}
}

func (c *Controller) attachHooks() []AttachHook {
	c.mu.Lock()
	defer c.mu.Unlock()
	hooks := make([]AttachHook, len(c.hooks))
	copy(hooks, c.hooks)
	return hooks
}

func (c *Controller) buildSource(s *session, req *StartRequest) (market.Source, error) {
	if req.Mode == events.ModeBacktest {
		if req.Config.SourceSession == "" {
			return nil, fmt.Errorf("backtest requires config.source_session")
		}
		return market.NewReplaySource(c.store, s.bus, s.id, req.Config.SourceSession, req.Config.AccelerationFactor, c.log), nil
	}
	return c.newSource(s.bus, s.id, s.symbols), nil
}

func (c *Controller) orderOpts(req *StartRequest) []orders.Option {
	opts := []orders.Option{
		orders.WithSweepInterval(c.cfg.Engine.OrderSweepInterval()),
		orders.WithTakerFee(c.cfg.Exchange.TakerFee),
		orders.WithCancelOnStop(c.cfg.Engine.CancelOrdersOnStop),
	}
	slippage := req.Config.Slippage
	if slippage == 0 {
		slippage = c.cfg.Engine.DefaultSlippage
	}
	opts = append(opts, orders.WithSlippage(slippage))
	if req.Mode == events.ModeLive {
		opts = append(opts, orders.WithExchange(c.newClient()))
	}
	return opts
}

// Stop winds the session down in reverse start order: source first, then a
// bounded tick flush, strategies, orders, persistence, engine, bus.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning || c.session == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	s := c.session
	c.setStateLocked(StateStopping)
	c.mu.Unlock()

	c.publishStatus(events.SessionStopping)
	grace := c.cfg.Engine.StopGrace()
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	log := c.log.With().Str("session_id", s.id).Logger()
	log.Info().Dur("grace", grace).Msg("Stopping session")

	s.sourceCancel()
	if err := s.sourceGroup.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("Market source exited with error")
	}

	// Let in-flight ticks drain before the trading components stop.
	flushCtx, flushCancel := context.WithTimeout(ctx, tickFlushGrace)
	if err := s.writer.Flush(flushCtx); err != nil {
		log.Warn().Err(err).Msg("Tick flush incomplete")
	}
	flushCancel()

	if s.strat != nil {
		if err := s.strat.Stop(); err != nil {
			log.Warn().Err(err).Msg("Strategy manager stop failed")
		}
	}
	if s.orders != nil {
		if s.closeOn {
			s.orders.CloseAll("session stopping")
		}
		if err := s.orders.Stop(); err != nil {
			log.Warn().Err(err).Msg("Order manager stop failed")
		}
	}

	if err := s.writer.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("Persistence stop incomplete")
	}
	if s.engine != nil {
		if err := s.engine.Stop(); err != nil {
			log.Warn().Err(err).Msg("Indicator engine stop failed")
		}
	}

	c.publishStatus(events.SessionStopped)
	for i := len(s.detaches) - 1; i >= 0; i-- {
		s.detaches[i]()
	}
	s.detaches = nil
	if err := s.bus.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Bus shutdown incomplete")
	}

	if err := c.store.UpdateSessionStatus(context.Background(), s.id, events.SessionStopped); err != nil {
		log.Warn().Err(err).Msg("Failed to record stopped status")
	}

	c.mu.Lock()
	c.setStateLocked(StateStopped)
	c.mu.Unlock()
	log.Info().Msg("Session stopped")
	return nil
}

// Fail tears the session down after an unrecoverable component error. It
// is a no-op if the named session is no longer active.
func (c *Controller) Fail(sessionID string, cause error) {
	c.mu.Lock()
	if c.session == nil || c.session.id != sessionID || c.state == StateStopping || c.state == StateStopped || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	s := c.session
	c.setStateLocked(StateFailed)
	c.mu.Unlock()

	c.log.Error().Err(cause).Str("session_id", s.id).Msg("Session failed")
	if err := s.bus.Publish(events.TopicSessionFailed, events.SessionUpdate{
		SessionID: s.id,
		Status:    events.SessionFailed,
		Symbols:   s.symbols,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		c.log.Warn().Err(err).Msg("Failed to publish session failure")
	}

	if s.sourceCancel != nil {
		s.sourceCancel()
		_ = s.sourceGroup.Wait()
	}
	if s.strat != nil {
		_ = s.strat.Stop()
	}
	if s.orders != nil {
		_ = s.orders.Stop()
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), tickFlushGrace)
	_ = s.writer.Stop(stopCtx)
	cancel()
	if s.engine != nil {
		_ = s.engine.Stop()
	}
	for i := len(s.detaches) - 1; i >= 0; i-- {
		s.detaches[i]()
	}
	_ = s.bus.Shutdown()

	if err := c.store.UpdateSessionStatus(context.Background(), s.id, events.SessionFailed); err != nil {
		c.log.Warn().Err(err).Str("session_id", s.id).Msg("Failed to record failed status")
	}
}

func (c *Controller) publishStatus(status events.SessionStatus) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.bus.Publish(events.TopicSessionStatus, events.SessionUpdate{
		SessionID: s.id,
		Status:    status,
		Symbols:   s.symbols,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		c.log.Warn().Err(err).Msg("Failed to publish session status")
	}
}

// setStateLocked updates the state and its gauge. Caller holds c.mu.
func (c *Controller) setStateLocked(next State) {
	metrics.SessionState.WithLabelValues(string(c.state)).Set(0)
	metrics.SessionState.WithLabelValues(string(next)).Set(1)
	c.state = next
}

func validateRequest(req *StartRequest) error {
	switch req.Mode {
	case events.ModePaper, events.ModeLive, events.ModeBacktest, events.ModeCollect:
	default:
		return fmt.Errorf("unknown session mode %q", req.Mode)
	}
	if len(req.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	seen := make(map[string]bool, len(req.Symbols))
	for _, sym := range req.Symbols {
		if sym == "" {
			return fmt.Errorf("empty symbol in request")
		}
		if seen[sym] {
			return fmt.Errorf("duplicate symbol %s", sym)
		}
		seen[sym] = true
	}
	if req.Mode != events.ModeCollect {
		if len(req.StrategyConfig) == 0 {
			return fmt.Errorf("strategy_config is required for %s sessions", req.Mode)
		}
		if req.Config.Budget.GlobalCap <= 0 {
			return fmt.Errorf("config.budget.global_cap must be positive")
		}
	}
	return nil
}

// riskConfig derives the order manager envelope from the request and the
// parsed strategies. Per-strategy allocations in the request override the
// strategies' own allocation_usd.
func riskConfig(req *StartRequest, cfg strategy.Config) orders.RiskConfig {
	symbols := make(map[string]bool, len(req.Symbols))
	for _, sym := range req.Symbols {
		symbols[sym] = true
	}
	directions := make(map[string]strategy.Direction, len(cfg))
	for id, s := range cfg {
		directions[id] = s.Direction
	}
	return orders.RiskConfig{
		GlobalCap:   req.Config.Budget.GlobalCap,
		Allocations: allocations(cfg, req.Config.Budget.Allocations),
		Directions:  directions,
		Symbols:     symbols,
	}
}

func allocations(cfg strategy.Config, overrides map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(cfg))
	for id, s := range cfg {
		if s.AllocationUSD > 0 {
			out[id] = s.AllocationUSD
		}
	}
	for id, cap := range overrides {
		out[id] = cap
	}
	return out
}

// newSessionID builds the {mode}_{YYYYMMDD_HHMMSS}_{rand} identifier.
func newSessionID(mode events.SessionMode) string {
	return fmt.Sprintf("%s_%s_%s",
		mode,
		time.Now().UTC().Format("20060102_150405"),
		uuid.NewString()[:8],
	)
}

// fingerprint identifies a request for the idempotent-start comparison.
func fingerprint(req StartRequest) string {
	symbols := append([]string(nil), req.Symbols...)
	sort.Strings(symbols)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", req.Mode, strings.Join(symbols, ","), string(req.StrategyConfig))
	return hex.EncodeToString(h.Sum(nil))
}
