// Package scheduler runs the per-bot evaluation loop: parallel across bots,
// strictly serial within a bot, with overlapping timer fires dropped.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/rebalancer/internal/bots"
	"github.com/quantfold/rebalancer/internal/domain"
	"github.com/quantfold/rebalancer/internal/engine"
	"github.com/quantfold/rebalancer/internal/events"
	"github.com/quantfold/rebalancer/internal/executor"
	"github.com/quantfold/rebalancer/internal/oracle"
	"github.com/quantfold/rebalancer/internal/snapshots"
)

// Scheduler owns one evaluation task per started bot.
type Scheduler struct {
	botRepo   *bots.BotRepository
	assets    *bots.AssetRepository
	snapshots *snapshots.Manager
	oracle    *oracle.Oracle
	strategy  oracle.Strategy
	engine    *engine.Engine
	executor  *executor.Executor
	events    *events.Manager
	log       zerolog.Logger

	mu    sync.Mutex
	tasks map[int64]*botTask
}

type botTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler.
func New(botRepo *bots.BotRepository, assets *bots.AssetRepository, snaps *snapshots.Manager,
	o *oracle.Oracle, strategy oracle.Strategy, eng *engine.Engine, exec *executor.Executor,
	ev *events.Manager, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		botRepo:   botRepo,
		assets:    assets,
		snapshots: snaps,
		oracle:    o,
		strategy:  strategy,
		engine:    eng,
		executor:  exec,
		events:    ev,
		log:       log.With().Str("service", "scheduler").Logger(),
		tasks:     make(map[int64]*botTask),
	}
}

// Start begins the evaluation loop for one bot: an immediate first tick,
// then one tick per check interval. Starting an already-running bot is a
// no-op.
func (s *Scheduler) Start(botID int64) error {
	bot, err := s.botRepo.Get(botID)
	if err != nil {
		return err
	}
	if !bot.Enabled {
		return fmt.Errorf("bot %d is disabled", botID)
	}
	if bot.CheckIntervalMinutes <= 0 {
		return fmt.Errorf("%w: bot %d has no check interval", domain.ErrConfigMissing, botID)
	}

	s.mu.Lock()
	if _, exists := s.tasks[botID]; exists {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	task := &botTask{cancel: cancel, done: make(chan struct{})}
	s.tasks[botID] = task
	s.mu.Unlock()

	interval := time.Duration(bot.CheckIntervalMinutes) * time.Minute
	go s.run(ctx, botID, interval, task)

	s.log.Info().
		Int64("bot_id", botID).
		Str("bot_name", bot.Name).
		Dur("interval", interval).
		Msg("Bot scheduler started")
	if s.events != nil {
		s.events.Emit(events.BotStarted, "scheduler", map[string]interface{}{"bot_id": botID})
	}
	return nil
}

// Stop cancels a bot's loop. The in-flight tick is allowed to finish;
// subsequent fires are discarded. Blocks until the loop exits.
func (s *Scheduler) Stop(botID int64) {
	s.mu.Lock()
	task, ok := s.tasks[botID]
	if ok {
		delete(s.tasks, botID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	task.cancel()
	<-task.done

	s.log.Info().Int64("bot_id", botID).Msg("Bot scheduler stopped")
	if s.events != nil {
		s.events.Emit(events.BotStopped, "scheduler", map[string]interface{}{"bot_id": botID})
	}
}

// StartAllEnabled starts every enabled bot. Individual failures are logged
// and do not stop the rest.
func (s *Scheduler) StartAllEnabled() error {
	enabled, err := s.botRepo.ListEnabled()
	if err != nil {
		return err
	}
	for _, bot := range enabled {
		if err := s.Start(bot.ID); err != nil {
			s.log.Error().Err(err).Int64("bot_id", bot.ID).Msg("Failed to start bot")
		}
	}
	return nil
}

// StopAll stops every running bot.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// Running reports whether a bot's loop is active.
func (s *Scheduler) Running(botID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[botID]
	return ok
}

// run is the per-bot loop. Ticks execute synchronously in this goroutine,
// so they are serial by construction; any timer fire queued while a tick
// ran is drained afterwards rather than executed.
func (s *Scheduler) run(ctx context.Context, botID int64, interval time.Duration, task *botTask) {
	defer close(task.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx, botID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, botID)
			select {
			case <-ticker.C:
				// Dropped: fired while the tick was in flight.
			default:
			}
		}
	}
}

// tick runs one evaluation. All errors are caught at this boundary; a
// failed tick never disturbs the schedule.
func (s *Scheduler) tick(ctx context.Context, botID int64) {
	if err := s.runTick(ctx, botID); err != nil {
		s.log.Error().Err(err).Int64("bot_id", botID).Msg("Tick failed")
		if s.events != nil {
			s.events.EmitError("scheduler", err, map[string]interface{}{"bot_id": botID})
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context, botID int64) error {
	bot, err := s.botRepo.Get(botID)
	if err != nil {
		return err
	}

	// Stamped no matter how the tick ends.
	if err := s.botRepo.UpdateLastCheckTime(botID, time.Now().UTC()); err != nil {
		s.log.Error().Err(err).Int64("bot_id", botID).Msg("Failed to stamp last check time")
	}

	if !bot.Enabled {
		return nil
	}

	prices := s.oracle.GetPrices(ctx, s.strategy, bot.Coins, bot.PreferredStablecoin, bot.ID)

	if err := s.snapshots.EnsureBaselines(bot, prices); err != nil {
		return fmt.Errorf("baseline pass failed: %w", err)
	}

	s.engine.RefreshCommission(ctx, bot)

	asset, err := s.assets.Get(botID)
	if err != nil {
		return err
	}

	decision, err := s.engine.Evaluate(bot, asset, prices)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	switch decision.Kind {
	case engine.DecisionSwap:
		rate := s.engine.CommissionRate(bot)
		if err := s.executor.Execute(ctx, bot, decision.From, decision.To, prices, rate); err != nil {
			return fmt.Errorf("swap %s -> %s failed: %w", decision.From, decision.To, err)
		}
	case engine.DecisionNoOp:
		s.log.Debug().
			Int64("bot_id", botID).
			Str("reason", decision.Reason).
			Msg("Tick ended without a swap")
	}

	if s.events != nil {
		s.events.Emit(events.TickCompleted, "scheduler", map[string]interface{}{
			"bot_id":   botID,
			"decision": string(decision.Kind),
			"reason":   decision.Reason,
		})
	}
	return nil
}
