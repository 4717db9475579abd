package bridge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/bdemchak/jupyter-bridge/internal/monitoring"
	"github.com/bdemchak/jupyter-bridge/internal/store"
)

// Config carries the engine's timing knobs.
type Config struct {
	// DequeueTimeout bounds how long one dequeue call blocks.
	DequeueTimeout time.Duration
	// FastPoll and SlowPoll are the two read cadences of the polling loop.
	FastPoll time.Duration
	SlowPoll time.Duration
	// MaxFastPolls is the number of dequeue calls allowed at the fast
	// cadence before a slot downshifts to the slow one.
	MaxFastPolls int
	// SlotTTLSecs is the idle expiry applied to slot keys, refreshed on
	// every enqueue and dequeue.
	SlotTTLSecs int
}

// Engine runs the rendezvous protocol against a shared store. Safe for
// concurrent use; all per-call state lives on the stack.
type Engine struct {
	store  store.Store
	stats  *Recorder
	logger zerolog.Logger
	cfg    Config
}

// NewEngine creates an engine on the given store.
func NewEngine(st store.Store, stats *Recorder, logger zerolog.Logger, cfg Config) *Engine {
	return &Engine{store: st, stats: stats, logger: logger, cfg: cfg}
}

// Enqueue posts payload into the channel's slot for dir. The slot must be
// empty; a pending message fails the call with SlotOccupiedError. On success
// the slot TTL is refreshed and the day's traffic counters are bumped.
func (e *Engine) Enqueue(ctx context.Context, txn int64, dir Direction, channel string, payload []byte) error {
	key := SlotKey(channel, dir)
	e.logger.Debug().Int64("txn", txn).Str("key", key).Int("bytes", len(payload)).Msg("enqueue")

	fields, err := e.store.GetAll(ctx, key)
	if err != nil {
		return storeFail(err)
	}
	if slotFromFields(fields).HasMessage {
		monitoring.SlotConflicts.Inc()
		return &SlotOccupiedError{Key: key}
	}

	err = e.store.SetFields(ctx, key, map[string]string{
		fieldMessage:    string(payload),
		fieldPickupTime: "",
		fieldPostedTime: time.Now().Format(time.ANSIC),
	})
	if err != nil {
		return storeFail(err)
	}
	if err := e.store.Expire(ctx, key, e.cfg.SlotTTLSecs); err != nil {
		return storeFail(err)
	}

	if err := e.stats.Record(ctx, dir, len(payload)); err != nil {
		return err
	}

	monitoring.EnqueuedMessages.WithLabelValues(string(dir)).Inc()
	monitoring.EnqueuedBytes.WithLabelValues(string(dir)).Add(float64(len(payload)))
	return nil
}

// Dequeue blocks until the channel's slot for dir holds a message, consumes
// it, and returns the payload. It gives up with ErrTimeout after the
// configured timeout, and with ErrRedundantReader immediately if another
// reader already holds the slot.
//
// resetFirst discards any message already in the slot before waiting. A
// freshly reconnected consumer uses it to drop a message addressed to a dead
// predecessor.
func (e *Engine) Dequeue(ctx context.Context, txn int64, dir Direction, channel string, resetFirst bool) ([]byte, error) {
	key := SlotKey(channel, dir)
	e.logger.Debug().Int64("txn", txn).Str("key", key).Bool("reset", resetFirst).Msg("dequeue")

	// Reader interlock. Absence of the flag means idle. A losing reader
	// backs off without touching the flag; the owner still holds it.
	busy, ok, err := e.store.GetField(ctx, key, fieldDequeueBusy)
	if err != nil {
		return nil, storeFail(err)
	}
	if ok && busy == busyStatus {
		monitoring.RedundantReaders.Inc()
		e.logger.Debug().Int64("txn", txn).Str("key", key).Msg("redundant reader rejected")
		return nil, ErrRedundantReader
	}
	if err := e.store.SetFields(ctx, key, map[string]string{fieldDequeueBusy: busyStatus}); err != nil {
		return nil, storeFail(err)
	}

	label := string(dir)
	start := time.Now()
	monitoring.ActiveWaiters.WithLabelValues(label).Inc()
	defer func() {
		monitoring.ActiveWaiters.WithLabelValues(label).Dec()
		monitoring.DequeueWait.WithLabelValues(label).Observe(time.Since(start).Seconds())
		// Every exit of a valid reader releases the interlock, including
		// after the caller's context is gone.
		release := context.WithoutCancel(ctx)
		if err := e.store.SetFields(release, key, map[string]string{fieldDequeueBusy: idleStatus}); err != nil {
			e.logger.Error().Err(err).Int64("txn", txn).Str("key", key).Msg("failed to release reader interlock")
		}
	}()

	if resetFirst {
		if _, err := e.store.DeleteField(ctx, key, fieldMessage); err != nil {
			return nil, storeFail(err)
		}
	}
	if err := e.store.SetFields(ctx, key, map[string]string{fieldPickupTime: ""}); err != nil {
		return nil, storeFail(err)
	}
	// Keeps the slot alive even if no producer ever shows up.
	if err := e.store.Expire(ctx, key, e.cfg.SlotTTLSecs); err != nil {
		return nil, storeFail(err)
	}

	interval, err := e.pollInterval(ctx, key)
	if err != nil {
		return nil, err
	}

	message, found, err := e.poll(ctx, key, interval)
	if err != nil {
		return nil, err
	}
	if !found {
		monitoring.DequeueTimeouts.WithLabelValues(label).Inc()
		e.logger.Debug().Int64("txn", txn).Str("key", key).Dur("interval", interval).Msg("dequeue timed out")
		return nil, ErrTimeout
	}

	existed, err := e.store.DeleteField(ctx, key, fieldMessage)
	if err != nil {
		return nil, storeFail(err)
	}
	if !existed {
		// Another process consumed it between our read and delete.
		return nil, fmt.Errorf("message on %s vanished before pickup", key)
	}
	err = e.store.SetFields(ctx, key, map[string]string{
		fieldPickupTime:    time.Now().Format(time.ANSIC),
		fieldFastPollsLeft: strconv.Itoa(e.cfg.MaxFastPolls),
	})
	if err != nil {
		return nil, storeFail(err)
	}

	monitoring.DeliveredMessages.WithLabelValues(label).Inc()
	e.logger.Debug().Int64("txn", txn).Str("key", key).Int("bytes", len(message)).Msg("dequeue delivered")
	return []byte(message), nil
}

// pollInterval applies the cadence heuristic. Zombie pollers are routine
// here: notebook duplication leaves browser tabs long-polling channels no
// producer will ever write to. Each dequeue call spends one unit of the
// slot's fast-poll budget; once it runs out the slot drops to the slow
// cadence so zombies stop soaking up store bandwidth. A successful consume
// restores the budget (see Dequeue).
func (e *Engine) pollInterval(ctx context.Context, key string) (time.Duration, error) {
	raw, ok, err := e.store.GetField(ctx, key, fieldFastPollsLeft)
	if err != nil {
		return 0, storeFail(err)
	}
	left := e.cfg.MaxFastPolls
	if ok {
		left, err = strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%s on %s is not an integer: %q", fieldFastPollsLeft, key, raw)
		}
	}
	if left <= 0 {
		return e.cfg.SlowPoll, nil
	}
	if err := e.store.SetFields(ctx, key, map[string]string{fieldFastPollsLeft: strconv.Itoa(left - 1)}); err != nil {
		return 0, storeFail(err)
	}
	return e.cfg.FastPoll, nil
}

// poll reads the message field until it appears or the timeout budget is
// spent. The first read happens before any sleep, so an already-waiting
// message comes back immediately.
func (e *Engine) poll(ctx context.Context, key string, interval time.Duration) (string, bool, error) {
	message, ok, err := e.store.GetField(ctx, key, fieldMessage)
	if err != nil {
		return "", false, storeFail(err)
	}
	remaining := e.cfg.DequeueTimeout
	for !ok && remaining > 0 {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(interval):
		}
		remaining -= interval
		message, ok, err = e.store.GetField(ctx, key, fieldMessage)
		if err != nil {
			return "", false, storeFail(err)
		}
	}
	return message, ok, nil
}

// SweepStrandedReply discards a reply left over from an earlier transaction
// whose consumer never came back for it. The HTTP adapter runs this before
// accepting a new request on the channel; it is the only operation that
// touches both of a channel's slots. Returns the discarded payload so the
// caller can log it.
func (e *Engine) SweepStrandedReply(ctx context.Context, channel string) ([]byte, bool, error) {
	key := SlotKey(channel, Reply)
	stale, ok, err := e.store.GetField(ctx, key, fieldMessage)
	if err != nil {
		return nil, false, storeFail(err)
	}
	if !ok {
		return nil, false, nil
	}
	if _, err := e.store.DeleteField(ctx, key, fieldMessage); err != nil {
		return nil, false, storeFail(err)
	}
	monitoring.StrandedReplies.Inc()
	return []byte(stale), true, nil
}
