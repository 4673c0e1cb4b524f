package dispense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CommandState is where a dispense command stands in the inbox
type CommandState string

const (
	// StateClaimed: a worker is issuing the item
	StateClaimed CommandState = "claimed"
	// StateSettled: an outcome was produced and published once
	StateSettled CommandState = "settled"
	// StateRetryable: the last attempt failed transiently or its worker died
	StateRetryable CommandState = "retryable"
	// StateInvalid: the command can never be issued
	StateInvalid CommandState = "invalid"
)

// CommandStates lists every state, in the order gauges are reported
var CommandStates = []CommandState{StateClaimed, StateSettled, StateRetryable, StateInvalid}

var (
	// ErrCommandInFlight is returned while another worker holds a fresh claim
	ErrCommandInFlight = errors.New("dispense command in flight")
	// ErrCommandClaimed is returned when a concurrent delivery won the claim
	ErrCommandClaimed = errors.New("dispense command already claimed")
	// ErrCommandInvalid is returned for redeliveries of an invalid command
	ErrCommandInvalid = errors.New("dispense command previously rejected as invalid")
)

// DispenseFunc issues one command and returns its encoded outcome
type DispenseFunc func(ctx context.Context) (json.RawMessage, error)

// Delivery is what the inbox did with one delivery of a command
type Delivery struct {
	Outcome json.RawMessage
	// Fresh is set when this delivery produced the outcome
	Fresh bool
	// Reclaimed is set when an earlier attempt had failed or stalled
	Reclaimed bool
}

// InboxConfig holds the inbox timings
type InboxConfig struct {
	// Retention is how long settled and invalid commands are remembered
	Retention time.Duration
	// SweepInterval is how often stale claims are released and expired rows purged
	SweepInterval time.Duration
	// ClaimTimeout is how long a claim may go without an update before
	// another delivery may take it over
	ClaimTimeout time.Duration
}

// DefaultInboxConfig returns the worker defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		Retention:     7 * 24 * time.Hour,
		SweepInterval: time.Minute,
		ClaimTimeout:  5 * time.Minute,
	}
}

// PostgresInbox remembers dispense commands by prescription item id so a
// redelivered command is answered from its recorded outcome
type PostgresInbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgresInbox creates an inbox over the dispense_inbox table
func NewPostgresInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *PostgresInbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PostgresInbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("dispense_inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

type inboxRow struct {
	state     CommandState
	outcome   json.RawMessage
	updatedAt time.Time
}

// Run claims cmd and runs dispense unless the command already has an outcome.
// Terminal failures mark the command invalid; others leave it retryable.
func (i *PostgresInbox) Run(ctx context.Context, cmd Command, raw json.RawMessage, dispense DispenseFunc) (*Delivery, error) {
	ctx, span := i.tracer.Start(ctx, "dispense_inbox_run",
		trace.WithAttributes(attribute.String("prescription_item_id", cmd.PrescriptionItemID)))
	defer span.End()

	row, err := i.lookup(ctx, cmd.PrescriptionItemID)
	if err != nil {
		return nil, fmt.Errorf("read dispense inbox: %w", err)
	}

	reclaimed := false
	if row != nil {
		switch row.state {
		case StateSettled:
			span.SetAttributes(attribute.Bool("redelivery", true))
			return &Delivery{Outcome: row.outcome}, nil
		case StateInvalid:
			return nil, fmt.Errorf("%w: %s", ErrCommandInvalid, cmd.PrescriptionItemID)
		case StateClaimed:
			if time.Since(row.updatedAt) <= i.config.ClaimTimeout {
				return nil, ErrCommandInFlight
			}
			if err := i.setState(ctx, cmd.PrescriptionItemID, StateRetryable, nil, ""); err != nil {
				return nil, fmt.Errorf("release stale claim: %w", err)
			}
		}
		reclaimed = true
	}

	if err := i.claim(ctx, cmd.PrescriptionItemID, raw); err != nil {
		return nil, err
	}

	outcome, runErr := dispense(ctx)
	if runErr != nil {
		state := StateRetryable
		if IsTerminal(runErr) {
			state = StateInvalid
		}
		if err := i.setState(ctx, cmd.PrescriptionItemID, state, nil, runErr.Error()); err != nil {
			i.logger.Error("failed to record dispense failure",
				zap.String("prescription_item_id", cmd.PrescriptionItemID),
				zap.Error(err))
		}
		span.RecordError(runErr)
		return nil, runErr
	}

	// The ledger replays the same item if this update is lost.
	if err := i.setState(ctx, cmd.PrescriptionItemID, StateSettled, outcome, ""); err != nil {
		i.logger.Error("failed to settle dispense command",
			zap.String("prescription_item_id", cmd.PrescriptionItemID),
			zap.Error(err))
	}
	return &Delivery{Outcome: outcome, Fresh: true, Reclaimed: reclaimed}, nil
}

func (i *PostgresInbox) lookup(ctx context.Context, id string) (*inboxRow, error) {
	row := &inboxRow{}
	err := i.pool.QueryRow(ctx, `
		SELECT state, outcome, updated_at
		FROM dispense_inbox
		WHERE prescription_item_id = $1`, id).Scan(&row.state, &row.outcome, &row.updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// claim inserts a claimed row, or takes over a retryable one
func (i *PostgresInbox) claim(ctx context.Context, id string, raw json.RawMessage) error {
	var attempts int
	err := i.pool.QueryRow(ctx, `
		INSERT INTO dispense_inbox (prescription_item_id, state, command, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (prescription_item_id) DO UPDATE
		SET state = EXCLUDED.state, attempts = dispense_inbox.attempts + 1, updated_at = NOW()
		WHERE dispense_inbox.state = 'retryable'
		RETURNING attempts`,
		id, StateClaimed, raw, time.Now().Add(i.config.Retention)).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCommandClaimed
	}
	if err != nil {
		return fmt.Errorf("claim dispense command: %w", err)
	}
	if attempts > 1 {
		i.logger.Info("dispense command reclaimed",
			zap.String("prescription_item_id", id),
			zap.Int("attempt", attempts))
	}
	return nil
}

func (i *PostgresInbox) setState(ctx context.Context, id string, state CommandState, outcome json.RawMessage, lastError string) error {
	var errText *string
	if lastError != "" {
		errText = &lastError
	}
	_, err := i.pool.Exec(ctx, `
		UPDATE dispense_inbox
		SET state = $1, outcome = COALESCE($2, outcome), last_error = $3, updated_at = NOW()
		WHERE prescription_item_id = $4`,
		state, outcome, errText, id)
	return err
}

// ReleaseStaleClaims makes claims older than the claim timeout retryable.
// It returns how many were released.
func (i *PostgresInbox) ReleaseStaleClaims(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE dispense_inbox
		SET state = 'retryable', last_error = 'claim timed out', updated_at = NOW()
		WHERE state = 'claimed'
		  AND updated_at < NOW() - make_interval(secs => $1)`,
		i.config.ClaimTimeout.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Purge deletes commands past their retention
func (i *PostgresInbox) Purge(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		DELETE FROM dispense_inbox
		WHERE expires_at < NOW() AND state IN ('settled', 'invalid')`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Counts returns the number of commands in each state
func (i *PostgresInbox) Counts(ctx context.Context) (map[CommandState]int64, error) {
	rows, err := i.pool.Query(ctx, `SELECT state, COUNT(*) FROM dispense_inbox GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[CommandState]int64, len(CommandStates))
	for _, s := range CommandStates {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			state CommandState
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// StartSweeper releases stale claims and purges expired commands every
// sweep interval until Stop
func (i *PostgresInbox) StartSweeper() {
	go i.sweepLoop()
	i.logger.Info("dispense inbox sweeper started", zap.Duration("interval", i.config.SweepInterval))
}

// Stop stops the sweeper
func (i *PostgresInbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *PostgresInbox) sweepLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			i.sweep(i.ctx)
		}
	}
}

func (i *PostgresInbox) sweep(ctx context.Context) {
	if released, err := i.ReleaseStaleClaims(ctx); err != nil {
		i.logger.Error("failed to release stale dispense claims", zap.Error(err))
	} else if released > 0 {
		i.logger.Warn("stale dispense claims released", zap.Int64("count", released))
	}
	if purged, err := i.Purge(ctx); err != nil {
		i.logger.Error("dispense inbox purge failed", zap.Error(err))
	} else if purged > 0 {
		i.logger.Debug("dispense inbox purged", zap.Int64("deleted", purged))
	}
}
