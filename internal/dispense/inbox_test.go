package dispense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/clinic-ledger/internal/domain/inventory"
	"github.com/drfirst/clinic-ledger/internal/infrastructure/postgres"
)

// testInbox connects to CLINIC_TEST_DATABASE_URL and migrates the schema.
// Tests are skipped when it is unset.
func testInbox(t *testing.T) (*PostgresInbox, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("CLINIC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CLINIC_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPostgresInbox(pool, DefaultInboxConfig(), nil), pool
}

func inboxCommand(t *testing.T) (Command, json.RawMessage) {
	t.Helper()
	cmd := validCommand("rx-" + uuid.New().String())
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return cmd, raw
}

func stateOf(t *testing.T, pool *pgxpool.Pool, id string) CommandState {
	t.Helper()
	var state CommandState
	if err := pool.QueryRow(context.Background(),
		`SELECT state FROM dispense_inbox WHERE prescription_item_id = $1`, id).Scan(&state); err != nil {
		t.Fatalf("read state: %v", err)
	}
	return state
}

func TestInboxAnswersRedeliveryFromOutcome(t *testing.T) {
	inbox, pool := testInbox(t)
	ctx := context.Background()
	cmd, raw := inboxCommand(t)

	calls := 0
	run := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"status":"issued"}`), nil
	}

	first, err := inbox.Run(ctx, cmd, raw, run)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if !first.Fresh {
		t.Fatalf("first delivery not fresh")
	}

	second, err := inbox.Run(ctx, cmd, raw, run)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	var out Outcome
	if err := json.Unmarshal(second.Outcome, &out); err != nil {
		t.Fatalf("decode recorded outcome: %v", err)
	}
	if second.Fresh || out.Status != StatusIssued {
		t.Fatalf("redelivery: fresh=%v outcome %s", second.Fresh, second.Outcome)
	}
	if calls != 1 {
		t.Fatalf("dispensed %d times, want 1", calls)
	}
	if s := stateOf(t, pool, cmd.PrescriptionItemID); s != StateSettled {
		t.Fatalf("state = %s, want settled", s)
	}
}

func TestInboxRemembersInvalidCommands(t *testing.T) {
	inbox, pool := testInbox(t)
	ctx := context.Background()
	cmd, raw := inboxCommand(t)

	_, err := inbox.Run(ctx, cmd, raw, func(context.Context) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: diagnosis_id is required", ErrInvalidCommand)
	})
	if !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("got %v, want ErrInvalidCommand", err)
	}
	if s := stateOf(t, pool, cmd.PrescriptionItemID); s != StateInvalid {
		t.Fatalf("state = %s, want invalid", s)
	}

	_, err = inbox.Run(ctx, cmd, raw, func(context.Context) (json.RawMessage, error) {
		t.Fatalf("invalid command dispensed again")
		return nil, nil
	})
	if !errors.Is(err, ErrCommandInvalid) {
		t.Fatalf("got %v, want ErrCommandInvalid", err)
	}
}

func TestInboxRetriesTransientFailure(t *testing.T) {
	inbox, pool := testInbox(t)
	ctx := context.Background()
	cmd, raw := inboxCommand(t)

	// Error text alone never makes a failure terminal.
	_, err := inbox.Run(ctx, cmd, raw, func(context.Context) (json.RawMessage, error) {
		return nil, fmt.Errorf("invalid connection state: %w", inventory.ErrIssuanceFailed)
	})
	if err == nil {
		t.Fatalf("expected dispense error")
	}
	if s := stateOf(t, pool, cmd.PrescriptionItemID); s != StateRetryable {
		t.Fatalf("state = %s, want retryable", s)
	}

	d, err := inbox.Run(ctx, cmd, raw, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"status":"issued"}`), nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !d.Fresh || !d.Reclaimed {
		t.Fatalf("retry delivery: %+v", d)
	}

	counts, err := inbox.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[StateSettled] == 0 {
		t.Fatalf("no settled commands: %v", counts)
	}
	for _, s := range CommandStates {
		if _, ok := counts[s]; !ok {
			t.Fatalf("state %s missing from counts", s)
		}
	}
}

func TestInboxReleasesStaleClaims(t *testing.T) {
	inbox, pool := testInbox(t)
	ctx := context.Background()
	cmd, raw := inboxCommand(t)

	if err := inbox.claim(ctx, cmd.PrescriptionItemID, raw); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err := inbox.Run(ctx, cmd, raw, func(context.Context) (json.RawMessage, error) {
		t.Fatalf("fresh claim taken over")
		return nil, nil
	})
	if !errors.Is(err, ErrCommandInFlight) {
		t.Fatalf("got %v, want ErrCommandInFlight", err)
	}

	// The worker holding the claim died an hour ago.
	if _, err := pool.Exec(ctx, `
		UPDATE dispense_inbox SET updated_at = NOW() - INTERVAL '1 hour'
		WHERE prescription_item_id = $1`, cmd.PrescriptionItemID); err != nil {
		t.Fatalf("age claim: %v", err)
	}
	released, err := inbox.ReleaseStaleClaims(ctx)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released == 0 {
		t.Fatalf("stale claim not released")
	}
	if s := stateOf(t, pool, cmd.PrescriptionItemID); s != StateRetryable {
		t.Fatalf("state = %s, want retryable", s)
	}

	d, err := inbox.Run(ctx, cmd, raw, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"status":"issued"}`), nil
	})
	if err != nil {
		t.Fatalf("run after release: %v", err)
	}
	if !d.Fresh || !d.Reclaimed {
		t.Fatalf("delivery after release: %+v", d)
	}
}
