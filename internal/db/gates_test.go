package db

import (
	"context"
	"testing"

	"github.com/cswenor/conductor-sub003/internal/id"
)

func TestSeedGateDefinition_Idempotent(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	def := &GateDefinition{
		ID:            "plan_approval",
		Kind:          GateKindHuman,
		Description:   "A human approves the plan before execution",
		DefaultConfig: `{"required":true}`,
	}

	created, err := store.SeedGateDefinition(def)
	if err != nil {
		t.Fatalf("first seed failed: %v", err)
	}
	if !created {
		t.Error("first seed should create the row")
	}

	created, err = store.SeedGateDefinition(def)
	if err != nil {
		t.Fatalf("second seed failed: %v", err)
	}
	if created {
		t.Error("second seed should be a no-op")
	}

	defs, err := store.ListGateDefinitions()
	if err != nil {
		t.Fatalf("ListGateDefinitions failed: %v", err)
	}
	if len(defs) != 1 || defs[0].Kind != GateKindHuman {
		t.Errorf("definitions = %+v", defs)
	}
}

func TestLatestGateEvaluations_ByCausationSequence(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)
	project, _, _, run := seedRunChain(t, store)

	for _, gateID := range []string{"plan_approval", "tests_pass"} {
		if _, err := store.SeedGateDefinition(&GateDefinition{ID: gateID, Kind: GateKindHuman, DefaultConfig: "{}"}); err != nil {
			t.Fatalf("seed gate %s: %v", gateID, err)
		}
	}

	insertEval := func(gateID, status, idemKey string) {
		t.Helper()
		err := store.RunInTx(context.Background(), func(tx *TxOps) error {
			event, err := tx.CreateEvent(project.ID, run.ID, "gate.evaluated", "gate", `{}`, idemKey, "test")
			if err != nil {
				return err
			}
			return tx.InsertGateEvaluation(&GateEvaluation{
				ID:               id.NewGateEvaluation(),
				RunID:            run.ID,
				GateID:           gateID,
				Kind:             GateKindHuman,
				Status:           status,
				CausationEventID: event.ID,
			})
		})
		if err != nil {
			t.Fatalf("insert evaluation: %v", err)
		}
	}

	insertEval("plan_approval", GateStatusPending, "ge-1")
	insertEval("tests_pass", GateStatusFailed, "ge-2")
	insertEval("plan_approval", GateStatusPassed, "ge-3")

	latest, err := store.LatestGateEvaluations(run.ID)
	if err != nil {
		t.Fatalf("LatestGateEvaluations failed: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest has %d gates, want 2", len(latest))
	}
	if latest["plan_approval"].Status != GateStatusPassed {
		t.Errorf("plan_approval = %s, want passed (newest causation wins)", latest["plan_approval"].Status)
	}
	if latest["tests_pass"].Status != GateStatusFailed {
		t.Errorf("tests_pass = %s, want failed", latest["tests_pass"].Status)
	}

	evals, err := store.ListGateEvaluationsForRun(run.ID)
	if err != nil {
		t.Fatalf("ListGateEvaluationsForRun failed: %v", err)
	}
	if len(evals) != 3 {
		t.Fatalf("run has %d evaluations, want 3", len(evals))
	}
	for i := 1; i < len(evals); i++ {
		if evals[i].CausationSeq <= evals[i-1].CausationSeq {
			t.Errorf("evaluations not ascending by causation sequence at %d", i)
		}
	}
}
