package models

import (
	"errors"
	"testing"
	"time"
)

func validRequest() RunRequest {
	return RunRequest{
		StockValue:      100,
		Strike:          103,
		Volatility:      0.3,
		Steps:           12,
		Horizon:         1,
		SimulationCount: 10,
		BatchSize:       5,
		OptionType:      "call",
		WorkerCount:     2,
	}
}

func TestRunRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *RunRequest)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *RunRequest) {}},
		{name: "zero volatility allowed", mutate: func(r *RunRequest) { r.Volatility = 0 }},
		{name: "unknown option type passes validation", mutate: func(r *RunRequest) { r.OptionType = "straddle" }},
		{name: "negative volatility", mutate: func(r *RunRequest) { r.Volatility = -0.1 }, wantErr: true},
		{name: "zero stock value", mutate: func(r *RunRequest) { r.StockValue = 0 }, wantErr: true},
		{name: "negative strike", mutate: func(r *RunRequest) { r.Strike = -1 }, wantErr: true},
		{name: "zero steps", mutate: func(r *RunRequest) { r.Steps = 0 }, wantErr: true},
		{name: "zero horizon", mutate: func(r *RunRequest) { r.Horizon = 0 }, wantErr: true},
		{name: "zero simulations", mutate: func(r *RunRequest) { r.SimulationCount = 0 }, wantErr: true},
		{name: "zero batch size", mutate: func(r *RunRequest) { r.BatchSize = 0 }, wantErr: true},
		{name: "zero workers", mutate: func(r *RunRequest) { r.WorkerCount = 0 }, wantErr: true},
		{name: "missing option type", mutate: func(r *RunRequest) { r.OptionType = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected validation error")
				}
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseOptionType(t *testing.T) {
	if got := ParseOptionType(" CALL "); got != OptionCall {
		t.Fatalf("expected call, got %q", got)
	}
	if got := ParseOptionType("Put"); got != OptionPut {
		t.Fatalf("expected put, got %q", got)
	}
	if got := ParseOptionType("binary"); got != OptionType("binary") {
		t.Fatalf("expected unknown kind to be preserved, got %q", got)
	}
}

func TestRunRequestParametersAndKey(t *testing.T) {
	req := validRequest()
	p := req.Parameters(0.05)
	if p.OptionType != OptionCall || p.RiskFreeRate != 0.05 || p.Steps != 12 {
		t.Fatalf("unexpected parameters: %+v", p)
	}
	if dt := p.DeltaT(); dt != 1.0/12 {
		t.Fatalf("expected dt 1/12, got %v", dt)
	}

	if key := req.StoreKey(); key != "workers_2" {
		t.Fatalf("expected workers_2, got %s", key)
	}
	req.RunID = "run-1"
	if key := req.StoreKey(); key != "run-1" {
		t.Fatalf("expected run id key, got %s", key)
	}
	req.ResultKey = "workers_2"
	if key := req.StoreKey(); key != "workers_2" {
		t.Fatalf("expected pinned result key, got %s", key)
	}
}

func TestRecordAccessors(t *testing.T) {
	path := Record{Path: &PathRecord{SimulationID: 3, StepIndex: 1, Price: 99}}
	payoff := Record{Payoff: &PayoffRecord{SimulationID: 4, Payoff: 1, FinalPrice: 104}}

	if path.SimulationID() != 3 || path.IsPayoff() {
		t.Fatalf("unexpected path accessors")
	}
	if payoff.SimulationID() != 4 || !payoff.IsPayoff() {
		t.Fatalf("unexpected payoff accessors")
	}
	if (Record{}).SimulationID() != 0 {
		t.Fatalf("expected zero id for empty record")
	}
}

func TestBatchUnitRange(t *testing.T) {
	u := BatchUnit{StartSimID: 6, BatchSize: 5}
	if u.EndSimID() != 10 {
		t.Fatalf("expected end 10, got %d", u.EndSimID())
	}
	if u.String() != "batch[6..10]" {
		t.Fatalf("unexpected string %q", u.String())
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled} {
		if !s.IsTerminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	if RunStatusRunning.IsTerminal() || RunStatusPending.IsTerminal() {
		t.Fatalf("running/pending must not be terminal")
	}
	s := RunSummary{ExecutionTime: 1500 * time.Millisecond}
	if s.ExecutionSeconds() != 1.5 {
		t.Fatalf("expected 1.5s, got %v", s.ExecutionSeconds())
	}
}
