package simd

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/GoSim-25-26J-441/montecarlo-core/internal/store"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

// parseRunQuery builds a run request from query parameters. Absent
// parameters stay zero so that defaults and validation apply later.
func parseRunQuery(q url.Values) (models.RunRequest, error) {
	req := models.RunRequest{
		RunID:      q.Get("run_id"),
		OptionType: q.Get("option_type"),
	}
	var errs []error
	floatParam := func(name string, dst *float64) {
		if v := q.Get(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: not a number: %q", name, v))
				return
			}
			*dst = f
		}
	}
	intParam := func(name string, dst *int) {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: not an integer: %q", name, v))
				return
			}
			*dst = n
		}
	}

	floatParam("stock_value", &req.StockValue)
	floatParam("strike", &req.Strike)
	floatParam("volatility", &req.Volatility)
	floatParam("horizon", &req.Horizon)
	intParam("steps", &req.Steps)
	intParam("simulation_count", &req.SimulationCount)
	intParam("batch_size", &req.BatchSize)
	intParam("worker_count", &req.WorkerCount)

	if len(errs) > 0 {
		return req, fmt.Errorf("%w: %w", models.ErrValidation, errors.Join(errs...))
	}
	return req, nil
}

func runToJSON(rec RunRecord) map[string]any {
	out := map[string]any{
		"id":         rec.ID,
		"status":     string(rec.Status),
		"created_at": formatTime(rec.CreatedAt),
		"started_at": formatTime(rec.StartedAt),
		"ended_at":   formatTime(rec.EndedAt),
		"error":      rec.Error,
		"request":    rec.Request,
		"store_key":  rec.Request.StoreKey(),
	}
	if rec.Summary != nil {
		out["summary"] = store.NewSummaryEntry(*rec.Summary)
	}
	return out
}
