package distributor

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

// Batch units and results travel between coordinator and remote workers
// as structpb.Struct messages.

func EncodeUnit(u models.BatchUnit) *structpb.Struct {
	p := u.Params
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"start_sim_id": structpb.NewNumberValue(float64(u.StartSimID)),
		"batch_size":   structpb.NewNumberValue(float64(u.BatchSize)),
		"params": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"stock_value":    structpb.NewNumberValue(p.StockValue),
			"strike":         structpb.NewNumberValue(p.Strike),
			"volatility":     structpb.NewNumberValue(p.Volatility),
			"steps":          structpb.NewNumberValue(float64(p.Steps)),
			"horizon":        structpb.NewNumberValue(p.Horizon),
			"option_type":    structpb.NewStringValue(string(p.OptionType)),
			"risk_free_rate": structpb.NewNumberValue(p.RiskFreeRate),
		}}),
	}}
}

func DecodeUnit(s *structpb.Struct) (models.BatchUnit, error) {
	var u models.BatchUnit
	if s == nil {
		return u, fmt.Errorf("empty batch unit")
	}
	params := s.GetFields()["params"].GetStructValue()
	if params == nil {
		return u, fmt.Errorf("batch unit: missing params")
	}

	var err error
	num := func(st *structpb.Struct, key string) float64 {
		v, ok := st.GetFields()[key]
		if !ok {
			if err == nil {
				err = fmt.Errorf("batch unit: missing %s", key)
			}
			return 0
		}
		return v.GetNumberValue()
	}

	u.StartSimID = int(num(s, "start_sim_id"))
	u.BatchSize = int(num(s, "batch_size"))
	u.Params = models.SimulationParameters{
		StockValue:   num(params, "stock_value"),
		Strike:       num(params, "strike"),
		Volatility:   num(params, "volatility"),
		Steps:        int(num(params, "steps")),
		Horizon:      num(params, "horizon"),
		OptionType:   models.OptionType(params.GetFields()["option_type"].GetStringValue()),
		RiskFreeRate: num(params, "risk_free_rate"),
	}
	if err != nil {
		return u, err
	}
	if u.StartSimID <= 0 || u.BatchSize <= 0 || u.Params.Steps <= 0 {
		return u, fmt.Errorf("batch unit: invalid range or steps")
	}
	return u, nil
}

func EncodeResult(res models.BatchResult) *structpb.Struct {
	records := make([]*structpb.Value, 0, len(res.Records))
	for _, r := range res.Records {
		var fields map[string]*structpb.Value
		switch {
		case r.Payoff != nil:
			fields = map[string]*structpb.Value{
				"simulation_id": structpb.NewNumberValue(float64(r.Payoff.SimulationID)),
				"payoff":        structpb.NewNumberValue(r.Payoff.Payoff),
				"final_price":   structpb.NewNumberValue(r.Payoff.FinalPrice),
			}
		case r.Path != nil:
			fields = map[string]*structpb.Value{
				"simulation_id": structpb.NewNumberValue(float64(r.Path.SimulationID)),
				"step_index":    structpb.NewNumberValue(float64(r.Path.StepIndex)),
				"current_price": structpb.NewNumberValue(r.Path.Price),
			}
		default:
			continue
		}
		records = append(records, structpb.NewStructValue(&structpb.Struct{Fields: fields}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"unit":    structpb.NewStructValue(EncodeUnit(res.Unit)),
		"records": structpb.NewListValue(&structpb.ListValue{Values: records}),
	}}
}

func DecodeResult(s *structpb.Struct) (models.BatchResult, error) {
	var res models.BatchResult
	unit, err := DecodeUnit(s.GetFields()["unit"].GetStructValue())
	if err != nil {
		return res, err
	}
	res.Unit = unit

	list := s.GetFields()["records"].GetListValue()
	res.Records = make([]models.Record, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		f := v.GetStructValue().GetFields()
		id, ok := f["simulation_id"]
		if !ok {
			return res, fmt.Errorf("record %d: missing simulation_id", i)
		}
		simID := int(id.GetNumberValue())
		if payoff, ok := f["payoff"]; ok {
			res.Records = append(res.Records, models.Record{Payoff: &models.PayoffRecord{
				SimulationID: simID,
				Payoff:       payoff.GetNumberValue(),
				FinalPrice:   f["final_price"].GetNumberValue(),
			}})
			continue
		}
		res.Records = append(res.Records, models.Record{Path: &models.PathRecord{
			SimulationID: simID,
			StepIndex:    int(f["step_index"].GetNumberValue()),
			Price:        f["current_price"].GetNumberValue(),
		}})
	}
	return res, nil
}
