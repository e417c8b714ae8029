// Package stream defines the Sink a run streams to and the transport
// adapters that implement it.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

const (
	KindPath    = "path"
	KindSummary = "summary"
)

// TimestampLayout is used for every timestamp leaving the service.
const TimestampLayout = time.RFC3339Nano

// Field is one named primitive value.
type Field struct {
	Name  string
	Value any
}

// Message is an ordered mapping of field names to primitive values.
type Message struct {
	Kind   string
	Fields []Field
}

// Get returns the value of the named field.
func (m Message) Get(name string) (any, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// MarshalJSON writes {"type": kind, fields...} keeping field order.
func (m Message) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	kind, err := json.Marshal(m.Kind)
	if err != nil {
		return nil, err
	}
	buf.Write(kind)
	for _, f := range m.Fields {
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Struct converts the message to a protobuf Struct. Field order is lost.
func (m Message) Struct() (*structpb.Struct, error) {
	fields := make(map[string]any, len(m.Fields)+1)
	fields["type"] = m.Kind
	for _, f := range m.Fields {
		fields[f.Name] = f.Value
	}
	return structpb.NewStruct(fields)
}

// PathMessage is the streamed form of a path point.
func PathMessage(r models.PathRecord) Message {
	return Message{Kind: KindPath, Fields: []Field{
		{"simulation_id", r.SimulationID},
		{"step_index", r.StepIndex},
		{"current_price", r.Price},
	}}
}

// SummaryMessage is the streamed form of the run summary.
func SummaryMessage(s models.RunSummary) Message {
	return Message{Kind: KindSummary, Fields: []Field{
		{"average_payoff", s.AveragePayoff},
		{"total_simulations", s.TotalSimulations},
		{"succeeded_simulations", s.SucceededSimulations},
		{"failed_batches", s.FailedBatches},
		{"execution_time_seconds", s.ExecutionSeconds()},
		{"timestamp", s.Timestamp.UTC().Format(TimestampLayout)},
	}}
}
