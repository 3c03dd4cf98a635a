package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValue_JSONWireFormat(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		want  string
	}{
		{"string", StringValue("R-1001"), `{"type":"string","value":"R-1001"}`},
		{"number", NumberValue(42.5), `{"type":"number","value":42.5}`},
		{"boolean", BooleanValue(true), `{"type":"boolean","value":true}`},
		{"date", DateValue(time.Date(2025, 4, 26, 5, 0, 0, 0, time.UTC)), `{"type":"date","value":"2025-04-26T05:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.value)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Marshal = %s, want %s", data, tt.want)
			}

			var decoded Value
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if !decoded.Equal(tt.value) {
				t.Errorf("decoded %+v, want %+v", decoded, tt.value)
			}
		})
	}
}

func TestValue_RejectsMismatchedPayload(t *testing.T) {
	inputs := []string{
		`{"type":"number","value":"12"}`,
		`{"type":"boolean","value":1}`,
		`{"type":"date","value":"last tuesday"}`,
		`{"type":"blob","value":"x"}`,
	}
	for _, in := range inputs {
		var v Value
		if err := json.Unmarshal([]byte(in), &v); err == nil {
			t.Errorf("Unmarshal(%s) should fail", in)
		}
	}
}

func TestValue_DateAcceptsPlainDay(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`{"type":"date","value":"2025-01-31"}`), &v); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	want := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	if !v.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", v.Date, want)
	}
}

func TestFilterCondition_Matches(t *testing.T) {
	tests := []struct {
		name    string
		cond    FilterCondition
		value   Value
		present bool
		want    bool
	}{
		{"eq string", FilterCondition{"zone", OpEq, StringValue("R1")}, StringValue("R1"), true, true},
		{"ne string", FilterCondition{"zone", OpNe, StringValue("R1")}, StringValue("C2"), true, true},
		{"gt number", FilterCondition{"acres", OpGt, NumberValue(5)}, NumberValue(6), true, true},
		{"lte number", FilterCondition{"acres", OpLte, NumberValue(5)}, NumberValue(6), true, false},
		{"contains", FilterCondition{"owner", OpContains, StringValue("COUNTY")}, StringValue("TRAVIS COUNTY"), true, true},
		{"gte date", FilterCondition{"sold", OpGte, DateValue(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))},
			DateValue(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)), true, true},
		{"kind mismatch", FilterCondition{"acres", OpGt, NumberValue(5)}, StringValue("6"), true, false},
		{"missing field", FilterCondition{"zone", OpNe, StringValue("R1")}, Value{}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Matches(tt.value, tt.present); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]OperationStatus]bool{
		{StatusPending, StatusRunning}:     true,
		{StatusScheduled, StatusRunning}:   true,
		{StatusRunning, StatusCompleted}:   true,
		{StatusRunning, StatusFailed}:      true,
		{StatusRunning, StatusCancelled}:   true,
		{StatusPending, StatusCancelled}:   true,
		{StatusScheduled, StatusCancelled}: true,
		{StatusFailed, StatusPending}:      true,
		{StatusCompleted, StatusScheduled}: true,
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := allowed[[2]OperationStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTransition_ErrorWrapsInvalidTransition(t *testing.T) {
	op := &SyncOperation{ID: "op-1", Status: StatusCancelled}

	err := op.Transition(StatusCancelled)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("error should name the states, got %q", err.Error())
	}
	if op.Status != StatusCancelled {
		t.Errorf("status changed to %s on rejected transition", op.Status)
	}
}

func TestSyncOperation_CheckInvariants(t *testing.T) {
	next := time.Now()
	tests := []struct {
		name string
		op   SyncOperation
		ok   bool
	}{
		{"consistent", SyncOperation{Status: StatusRunning, TotalRecords: 10, ProcessedRecords: 5, SuccessfulRecords: 4, FailedRecords: 1}, true},
		{"processed over total", SyncOperation{Status: StatusRunning, TotalRecords: 1, ProcessedRecords: 2}, false},
		{"outcomes over processed", SyncOperation{Status: StatusRunning, TotalRecords: 5, ProcessedRecords: 2, SuccessfulRecords: 2, FailedRecords: 1}, false},
		{"failed without message", SyncOperation{Status: StatusFailed}, false},
		{"message without failure", SyncOperation{Status: StatusCompleted, ErrorMessage: "boom"}, false},
		{"cancelled with next run", SyncOperation{Status: StatusCancelled, NextRunAt: &next}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.op.CheckInvariants()
			if (got == "") != tt.ok {
				t.Errorf("CheckInvariants() = %q, want ok=%v", got, tt.ok)
			}
		})
	}
}

func TestSchedule_Equal(t *testing.T) {
	a := &Schedule{Frequency: FrequencyWeekly, StartTime: "01:00", IsRecurring: true, DaysOfWeek: []int{1, 3}}
	b := &Schedule{Frequency: FrequencyWeekly, StartTime: "01:00", IsRecurring: true, DaysOfWeek: []int{1, 3}}
	c := &Schedule{Frequency: FrequencyWeekly, StartTime: "01:00", IsRecurring: true, DaysOfWeek: []int{1}}

	if !a.Equal(b) {
		t.Error("identical schedules should be equal")
	}
	if a.Equal(c) {
		t.Error("different days should not be equal")
	}
	var nilSchedule *Schedule
	if !nilSchedule.Equal(nil) {
		t.Error("nil schedules should be equal")
	}
	if a.Equal(nil) {
		t.Error("schedule should not equal nil")
	}
}

func TestSchedule_Recurring(t *testing.T) {
	if (&Schedule{Frequency: FrequencyOnce, IsRecurring: true}).Recurring() {
		t.Error("once schedule must never recur")
	}
	if !(&Schedule{Frequency: FrequencyDaily, IsRecurring: true}).Recurring() {
		t.Error("recurring daily schedule should recur")
	}
	var s *Schedule
	if s.Recurring() {
		t.Error("nil schedule should not recur")
	}
}

func TestNewOperationUpdate_SnapshotsCounters(t *testing.T) {
	op := &SyncOperation{ID: "op-1", Status: StatusRunning, TotalRecords: 100, ProcessedRecords: 40, SuccessfulRecords: 39, FailedRecords: 1}
	evt := NewOperationUpdate(op, time.Now())

	if evt.Type != EventOperationUpdate || evt.OperationID != "op-1" {
		t.Fatalf("unexpected event header: %+v", evt)
	}
	upd, ok := evt.Data.(OperationUpdate)
	if !ok {
		t.Fatalf("Data is %T, want OperationUpdate", evt.Data)
	}
	op.ProcessedRecords = 50
	if upd.ProcessedRecords != 40 {
		t.Errorf("snapshot should not follow later mutation, got %d", upd.ProcessedRecords)
	}
}
