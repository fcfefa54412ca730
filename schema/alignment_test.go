package schema

import (
	"reflect"
	"strings"
	"testing"
)

func TestValidateAlignmentIdentical(t *testing.T) {
	fields := []string{"id", "status", "summary", FieldTenantID, FieldRecordHash}

	report := ValidateAlignment(fields, fields)
	if !report.IsAligned {
		t.Errorf("identical schemas reported misaligned: %+v", report)
	}
	if len(report.MissingInObserved) != 0 || len(report.ExtraInObserved) != 0 {
		t.Errorf("identical schemas produced differences: %+v", report)
	}
}

func TestValidateAlignmentOrderIndependent(t *testing.T) {
	expected := []string{"a", "b", "c"}
	observed := []string{"c", "a", "b"}

	if report := ValidateAlignment(expected, observed); !report.IsAligned {
		t.Errorf("reordered schemas reported misaligned: %+v", report)
	}
}

func TestValidateAlignmentDifference(t *testing.T) {
	report := ValidateAlignment([]string{"a", "b", "c"}, []string{"a", "b", "d"})

	if report.IsAligned {
		t.Error("differing schemas reported aligned")
	}
	if want := []string{"c"}; !reflect.DeepEqual(report.MissingInObserved, want) {
		t.Errorf("MissingInObserved = %v, want %v", report.MissingInObserved, want)
	}
	if want := []string{"d"}; !reflect.DeepEqual(report.ExtraInObserved, want) {
		t.Errorf("ExtraInObserved = %v, want %v", report.ExtraInObserved, want)
	}
	if report.ExpectedCount != 3 || report.ObservedCount != 3 {
		t.Errorf("counts = (%d, %d), want (3, 3)", report.ExpectedCount, report.ObservedCount)
	}
}

func TestMisalignmentErrorMessage(t *testing.T) {
	err := &MisalignmentError{
		Table:  "tickets",
		Report: ValidateAlignment([]string{"a", "b"}, []string{"b", "x"}),
	}

	msg := err.Error()
	for _, want := range []string{"tickets", "missing in observed: a", "extra in observed: x"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}
