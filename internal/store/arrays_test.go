package store

import (
	"reflect"
	"testing"
)

func TestAddValueNeverDuplicates(t *testing.T) {
	values := []string{"Marin Kitagawa"}
	values = AddValue(values, "marin kitagawa")
	if len(values) != 1 {
		t.Fatalf("expected case-insensitive duplicate to be skipped, got %v", values)
	}
	values = AddValue(values, "Gojo Satoru")
	if len(values) != 2 {
		t.Fatalf("expected new value appended, got %v", values)
	}
}

func TestAddValueDoesNotAliasInput(t *testing.T) {
	original := []string{"A", "B"}
	grown := AddValue(original, "C")
	grown[0] = "mutated"
	if original[0] != "A" {
		t.Fatal("AddValue must copy before appending")
	}
}

func TestRemoveValueIsCaseInsensitiveNoOpWhenAbsent(t *testing.T) {
	values := []string{"Marin", "Gojo"}
	got := RemoveValue(values, "MARIN")
	if !reflect.DeepEqual(got, []string{"Gojo"}) {
		t.Fatalf("RemoveValue = %v", got)
	}
	got = RemoveValue(got, "absent")
	if !reflect.DeepEqual(got, []string{"Gojo"}) {
		t.Fatalf("expected no-op removal, got %v", got)
	}
}

func TestRemoveMatchingUsesAnchoredGlobs(t *testing.T) {
	values := []string{"Marin", "Maron", "Karin", "Mar"}
	got := RemoveMatching(values, "Mar?n")
	if !reflect.DeepEqual(got, []string{"Karin", "Mar"}) {
		t.Fatalf("RemoveMatching = %v", got)
	}
}
