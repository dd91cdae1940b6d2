// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindValidation, "invalid input")
	if err.Error() != "invalid input" {
		t.Errorf("expected 'invalid input', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "failed to validate")
	if wrapped.Error() != "failed to validate: invalid input" {
		t.Errorf("expected 'failed to validate: invalid input', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindModelUnavailable, "artifact missing")
	if GetKind(err) != KindModelUnavailable {
		t.Errorf("expected KindModelUnavailable, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "failed")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestDomainKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindModelUnavailable:  "model_unavailable",
		KindSchemaMismatch:    "schema_mismatch",
		KindBatchRead:         "batch_read",
		KindFirewallCall:      "firewall_call",
		KindCapacityExhausted: "capacity_exhausted",
	}
	for kind, want := range cases {
		if kind.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, kind.String(), want)
		}
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindBatchRead, "parse failure")
	err = Attr(err, "batch", "flows-000123.csv")
	err = Attr(err, "line", 42)

	attrs := GetAttributes(err)
	if attrs["batch"] != "flows-000123.csv" {
		t.Errorf("expected batch attribute, got %v", attrs["batch"])
	}
	if attrs["line"] != 42 {
		t.Errorf("expected 42, got %v", attrs["line"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "operation", "poll")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["batch"] != "flows-000123.csv" || allAttrs["operation"] != "poll" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}
