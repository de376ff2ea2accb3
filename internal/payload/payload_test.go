package payload

import (
	"errors"
	"testing"
)

func TestDecodeKeepsVariant(t *testing.T) {
	t.Parallel()
	b, err := Encode(TaskReminder{Slot: "1200", Date: "20260302", Kind: KindPeriodic, Generation: 7, Pending: 2})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	p, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	r, ok := Reminder(p)
	if !ok {
		t.Fatalf("decoded %T, want TaskReminder", p)
	}
	if r.Generation != 7 || r.Kind != KindPeriodic {
		t.Fatalf("unexpected reminder: %+v", r)
	}

	b, _ = Encode(TaskAssigned{TaskID: "t1"})
	p, err = Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := Reminder(p); ok {
		t.Fatal("TaskAssigned must not be treated as a reminder")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte(`{"type":"promo","data":{}}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed input")
	}
	if _, err := Encode(nil); err == nil {
		t.Fatal("expected error encoding nil payload")
	}
}
