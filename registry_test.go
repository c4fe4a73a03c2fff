package gamesocket

import (
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(SystemType, &wrapperspb.StringValue{}); err == nil {
		t.Error("registering the system type should fail")
	}
	if err := r.Register(1, nil); err == nil {
		t.Error("registering a nil sample should fail")
	}
	if err := r.Register(1, &wrapperspb.StringValue{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(1, &wrapperspb.Int32Value{}); err == nil {
		t.Error("binding a type twice should fail")
	}
	if err := r.Register(2, &wrapperspb.StringValue{}); err == nil {
		t.Error("binding a Go type twice should fail")
	}
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustRegister should panic on a duplicate")
		}
	}()
	NewRegistry().MustRegister(1, []byte(nil)).MustRegister(1, "")
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry().
		MustRegister(1, &wrapperspb.StringValue{}).
		MustRegister(2, []byte(nil))

	if typ, ok := r.TypeOf(wrapperspb.String("x")); !ok || typ != 1 {
		t.Errorf("TypeOf(*StringValue) = %d, %v, want 1", typ, ok)
	}
	if typ, ok := r.TypeOf([]byte("x")); !ok || typ != 2 {
		t.Errorf("TypeOf([]byte) = %d, %v, want 2", typ, ok)
	}
	if _, ok := r.TypeOf(nil); ok {
		t.Error("TypeOf(nil) should miss")
	}
	if _, ok := r.TypeOf(wrapperspb.Int32(1)); ok {
		t.Error("TypeOf of an unregistered type should miss")
	}

	v, ok := r.New(1)
	sv, isString := v.(*wrapperspb.StringValue)
	if !ok || !isString || sv == nil {
		t.Errorf("New(1) = %#v, %v, want a fresh *StringValue", v, ok)
	}
	v2, _ := r.New(1)
	if v2 == v {
		t.Error("New should return a fresh instance each call")
	}

	if _, ok := r.New(3); ok {
		t.Error("New of an unknown type should miss")
	}
	if !r.Known(2) || r.Known(3) {
		t.Error("Known disagrees with registrations")
	}
}
