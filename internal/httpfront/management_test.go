package httpfront

import (
	"context"
	"testing"

	"github.com/stackia/rtp2httpd-sub003/internal/queryparam"
)

func TestManagementRegistryDispatchDisconnect(t *testing.T) {
	r := NewDefaultRegistry()
	var gotKey string
	deps := &Deps{
		Disconnect: func(_ context.Context, key string) (bool, error) {
			gotKey = key
			return true, nil
		},
	}
	q, _ := queryparam.Parse("key=conn-42")
	status, body, ok := r.Dispatch(context.Background(), "disconnect", q, deps)
	if !ok {
		t.Fatal("expected disconnect handler registered")
	}
	if status != 200 {
		t.Fatalf("status = %d, body = %s", status, body)
	}
	if gotKey != "conn-42" {
		t.Fatalf("gotKey = %q", gotKey)
	}
}

func TestManagementRegistryDisconnectMissingKey(t *testing.T) {
	r := NewDefaultRegistry()
	deps := &Deps{Disconnect: func(context.Context, string) (bool, error) { return true, nil }}
	q, _ := queryparam.Parse("")
	status, _, ok := r.Dispatch(context.Background(), "disconnect", q, deps)
	if !ok || status != 400 {
		t.Fatalf("status = %d ok=%v", status, ok)
	}
}

func TestManagementRegistryLogLevel(t *testing.T) {
	r := NewDefaultRegistry()
	var gotLevel int
	deps := &Deps{SetLogLevel: func(_ context.Context, level int) error {
		gotLevel = level
		return nil
	}}
	q, _ := queryparam.Parse("level=3")
	status, _, ok := r.Dispatch(context.Background(), "loglevel", q, deps)
	if !ok || status != 200 {
		t.Fatalf("status = %d ok=%v", status, ok)
	}
	if gotLevel != 3 {
		t.Fatalf("gotLevel = %d", gotLevel)
	}
}

func TestManagementRegistryLogLevelOutOfRange(t *testing.T) {
	r := NewDefaultRegistry()
	deps := &Deps{SetLogLevel: func(context.Context, int) error { return nil }}
	q, _ := queryparam.Parse("level=9")
	status, _, ok := r.Dispatch(context.Background(), "loglevel", q, deps)
	if !ok || status != 400 {
		t.Fatalf("status = %d ok=%v", status, ok)
	}
}

func TestManagementRegistryUnknownName(t *testing.T) {
	r := NewDefaultRegistry()
	_, _, ok := r.Dispatch(context.Background(), "bogus", nil, &Deps{})
	if ok {
		t.Fatal("expected ok=false for unregistered name")
	}
}
