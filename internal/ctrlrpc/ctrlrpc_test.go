package ctrlrpc

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
)

type fakeWorker struct {
	disconnected []string
	level        int32
	drained      bool
}

func (f *fakeWorker) Disconnect(_ context.Context, req *DisconnectRequest) (*DisconnectResponse, error) {
	if req.Key == "missing" {
		return &DisconnectResponse{Found: false}, nil
	}
	f.disconnected = append(f.disconnected, req.Key)
	return &DisconnectResponse{Found: true}, nil
}

func (f *fakeWorker) SetLogLevel(_ context.Context, req *SetLogLevelRequest) (*SetLogLevelResponse, error) {
	f.level = req.Level
	return &SetLogLevelResponse{}, nil
}

func (f *fakeWorker) Drain(_ context.Context, req *DrainRequest) (*DrainResponse, error) {
	f.drained = true
	return &DrainResponse{}, nil
}

func (f *fakeWorker) Snapshot(_ context.Context, _ *SnapshotRequest) (*SnapshotResponse, error) {
	return &SnapshotResponse{JSON: []byte(`{"total_clients":1}`)}, nil
}

func startTestServer(t *testing.T, srv ControlServer) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	gs := grpc.NewServer()
	RegisterControlServer(gs, srv)
	go gs.Serve(ln)
	return ln.Addr().String(), gs.Stop
}

func TestCtrlRPCRoundTrip(t *testing.T) {
	fw := &fakeWorker{}
	addr, stop := startTestServer(t, fw)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, grpc.WithBlock())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	resp, err := client.Disconnect(ctx, &DisconnectRequest{Key: "conn-1"})
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !resp.Found {
		t.Fatal("expected Found=true")
	}
	if len(fw.disconnected) != 1 || fw.disconnected[0] != "conn-1" {
		t.Fatalf("disconnected = %v", fw.disconnected)
	}

	if _, err := client.SetLogLevel(ctx, &SetLogLevelRequest{Level: 3}); err != nil {
		t.Fatalf("SetLogLevel: %v", err)
	}
	if fw.level != 3 {
		t.Fatalf("level = %d, want 3", fw.level)
	}

	if _, err := client.Drain(ctx, &DrainRequest{GracePeriodSeconds: 5}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !fw.drained {
		t.Fatal("expected drained=true")
	}

	snap, err := client.Snapshot(ctx, &SnapshotRequest{})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if string(snap.JSON) != `{"total_clients":1}` {
		t.Fatalf("Snapshot JSON = %s", snap.JSON)
	}
}

func TestCtrlRPCDisconnectNotFound(t *testing.T) {
	fw := &fakeWorker{}
	addr, stop := startTestServer(t, fw)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, addr, grpc.WithBlock())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	resp, err := client.Disconnect(ctx, &DisconnectRequest{Key: "missing"})
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if resp.Found {
		t.Fatal("expected Found=false")
	}
}
