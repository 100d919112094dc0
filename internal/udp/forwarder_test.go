package udp

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"dronelink/internal/telemetry"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNewForwarder_BadDest(t *testing.T) {
	if _, err := NewForwarder("not-a-host-port"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestForwarder_SendSkipsEmpty(t *testing.T) {
	l := listen(t)
	f, err := NewForwarder(l.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	defer f.Close()

	if err := f.Send(nil); err != nil {
		t.Fatalf("send empty: %v", err)
	}
	if err := f.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, 64)
	_ = l.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := l.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestForwarder_RunForwardsUpdates(t *testing.T) {
	l := listen(t)
	f, err := NewForwarder(l.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	defer f.Close()

	bus := telemetry.NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, bus, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("forwarder never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	bus.Publish(telemetry.Update{Session: 1, Kind: telemetry.KindAttitude, Record: telemetry.AttitudeRecord{Roll: 0.2, Time: 1000}})

	buf := make([]byte, 1024)
	_ = l.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := l.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got struct {
		Session uint64         `json:"session"`
		Kind    string         `json:"kind"`
		Record  map[string]any `json:"record"`
	}
	if err := json.Unmarshal(buf[:n], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Session != 1 || got.Kind != "attitude" || got.Record["roll"] != 0.2 {
		t.Fatalf("got=%+v", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if sent, _ := f.Stats(); sent != 1 {
		t.Fatalf("sent=%d", sent)
	}
}
