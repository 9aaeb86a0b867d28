package app

import (
	"testing"

	"chatsync/internal/config"
)

func TestNewTransportForConnection(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ConnectionConfig
		want    string
		wantErr bool
	}{
		{
			name: "websocket",
			cfg: config.ConnectionConfig{
				Transport: config.TransportWebsocket,
				ServerURL: "wss://chat.example.org/sync",
			},
			want: "websocket",
		},
		{
			name: "tcp",
			cfg: config.ConnectionConfig{
				Transport:  config.TransportTCP,
				TCPAddress: "chat.example.org:7070",
			},
			want: "tcp",
		},
		{
			name: "tcp bare host",
			cfg: config.ConnectionConfig{
				Transport:  config.TransportTCP,
				TCPAddress: "chat.example.org",
			},
			want: "tcp",
		},
		{
			name:    "tcp bad port",
			cfg:     config.ConnectionConfig{Transport: config.TransportTCP, TCPAddress: "host:notaport"},
			wantErr: true,
		},
		{
			name:    "unknown",
			cfg:     config.ConnectionConfig{Transport: "carrier-pigeon"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tr, err := newTransportForConnection(tc.cfg)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error, got nil", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if tr.Name() != tc.want {
			t.Fatalf("%s: expected transport %q, got %q", tc.name, tc.want, tr.Name())
		}
	}
}

func TestConnectionTransportApplySwitchesImplementation(t *testing.T) {
	initial := config.ConnectionConfig{
		Transport: config.TransportWebsocket,
		ServerURL: "wss://chat.example.org/sync",
	}
	connTr, err := NewConnectionTransport(initial)
	if err != nil {
		t.Fatalf("new connection transport: %v", err)
	}

	if connTr.Name() != "websocket" {
		t.Fatalf("expected initial transport websocket, got %q", connTr.Name())
	}
	if connTr.StatusTarget() != "wss://chat.example.org/sync" {
		t.Fatalf("unexpected initial target: %q", connTr.StatusTarget())
	}

	next := config.ConnectionConfig{
		Transport:  config.TransportTCP,
		TCPAddress: "10.0.0.5:7070",
	}
	if err := connTr.Apply(next); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if connTr.Name() != "tcp" {
		t.Fatalf("expected tcp after apply, got %q", connTr.Name())
	}
	if connTr.Config().TCPAddress != "10.0.0.5:7070" {
		t.Fatalf("expected config to track applied transport, got %+v", connTr.Config())
	}
}

func TestSplitTCPAddress(t *testing.T) {
	host, port, err := splitTCPAddress("chat.example.org:9000")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if host != "chat.example.org" || port != 9000 {
		t.Fatalf("expected host:port split, got %q %d", host, port)
	}

	host, port, err = splitTCPAddress("chat.example.org")
	if err != nil {
		t.Fatalf("bare host: %v", err)
	}
	if host != "chat.example.org" || port != 0 {
		t.Fatalf("expected bare host with zero port, got %q %d", host, port)
	}

	if _, _, err := splitTCPAddress(""); err == nil {
		t.Fatal("expected error for empty address")
	}
	if _, _, err := splitTCPAddress(":7070"); err == nil {
		t.Fatal("expected error for missing host")
	}
}
