package natsserver

import (
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/nats-io/nats.go"
)

func TestDisabledReturnsNil(t *testing.T) {
	srv, err := Start(config.BusConfig{}, slog.New(slog.DiscardHandler))
	if err != nil || srv != nil {
		t.Fatalf("expected no server, got %v %v", srv, err)
	}
	if srv.Running() {
		t.Fatal("nil server must not report running")
	}
	srv.Shutdown()
}

func TestTokenAndPayloadLimit(t *testing.T) {
	srv, err := Start(config.BusConfig{
		Embedded:     true,
		Host:         "127.0.0.1",
		Port:         -1,
		ServerName:   "voice-1",
		Token:        "s3cret",
		MaxPayloadKB: 2048,
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()
	if !srv.Running() {
		t.Fatal("server should be running")
	}

	if nc, err := nats.Connect(srv.ClientURL()); err == nil {
		nc.Close()
		t.Fatal("connecting without the token should fail")
	}
	nc, err := nats.Connect(srv.ClientURL(), nats.Token("s3cret"))
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	defer nc.Close()
	if got := nc.MaxPayload(); got != 2048*1024 {
		t.Fatalf("max payload %d", got)
	}
	if name := nc.ConnectedServerName(); name != "voice-1" {
		t.Fatalf("server name %q", name)
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := options(config.BusConfig{Username: "u", Password: "p"})
	if opts.Host != "0.0.0.0" || opts.ServerName != "loqa-voice" || opts.JetStream {
		t.Fatalf("unexpected defaults %+v", opts)
	}
	if opts.Username != "u" || opts.Password != "p" || opts.MaxPayload != 0 {
		t.Fatalf("unexpected auth %+v", opts)
	}
}
