package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-annotate/internal/config"
	"github.com/loqalabs/loqa-annotate/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestNilClientIsInert(t *testing.T) {
	var c *Client
	if err := c.PublishJSON("annotate.audio.stored", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("nil publish: %v", err)
	}
	if c.Healthy() {
		t.Fatalf("nil client reported healthy")
	}
	c.Close()
}

func TestPublishJSON(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	c, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	if !c.Healthy() {
		t.Fatalf("expected healthy connection")
	}

	sub, err := c.Conn().SubscribeSync("annotate.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.PublishJSON("annotate.image.stored", map[string]string{"id": "42"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(msg.Data, &got); err != nil || got["id"] != "42" {
		t.Fatalf("unexpected payload %s (%v)", msg.Data, err)
	}

	if err := c.PublishJSON("annotate.bad", func() {}); err == nil {
		t.Fatalf("expected marshal error")
	}
}
