package http

import (
	"testing"
	"time"

	metrics "github.com/armon/go-metrics"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/servo-agent/agent/config"
)

func TestServer(t *testing.T, enableProm bool) (*Server, func()) {
	cfg := &config.HTTP{
		BindAddress: "127.0.0.1",
		BindPort:    0, // Use next available port.
	}

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)

	s, err := NewHTTPServer(false, enableProm, cfg, hclog.NewNullLogger(), inm)
	if err != nil {
		t.Fatalf("failed to start test server: %v", err)
	}

	return s, func() {
		s.Stop()
	}
}
