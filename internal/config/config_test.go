package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Service.MaxBatchSize != 100 {
		t.Error("max batch size default", c.Service.MaxBatchSize)
	}
	if c.Service.MaxInactive != 15*time.Minute {
		t.Error("max inactive default", c.Service.MaxInactive)
	}
	if c.Store.RetainFor != 90*24*time.Hour {
		t.Error("retention default", c.Store.RetainFor)
	}
	if c.Store.CompressAfter != 7*24*time.Hour {
		t.Error("compress default", c.Store.CompressAfter)
	}
	if c.Stream.PongWait != 60*time.Second || c.Stream.PingPeriod != 54*time.Second {
		t.Error("heartbeat defaults", c.Stream.PongWait, c.Stream.PingPeriod)
	}
	if c.Stream.MaxConnections != 10000 {
		t.Error("max connections default", c.Stream.MaxConnections)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WALKTRACK_SERVICE_MAX_BATCH_SIZE", "25")
	t.Setenv("WALKTRACK_STREAM_LISTEN_ADDR", ":9999")
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Service.MaxBatchSize != 25 {
		t.Error("env override batch size", c.Service.MaxBatchSize)
	}
	if c.Stream.ListenAddr != ":9999" {
		t.Error("env override listen addr", c.Stream.ListenAddr)
	}
}
