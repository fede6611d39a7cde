package pg

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestApplyDuration(t *testing.T) {
	var d time.Duration
	if err := applyDuration(&d, "", "DB_POOL_MAX_CONN_LIFETIME"); err != nil || d != 0 {
		t.Fatalf("empty value must keep the default, got %v / %v", d, err)
	}
	if err := applyDuration(&d, "45m", "DB_POOL_MAX_CONN_LIFETIME"); err != nil || d != 45*time.Minute {
		t.Fatalf("expected 45m, got %v / %v", d, err)
	}
	err := applyDuration(&d, "bogus", "DB_POOL_MAX_CONN_LIFETIME")
	if err == nil || !strings.Contains(err.Error(), "DB_POOL_MAX_CONN_LIFETIME") {
		t.Fatalf("parse error must name the env var, got %v", err)
	}
}

func TestNewPoolRejectsBadDuration(t *testing.T) {
	_, err := NewPool(context.Background(), "postgres://localhost/msggw", PoolOptions{MaxConnIdleTime: "ten minutes"})
	if err == nil || !strings.Contains(err.Error(), "DB_POOL_MAX_CONN_IDLE_TIME") {
		t.Fatalf("expected idle time parse error, got %v", err)
	}
}
