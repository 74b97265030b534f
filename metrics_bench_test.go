package chainauth

import (
	"context"
	"testing"
	"time"
)

func BenchmarkMetricsInc(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		m.Inc(MetricRefreshSuccess)
	}
}

func BenchmarkMetricsIncParallel(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.Inc(MetricRefreshSuccess)
		}
	})
}

func BenchmarkMetricsObserveLatencyParallel(b *testing.B) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	d := 12 * time.Millisecond
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.Observe(MetricRefreshLatency, d)
		}
	})
}

func BenchmarkRefreshRotation(b *testing.B) {
	env := newTestEnv(b, testConfig())
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, "alice", testPassword)
	if err != nil {
		b.Fatalf("login failed: %v", err)
	}
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		pair, err = env.engine.Refresh(ctx, pair.RefreshToken)
		if err != nil {
			b.Fatalf("refresh failed: %v", err)
		}
	}
}

func BenchmarkValidateAccess(b *testing.B) {
	env := newTestEnv(b, testConfig())
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, "alice", testPassword)
	if err != nil {
		b.Fatalf("login failed: %v", err)
	}
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); err != nil {
			b.Fatalf("validate failed: %v", err)
		}
	}
}
