package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckAllHealthy(t *testing.T) {
	a := New(
		Dependency{Name: "redis", Key: "redis", Run: func(ctx context.Context) error { return nil }},
		Dependency{Name: "catalog", Key: "catalog", Run: func(ctx context.Context) error { return nil }},
	)
	report := a.Check(context.Background())
	require.Equal(t, StatusHealthy, report.Status)
	require.Equal(t, 2, report.Healthy)
	require.Equal(t, 2, report.Total)
}

func TestCheckDegradedWhenSomeFail(t *testing.T) {
	a := New(
		Dependency{Name: "redis", Key: "redis", Run: func(ctx context.Context) error { return nil }},
		Dependency{Name: "catalog", Key: "catalog", Run: func(ctx context.Context) error { return errors.New("down") }},
	)
	report := a.Check(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.Equal(t, 1, report.Healthy)
}

func TestCheckUnhealthyWhenAllFail(t *testing.T) {
	a := New(
		Dependency{Name: "redis", Key: "redis", Run: func(ctx context.Context) error { return errors.New("down") }},
	)
	report := a.Check(context.Background())
	require.Equal(t, StatusUnhealthy, report.Status)
	require.Equal(t, 0, report.Healthy)
}
