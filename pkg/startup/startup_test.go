package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStartup(maxAttempts int) (*Startup, *[]time.Duration) {
	s := NewStartup(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}), maxAttempts)
	waits := &[]time.Duration{}
	s.sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return s, waits
}

func recording(name string, events *[]string, requires ...string) Dependency {
	return Dependency{
		Name:     name,
		Requires: requires,
		OnStart: func(context.Context) error {
			*events = append(*events, "start "+name)
			return nil
		},
		OnStop: func(context.Context) error {
			*events = append(*events, "stop "+name)
			return nil
		},
	}
}

func TestStartup_DependencyOrder(t *testing.T) {
	s, _ := newTestStartup(1)
	var events []string
	s.AddDependency(recording("http", &events, "processor"))
	s.AddDependency(recording("processor", &events, "database", "redis"))
	s.AddDependency(recording("database", &events))
	s.AddDependency(recording("redis", &events))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start database", "start redis", "start processor", "start http"}, events)

	events = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop http", "stop processor", "stop redis", "stop database"}, events)
	assert.Equal(t, StartupStatusStopped, s.Status("database"))
}

func TestStartup_RetriesWithFibonacciBackoff(t *testing.T) {
	s, waits := newTestStartup(4)
	failures := 3
	var started int
	s.AddDependency(Dependency{Name: "database", OnStart: func(context.Context) error {
		started++
		if failures > 0 {
			failures--
			return errors.New("connection refused")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 4, started)
	assert.Equal(t, []time.Duration{time.Second, time.Second, 2 * time.Second}, *waits)
}

func TestStartup_GivesUp(t *testing.T) {
	s, _ := newTestStartup(2)
	s.AddDependency(Dependency{Name: "kafka", OnStart: func(context.Context) error { return errors.New("no brokers") }})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.ErrorContains(t, err, "no brokers")
	assert.Equal(t, StartupStatusFailed, s.Status("kafka"))
}

func TestStartup_RejectsBadGraphs(t *testing.T) {
	tests := []struct {
		name    string
		deps    []Dependency
		wantErr string
	}{
		{
			name:    "unknown dependency",
			deps:    []Dependency{{Name: "http", Requires: []string{"processor"}}},
			wantErr: "unknown dependency 'processor'",
		},
		{
			name: "cycle",
			deps: []Dependency{
				{Name: "a", Requires: []string{"b"}},
				{Name: "b", Requires: []string{"a"}},
			},
			wantErr: "dependency cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStartup(1)
			for _, dep := range tt.deps {
				s.AddDependency(dep)
			}
			assert.ErrorContains(t, s.Start(context.Background()), tt.wantErr)
		})
	}
}
