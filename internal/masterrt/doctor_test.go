package masterrt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gokr/niffler/internal/config"
)

func TestDoctorReportsErrorWithNoModels(t *testing.T) {
	cfg := &config.Config{}
	d := NewDoctor(cfg, nil)
	checks := d.Run()

	require.False(t, d.IsHealthy())
	require.Equal(t, StatusError, checks[0].Status)
}

func TestDoctorWarnsWithoutBusConnection(t *testing.T) {
	cfg := config.Default()
	d := NewDoctor(cfg, nil)
	checks := d.Run()

	require.True(t, d.IsHealthy())
	var sawBusWarning bool
	for _, c := range checks {
		if c.Name == "Bus connectivity" && c.Status == StatusWarning {
			sawBusWarning = true
		}
	}
	require.True(t, sawBusWarning)
}

func TestDoctorReportsPresentAgentsOverBus(t *testing.T) {
	srv := startTestBus(t)
	bus := newTestClient(t, srv)
	require.NoError(t, bus.Heartbeat("coder"))
	time.Sleep(50 * time.Millisecond)

	cfg := config.Default()
	cfg.Agents.DefaultAgent = "coder"
	d := NewDoctor(cfg, bus)
	checks := d.Run()

	require.True(t, d.IsHealthy())
	var presence Check
	for _, c := range checks {
		if c.Name == "Agent presence" {
			presence = c
		}
	}
	require.Equal(t, StatusOK, presence.Status)
	require.Contains(t, presence.Details, "coder")
}

func TestDoctorWarnsWhenDefaultAgentAbsent(t *testing.T) {
	srv := startTestBus(t)
	bus := newTestClient(t, srv)
	require.NoError(t, bus.Heartbeat("researcher"))
	time.Sleep(50 * time.Millisecond)

	cfg := config.Default()
	cfg.Agents.DefaultAgent = "coder"
	d := NewDoctor(cfg, bus)
	checks := d.Run()

	var presence Check
	for _, c := range checks {
		if c.Name == "Agent presence" {
			presence = c
		}
	}
	require.Equal(t, StatusWarning, presence.Status)
	require.Contains(t, presence.Message, "coder")
}
