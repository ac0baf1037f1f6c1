package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcflow/tcflow/internal/doctor"
)

type fakeHealthChecker struct {
	report  doctor.HealthReport
	started int
}

func (f *fakeHealthChecker) RunOnce(context.Context) (doctor.HealthReport, error) {
	return f.report, nil
}

func (f *fakeHealthChecker) Start(_ context.Context, onReport func(doctor.HealthReport)) {
	f.started++
	onReport(f.report)
}

func (f *fakeHealthChecker) install(a *app) {
	a.openDoctor = func(context.Context, *app) (healthChecker, func(), error) {
		return f, func() {}, nil
	}
}

func TestDoctorCommandPrintsHealthyReport(t *testing.T) {
	t.Parallel()

	a, stdout, _ := testApp(t)
	checker := &fakeHealthChecker{report: doctor.HealthReport{
		Hosts:      []doctor.HostHealth{{DisplayName: "tcflow-host-a", PID: 42, Status: doctor.HostResponsive}},
		Responsive: 1,
	}}
	checker.install(a)

	require.NoError(t, execute(t, a, "doctor"))

	var printed doctor.HealthReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &printed))
	assert.Equal(t, 1, printed.Responsive)
	assert.Equal(t, doctor.HostResponsive, printed.Hosts[0].Status)
	assert.Zero(t, checker.started)
}

func TestDoctorCommandFailsOnUnresponsiveHosts(t *testing.T) {
	t.Parallel()

	a, _, _ := testApp(t)
	checker := &fakeHealthChecker{report: doctor.HealthReport{Unresponsive: 1}}
	checker.install(a)

	err := execute(t, a, "doctor")
	var exit *exitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.code)
}

func TestDoctorCommandWatchUsesInterval(t *testing.T) {
	t.Parallel()

	a, stdout, _ := testApp(t)
	checker := &fakeHealthChecker{report: doctor.HealthReport{Pruned: 2}}
	checker.install(a)

	require.NoError(t, execute(t, a, "doctor", "--watch", "--interval", "2m"))
	assert.Equal(t, 1, checker.started)
	assert.Equal(t, 2*time.Minute, a.doctorInterval)
	assert.Contains(t, stdout.String(), `"pruned": 2`)
}
