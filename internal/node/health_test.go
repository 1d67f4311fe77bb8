package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KrizPB/buhdi-node-sub000/internal/report"
	"github.com/KrizPB/buhdi-node-sub000/internal/trust"
	"github.com/KrizPB/buhdi-node-sub000/pkg/skill"
)

func TestCrashWithinWindowRollsBack(t *testing.T) {
	e := newEnv(t, trust.Peacock)
	ctx := context.Background()

	if res := e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.0.0", nil)); res.Status != StatusInstalled {
		t.Fatalf("install: %s (%v)", res.Status, res.Reasons)
	}
	if res := e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.1.0", nil)); res.Status != StatusUpdated {
		t.Fatalf("update: %s (%v)", res.Status, res.Reasons)
	}

	e.runnerFor("1.1.0").Crash(errors.New("wasm trap: out of bounds"))

	waitFor(t, 2*time.Second, func() bool {
		info, ok := e.mgr.Get("weather-skill")
		return ok && info.Status == SkillRunning && info.Version == "1.0.0"
	}, "crashed update was not rolled back to 1.0.0")

	mf, err := e.st.ReadManifest("weather-skill")
	if err != nil || mf.Version != "1.0.0" {
		t.Errorf("current on disk = %v (%v)", mf, err)
	}
}

func TestCrashAfterWindowDoesNotRollBack(t *testing.T) {
	e := newEnv(t, trust.Peacock, WithHealthWindow(30*time.Millisecond))
	ctx := context.Background()

	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.0.0", nil))
	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.1.0", nil))

	time.Sleep(60 * time.Millisecond) // let the probation window pass
	e.runnerFor("1.1.0").Crash(errors.New("slow leak finally tripped"))

	waitFor(t, time.Second, func() bool {
		info, _ := e.mgr.Get("weather-skill")
		return info.Status == SkillError
	}, "crash was not recorded")

	info, _ := e.mgr.Get("weather-skill")
	if info.Version != "1.1.0" {
		t.Errorf("version = %s, a crash outside the window must not roll back", info.Version)
	}
	if r := e.runnerFor("1.0.0"); r != nil && !r.isExited() {
		t.Error("old isolate resurrected")
	}
}

func TestCleanExitIsNotACrash(t *testing.T) {
	e := newEnv(t, trust.Peacock)
	ctx := context.Background()

	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.0.0", nil))
	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.1.0", nil))

	// A guest that stops cleanly inside the window is not unhealthy.
	e.runnerFor("1.1.0").Stop(ctx)

	waitFor(t, time.Second, func() bool {
		info, _ := e.mgr.Get("weather-skill")
		return info.Status == SkillStopped
	}, "clean exit not recorded as stopped")

	time.Sleep(50 * time.Millisecond)
	info, _ := e.mgr.Get("weather-skill")
	if info.Version != "1.1.0" || info.Status != SkillStopped {
		t.Errorf("record = %+v, clean exit must not trigger rollback", info)
	}
}

func TestCrashWithNothingToRestoreMarksError(t *testing.T) {
	e := newEnv(t, trust.Peacock)
	ctx := context.Background()

	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.0.0", nil))
	e.runnerFor("1.0.0").Crash(errors.New("trap on first tick"))

	waitFor(t, time.Second, func() bool {
		info, _ := e.mgr.Get("weather-skill")
		return info.Status == SkillError
	}, "crash without archives not recorded as error")

	info, _ := e.mgr.Get("weather-skill")
	if info.Version != "1.0.0" {
		t.Errorf("version = %s", info.Version)
	}
}

func TestRollbackWalksArchivesNewestFirst(t *testing.T) {
	e := newEnv(t, trust.Peacock)
	ctx := context.Background()

	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.0.0", nil))
	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.1.0", nil))
	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.2.0", nil))

	e.runnerFor("1.2.0").Crash(errors.New("regression"))

	waitFor(t, 2*time.Second, func() bool {
		info, ok := e.mgr.Get("weather-skill")
		return ok && info.Status == SkillRunning && info.Version == "1.1.0"
	}, "rollback did not restore the newest archive")
}

func TestRollbackSkipsArchiveThatWontStart(t *testing.T) {
	e := newEnv(t, trust.Peacock)
	ctx := context.Background()

	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.0.0", nil))
	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.1.0", nil))
	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.2.0", nil))

	// From here on, 1.1.0 refuses to boot, so the rollback has to fall
	// through to 1.0.0.
	e.prepare = func(mf *skill.Manifest, r *fakeRunner) {
		if mf.Version == "1.1.0" {
			r.startErr = errors.New("incompatible data migration")
		}
	}
	e.runnerFor("1.2.0").Crash(errors.New("regression"))

	waitFor(t, 2*time.Second, func() bool {
		info, ok := e.mgr.Get("weather-skill")
		return ok && info.Status == SkillRunning && info.Version == "1.0.0"
	}, "rollback did not cascade past the broken archive")
}

// reportSink captures deploy results the node posts upstream.
type reportSink struct {
	mu      sync.Mutex
	results []DeployResult
}

func newReportSink(t *testing.T) (*reportSink, *report.Client) {
	t.Helper()
	sink := &reportSink{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/deploy-results" {
			return
		}
		var res DeployResult
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			t.Errorf("undecodable deploy result: %v", err)
			return
		}
		sink.mu.Lock()
		sink.results = append(sink.results, res)
		sink.mu.Unlock()
	}))
	t.Cleanup(srv.Close)
	cli := report.New(srv.URL, report.WithLogger(testLogger()))
	t.Cleanup(cli.Close)
	return sink, cli
}

func (s *reportSink) snapshot() []DeployResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeployResult(nil), s.results...)
}

func TestDeployReportWaitsForTheWindow(t *testing.T) {
	sink, rep := newReportSink(t)
	e := newEnv(t, trust.Peacock, WithReporter(rep))
	ctx := context.Background()

	if res := e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.0.0", nil)); res.Status != StatusInstalled {
		t.Fatalf("install: %s (%v)", res.Status, res.Reasons)
	}

	// The deploy call settles immediately; the upstream report must not.
	time.Sleep(50 * time.Millisecond)
	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("%d results reported while the skill was still on probation", n)
	}

	// A clean stop inside the window settles the deploy as a success.
	e.runnerFor("1.0.0").Stop(ctx)

	waitFor(t, 2*time.Second, func() bool {
		return len(sink.snapshot()) == 1
	}, "clean stop did not release the deploy report")

	got := sink.snapshot()[0]
	if got.Status != StatusInstalled || got.Skill != "weather-skill" || got.Version != "1.0.0" {
		t.Errorf("report = %+v", got)
	}
}

func TestCrashReportsOnceViaRollback(t *testing.T) {
	sink, rep := newReportSink(t)
	e := newEnv(t, trust.Peacock, WithReporter(rep))
	ctx := context.Background()

	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.0.0", nil))
	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.1.0", nil))

	e.runnerFor("1.1.0").Crash(errors.New("wasm trap: out of bounds"))

	waitFor(t, 2*time.Second, func() bool {
		info, ok := e.mgr.Get("weather-skill")
		return ok && info.Status == SkillRunning && info.Version == "1.0.0"
	}, "crashed update was not rolled back")

	waitFor(t, 2*time.Second, func() bool {
		for _, res := range sink.snapshot() {
			if res.Status == StatusError {
				return true
			}
		}
		return false
	}, "rollback did not report the failed deploy")

	time.Sleep(50 * time.Millisecond)
	var failed []DeployResult
	for _, res := range sink.snapshot() {
		if res.Status == StatusError {
			failed = append(failed, res)
		}
	}
	if len(failed) != 1 {
		t.Fatalf("failed deploy reported %d times: %+v", len(failed), failed)
	}
	if got := failed[0]; got.Version != "1.1.0" || got.RolledBackTo != "1.0.0" {
		t.Errorf("report = %+v", got)
	}
}

func TestStaleExitIsIgnored(t *testing.T) {
	e := newEnv(t, trust.Peacock)
	ctx := context.Background()

	// The first isolate's teardown callback goes missing, so its exit
	// arrives only after the update has already replaced it.
	e.prepare = func(mf *skill.Manifest, r *fakeRunner) {
		if mf.Version == "1.0.0" {
			r.muteStop = true
		}
	}
	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.0.0", nil))
	old := e.runnerFor("1.0.0")

	if res := e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.1.0", nil)); res.Status != StatusUpdated {
		t.Fatalf("update: %s", res.Status)
	}

	old.Crash(errors.New("late signal"))

	time.Sleep(50 * time.Millisecond)
	info, _ := e.mgr.Get("weather-skill")
	if info.Status != SkillRunning || info.Version != "1.1.0" {
		t.Errorf("record = %+v, stale exit clobbered the live skill", info)
	}
}
