package main

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLogRingTrimsAndFilters(t *testing.T) {
	ring := newLogRing(3)
	now := time.Unix(1700000000, 0)
	ring.add("info", "[Controller] starting engine", now)
	ring.add("warn", "[Probe] batch failed", now)
	ring.add("info", "[Controller] engine running", now)
	ring.add("ERROR", " [Controller] engine error ", now)

	all := ring.list(0, "", "", 0)
	if len(all) != 3 || all[0].ID != 2 || all[2].Message != "[Controller] engine error" || all[2].Level != "error" {
		t.Fatalf("unexpected entries: %+v", all)
	}
	if got := ring.list(0, "info", "", 0); len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("unexpected level filter: %+v", got)
	}
	if got := ring.list(0, "", "controller", 3); len(got) != 1 || got[0].ID != 4 {
		t.Fatalf("unexpected since filter: %+v", got)
	}
	if got := ring.list(1, "", "", 0); len(got) != 1 || got[0].ID != 4 {
		t.Fatalf("limit must keep the newest entries: %+v", got)
	}

	ring.clear()
	if len(ring.list(0, "", "", 0)) != 0 || ring.latestID() != 4 {
		t.Fatalf("clear must drop entries but keep ids increasing")
	}
}

func TestLogCaptureHookFormatsFields(t *testing.T) {
	ring := newLogRing(10)
	hook := logCaptureHook{ring: ring}
	entry := &logrus.Entry{
		Level:   logrus.WarnLevel,
		Time:    time.Unix(1700000000, 0),
		Message: "switch failed",
		Data:    logrus.Fields{"node": "hk-1", "method": "primary"},
	}
	if err := hook.Fire(entry); err != nil {
		t.Fatalf("fire: %v", err)
	}
	got := ring.list(0, "", "", 0)
	if len(got) != 1 || got[0].Message != "switch failed method=primary node=hk-1" || got[0].Level != "warning" {
		t.Fatalf("unexpected entry: %+v", got)
	}
}
