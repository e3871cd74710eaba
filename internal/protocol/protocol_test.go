package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/growthscout/fleetd/internal/fleet"
)

func TestWriteThenDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(KindAuth, Auth{
		Token:      "secret",
		Capability: fleet.CapabilityCrunchbase,
		WorkerName: "scraper-1",
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}

	var buf bytes.Buffer
	if err := Write(&buf, env); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	sc := NewReader(&buf)
	if !sc.Scan() {
		t.Fatal("expected one frame")
	}
	got, err := Decode(sc.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Kind != KindAuth {
		t.Fatalf("expected auth kind, got %s", got.Kind)
	}
	auth, err := got.DecodeAuth()
	if err != nil {
		t.Fatalf("DecodeAuth() error = %v", err)
	}
	if auth.Token != "secret" || auth.Capability != fleet.CapabilityCrunchbase || auth.WorkerName != "scraper-1" {
		t.Fatalf("unexpected auth payload %+v", auth)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"kind":"shutdown"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"kind":`)); err == nil {
		t.Fatal("expected decode error for truncated frame")
	}
}

func TestDecodeAuthValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
	}{
		{"missing token", `{"capability":"crunchbase"}`},
		{"unknown capability", `{"token":"secret","capability":"myspace"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := Envelope{Kind: KindAuth, Payload: []byte(tc.payload)}
			if _, err := env.DecodeAuth(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDecodeStatusValidation(t *testing.T) {
	t.Parallel()

	env := Envelope{Kind: KindStatus, Payload: []byte(`{"report_id":"r-1","step_key":"crunchbase_lookup","detail_type":"progress"}`)}
	status, err := env.DecodeStatus()
	if err != nil {
		t.Fatalf("DecodeStatus() error = %v", err)
	}
	if status.StepKey != "crunchbase_lookup" || status.DetailType != fleet.DetailProgress {
		t.Fatalf("unexpected status %+v", status)
	}

	env.Payload = []byte(`{"report_id":"r-1","detail_type":"partial"}`)
	if _, err := env.DecodeStatus(); err == nil {
		t.Fatal("expected unknown detail_type to be rejected")
	}
	env.Payload = []byte(`{"detail_type":"progress"}`)
	if _, err := env.DecodeStatus(); err == nil {
		t.Fatal("expected missing report_id to be rejected")
	}
}

func TestDecodeTerminalPayloadsRequireTaskID(t *testing.T) {
	t.Parallel()

	complete := Envelope{Kind: KindComplete, Payload: []byte(`{"result":{"rank":1}}`)}
	if _, err := complete.DecodeComplete(); err == nil {
		t.Fatal("expected complete without task_id to be rejected")
	}
	taskErr := Envelope{Kind: KindError, Payload: []byte(`{"reason":"captcha wall"}`)}
	if _, err := taskErr.DecodeError(); err == nil {
		t.Fatal("expected error without task_id to be rejected")
	}
}

func TestReaderHandlesMultipleFrames(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	for _, kind := range []Kind{KindHeartbeat, KindStatus, KindComplete} {
		env := Envelope{Kind: kind, Payload: []byte(`{}`)}
		if err := Write(&buf, env); err != nil {
			t.Fatalf("Write(%s) error = %v", kind, err)
		}
	}

	sc := NewReader(&buf)
	var kinds []Kind
	for sc.Scan() {
		env, err := Decode(sc.Bytes())
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		kinds = append(kinds, env.Kind)
	}
	if len(kinds) != 3 || kinds[0] != KindHeartbeat || kinds[2] != KindComplete {
		t.Fatalf("unexpected frame sequence %v", kinds)
	}
}
