package transport

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeUnmarshalCapturesTypeAndRawPayload(t *testing.T) {
	raw := []byte(`{"type":"TASK_RESULT","task_id":"t1","result":{"ok":true},"latency":1.5}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != MsgTaskResult {
		t.Fatalf("expected type %q, got %q", MsgTaskResult, env.Type)
	}

	var result TaskResult
	if err := json.Unmarshal(env.Raw, &result); err != nil {
		t.Fatalf("second-pass decode: %v", err)
	}
	if result.TaskID != "t1" || result.Latency != 1.5 {
		t.Fatalf("unexpected decoded result: %+v", result)
	}
}

func TestEnvelopeUnmarshalRejectsMalformedJSON(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`not json`), &env); err == nil {
		t.Fatalf("expected malformed JSON to fail")
	}
}

func TestJoinCollectiveRoundTrip(t *testing.T) {
	j := JoinCollective{Type: MsgJoinCollective, Secret: "s3cr3t", DeviceName: "phone-1", Capability: "GPU", Model: "llama"}
	data, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got JoinCollective
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != j {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, j)
	}
}
