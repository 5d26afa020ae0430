package protocol_test

import (
	"testing"

	"github.com/wardenhq/warden/pkg/protocol"
)

func TestNewEnvelopeStampsIdentity(t *testing.T) {
	a := protocol.MustEnvelope(protocol.TypeSystem, "one", nil)
	b := protocol.MustEnvelope(protocol.TypeSystem, "two", nil)

	if a.MessageID == "" || a.MessageID == b.MessageID {
		t.Error("Expected unique, non-empty message ids")
	}
	if a.Timestamp.IsZero() {
		t.Error("Expected a creation timestamp")
	}
}

func TestParseRejectsMissingType(t *testing.T) {
	if _, err := protocol.Parse([]byte(`{"event":"x"}`)); err == nil {
		t.Error("Expected an error for an envelope without a type")
	}
	if _, err := protocol.Parse([]byte(`not json`)); err == nil {
		t.Error("Expected an error for malformed JSON")
	}
}

func TestRoundTripPreservesAddressing(t *testing.T) {
	shard := 3
	env := protocol.MustEnvelope(protocol.TypeBotEvent, "message-create", map[string]string{"channelId": "c1"})
	env.CommunityID = "g1"
	env.ShardID = &shard
	env.TargetType = "user"
	env.TargetID = "u1"

	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	parsed, err := protocol.Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.CommunityID != "g1" || parsed.TargetID != "u1" || parsed.ShardID == nil || *parsed.ShardID != 3 {
		t.Errorf("Addressing hints lost in transit: %+v", parsed)
	}
}

func TestCloseCodeNames(t *testing.T) {
	cases := map[protocol.CloseCode]string{
		protocol.CloseNormalShutdown:  "normal-shutdown",
		protocol.CloseAuthTimeout:     "auth-timeout",
		protocol.CloseAuthRejected:    "auth-rejected",
		protocol.CloseLivenessTimeout: "liveness-timeout",
		protocol.CloseSendFailure:     "send-failure",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("CloseCode(%d).String() = %q, want %q", int(code), got, want)
		}
	}
}
