package domain

import "testing"

func TestConversationKey(t *testing.T) {
	tests := []struct {
		resource, counterpart, want string
	}{
		{"inst1", "+1555", "inst1-+1555"},
		{"inst1", "+1555@s.whatsapp.net", "inst1-+1555"},
		{" inst1 ", " 5511999 ", "inst1-5511999"},
	}
	for _, tt := range tests {
		if got := ConversationKey(tt.resource, tt.counterpart); got != tt.want {
			t.Errorf("ConversationKey(%q, %q) = %q, want %q", tt.resource, tt.counterpart, got, tt.want)
		}
	}
}

func TestNormalizeConnectionState(t *testing.T) {
	tests := map[string]ConnectionStatus{
		"open":       StatusConnected,
		"CONNECTED":  StatusConnected,
		"connecting": StatusConnecting,
		"qr":         StatusConnecting,
		"close":      StatusDisconnected,
		"":           StatusDisconnected,
	}
	for in, want := range tests {
		if got := NormalizeConnectionState(in); got != want {
			t.Errorf("NormalizeConnectionState(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInstanceOwnership(t *testing.T) {
	inst := Instance{OwnerID: "u1"}
	if !inst.OwnedBy("u1") || inst.OwnedBy("u2") {
		t.Fatal("OwnedBy mismatch")
	}
	if inst.RelaysToWorkflow() {
		t.Fatal("instance without webhook URL must not relay")
	}
}
