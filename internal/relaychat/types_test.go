package relaychat

import (
	"errors"
	"testing"
)

func TestEntityRefStringAndParseRoundTrip(t *testing.T) {
	refs := []EntityRef{
		MessageRef("T024BE", "C1A2B3", "1714.000100"),
		ChannelRef("T024BE", "C1A2B3"),
		UserRef("T024BE", "U0G9QF9"),
		WorkspaceRef("T024BE"),
	}
	for _, ref := range refs {
		parsed, err := ParseEntityRef(ref.String())
		if err != nil {
			t.Fatalf("ParseEntityRef(%q) failed: %v", ref.String(), err)
		}
		if parsed != ref {
			t.Fatalf("round trip changed %v into %v", ref, parsed)
		}
	}
}

func TestEntityRefStringFormat(t *testing.T) {
	got := MessageRef("T1", "C1", "1.000100").String()
	if got != "slack.message:T1/C1/1.000100" {
		t.Fatalf("String() = %q", got)
	}
}

func TestParseEntityRefRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"slack.message",
		"slack.message:",
		"slack.message:T1/C1",          // missing ts
		"slack.message:T1//1.000100",   // empty segment
		"slack.channel:T1",             // missing channel
		"slack.workspace:T1/extra",
		"slack.user:T1/U1/extra",
	}
	for _, raw := range cases {
		if _, err := ParseEntityRef(raw); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("ParseEntityRef(%q) err = %v, want ErrInvalidInput", raw, err)
		}
	}
	if _, err := ParseEntityRef("slack.reaction:T1/C1"); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("unknown kind err = %v, want ErrUnsupportedKind", err)
	}
}

func TestEntityRefValidate(t *testing.T) {
	valid := []EntityRef{
		MessageRef("T1", "C1", "1.0"),
		ChannelRef("T1", "C1"),
		UserRef("T1", "U1"),
		WorkspaceRef("T1"),
	}
	for _, ref := range valid {
		if err := ref.Validate(); err != nil {
			t.Fatalf("Validate(%v) failed: %v", ref, err)
		}
	}
	invalid := []EntityRef{
		{},
		MessageRef("", "C1", "1.0"),
		MessageRef("T1", "", "1.0"),
		MessageRef("T1", "C1", ""),
		ChannelRef("T1", ""),
		UserRef("T1", ""),
	}
	for _, ref := range invalid {
		if err := ref.Validate(); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Validate(%v) err = %v, want ErrInvalidInput", ref, err)
		}
	}
	if err := (EntityRef{Kind: "slack.reaction", WorkspaceID: "T1"}).Validate(); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("unknown kind err = %v, want ErrUnsupportedKind", err)
	}
}
