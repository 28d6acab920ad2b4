package types

import (
	"testing"
	"time"
)

func newReq(model string, msgs ...Message) *Request {
	return &Request{TenantID: "t1", Model: model, Messages: msgs}
}

func TestFingerprintStable(t *testing.T) {
	a := newReq("gpt-4o", Message{Role: RoleUser, Content: "hello"})
	b := newReq("gpt-4o", Message{Role: RoleUser, Content: "hello"})
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical requests should share a fingerprint")
	}
}

func TestFingerprintIgnoresMetadataAndStopOrder(t *testing.T) {
	a := newReq("gpt-4o", Message{Role: RoleUser, Content: "hi"})
	a.Params.Stop = []string{"b", "a"}
	a.Metadata = map[string]string{"trace": "x"}

	b := newReq("gpt-4o", Message{Role: RoleUser, Content: "hi"})
	b.Params.Stop = []string{"a", "b"}

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("stop order and metadata should not affect the fingerprint")
	}
}

func TestFingerprintSensitiveFields(t *testing.T) {
	base := newReq("gpt-4o", Message{Role: RoleUser, Content: "hi"})

	diffModel := newReq("gpt-4o-mini", Message{Role: RoleUser, Content: "hi"})
	if base.Fingerprint() == diffModel.Fingerprint() {
		t.Error("model change should change the fingerprint")
	}

	temp := 0.7
	diffTemp := newReq("gpt-4o", Message{Role: RoleUser, Content: "hi"})
	diffTemp.Params.Temperature = &temp
	if base.Fingerprint() == diffTemp.Fingerprint() {
		t.Error("temperature change should change the fingerprint")
	}

	diffMsg := newReq("gpt-4o", Message{Role: RoleUser, Content: "bye"})
	if base.Fingerprint() == diffMsg.Fingerprint() {
		t.Error("message change should change the fingerprint")
	}
}

func TestLastUserContent(t *testing.T) {
	r := newReq("",
		Message{Role: RoleSystem, Content: "sys"},
		Message{Role: RoleUser, Content: "first"},
		Message{Role: RoleAssistant, Content: "mid"},
		Message{Role: RoleUser, Content: "last"},
	)
	if got := r.LastUserContent(); got != "last" {
		t.Errorf("LastUserContent = %q", got)
	}

	empty := newReq("", Message{Role: RoleAssistant, Content: "only"})
	if got := empty.LastUserContent(); got != "" {
		t.Errorf("LastUserContent with no user turn = %q", got)
	}
}

func TestRemainingBudget(t *testing.T) {
	r := newReq("")
	if got := r.RemainingBudget(5 * time.Second); got != 5*time.Second {
		t.Errorf("fallback budget = %v", got)
	}

	r.Deadline = time.Now().Add(10 * time.Second)
	got := r.RemainingBudget(5 * time.Second)
	if got <= 9*time.Second || got > 10*time.Second {
		t.Errorf("deadline budget = %v", got)
	}
}
