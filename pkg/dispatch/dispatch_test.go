package dispatch

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/socialpub/pkg/store"
)

func strPtr(s string) *string { return &s }

func TestGenerateVariantBodyRotatesTemplates(t *testing.T) {
	content := store.Content{Body: "Ship it."}
	account := store.Account{Username: "alice"}

	seen := make(map[string]bool)
	for i := 0; i < len(templateBank); i++ {
		body := generateVariantBody(content, account, i)
		if seen[body] {
			t.Errorf("index %d produced a body already seen: %q", i, body)
		}
		seen[body] = true
	}
}

func TestGenerateVariantBodyOddIndexTag(t *testing.T) {
	content := store.Content{Body: "Ship it."}
	account := store.Account{Username: "alice"}

	even := generateVariantBody(content, account, 0)
	odd := generateVariantBody(content, account, 1)

	if strings.Contains(even, "@alice") {
		t.Errorf("even index should not include the account tag: %q", even)
	}
	if !strings.Contains(odd, "@alice") {
		t.Errorf("odd index should include the account tag: %q", odd)
	}
}

func TestGenerateVariantBodyChineseCTA(t *testing.T) {
	content := store.Content{Body: "Ship it."}
	account := store.Account{Username: "bob", Language: strPtr("zh-CN")}

	body := generateVariantBody(content, account, 0)
	if !strings.Contains(body, "欢迎转发") {
		t.Errorf("zh-language account should get the Chinese CTA: %q", body)
	}

	enAccount := store.Account{Username: "carol", Language: strPtr("en")}
	enBody := generateVariantBody(content, enAccount, 0)
	if strings.Contains(enBody, "欢迎转发") {
		t.Errorf("non-zh account should not get the Chinese CTA: %q", enBody)
	}
}

func TestMatchesRuleByTopic(t *testing.T) {
	at := store.AccountTags{Tags: []string{"golang", "infra"}}
	if !matchesRule(at, "golang", "") {
		t.Error("matchesRule should match on tag equal to topic")
	}
	if matchesRule(at, "rust", "") {
		t.Error("matchesRule should not match unrelated topic")
	}
}

func TestMatchesRuleByLanguage(t *testing.T) {
	lang := "fr"
	at := store.AccountTags{Account: store.Account{Language: &lang}}
	if !matchesRule(at, "", "fr") {
		t.Error("matchesRule should match on account language")
	}
	if matchesRule(at, "", "de") {
		t.Error("matchesRule should not match a different language")
	}
}

func TestDedupeUUIDs(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	got := dedupeUUIDs([]uuid.UUID{a, a, b, a})
	if len(got) != 2 {
		t.Fatalf("dedupeUUIDs() returned %d ids, want 2", len(got))
	}
}

func TestNormalizeMatch(t *testing.T) {
	if got := normalizeMatch("  GoLang  "); got != "golang" {
		t.Errorf("normalizeMatch() = %q, want %q", got, "golang")
	}
}
