package dispatch

import (
	"fmt"
	"strings"

	"github.com/wisbric/socialpub/pkg/store"
)

// templateBank rotates a small set of suffixes across target accounts so
// that fanned-out posts read as distinct variants rather than identical copies.
var templateBank = []string{
	"",
	" — worth a look.",
	" Thoughts welcome.",
	" More soon.",
}

// generateVariantBody produces the per-account post text for a piece of
// content: a rotating template suffix, an optional account-tag for odd
// indices, and an optional Chinese call-to-action for zh-language accounts.
func generateVariantBody(content store.Content, account store.Account, index int) string {
	var b strings.Builder
	b.WriteString(content.Body)
	b.WriteString(templateBank[index%len(templateBank)])

	if index%2 == 1 {
		fmt.Fprintf(&b, " (@%s edition)", account.Username)
	}

	if account.Language != nil && strings.HasPrefix(strings.ToLower(*account.Language), "zh") {
		b.WriteString(" 欢迎转发与评论。")
	}

	return b.String()
}
