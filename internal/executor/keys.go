package executor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"
)

// keyEvents returns the protocol events for one key press. key is either a DOM
// key name such as "Enter" or "ArrowDown", or a single character.
func keyEvents(key string) ([]*input.DispatchKeyEventParams, error) {
	if utf8.RuneCountInString(key) == 1 {
		r, _ := utf8.DecodeRuneInString(key)
		return kb.Encode(r), nil
	}
	for r, k := range kb.Keys {
		if strings.EqualFold(k.Key, key) || strings.EqualFold(k.Code, key) {
			return kb.Encode(r), nil
		}
	}
	return nil, fmt.Errorf("unknown key %q", key)
}
