package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// ListPageTargets returns the open page targets of the browser behind
// cdpURL, in the order the browser reports them. Internal pages (devtools,
// extensions) are skipped.
func ListPageTargets(ctx context.Context, cdpURL string) ([]*target.Info, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, cdpURL)
	defer allocCancel()

	// No Run here: Run would open a tab of its own.
	tempCtx, tempCancel := chromedp.NewContext(allocCtx)
	defer tempCancel()

	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		return nil, fmt.Errorf("enumerate targets: %w", err)
	}

	out := make([]*target.Info, 0, len(targets))
	for _, t := range targets {
		if t.Type != "page" || isInternalURL(t.URL) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func isInternalURL(u string) bool {
	for _, p := range []string{"devtools://", "chrome-extension://"} {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}

// PreferMatching moves targets whose URL contains match to the front,
// keeping relative order otherwise.
func PreferMatching(targets []*target.Info, match string) []*target.Info {
	match = strings.ToLower(strings.TrimSpace(match))
	if match == "" {
		return targets
	}
	out := make([]*target.Info, 0, len(targets))
	var rest []*target.Info
	for _, t := range targets {
		if strings.Contains(strings.ToLower(t.URL), match) {
			out = append(out, t)
		} else {
			rest = append(rest, t)
		}
	}
	return append(out, rest...)
}
