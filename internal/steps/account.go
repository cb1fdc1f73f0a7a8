package steps

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/ctrader_agent/internal/config"
	"github.com/dgnsrekt/ctrader_agent/internal/human"
)

// IdentityMatch names how the displayed identity matched the expected one.
type IdentityMatch string

const (
	MatchNone      IdentityMatch = ""
	MatchExact     IdentityMatch = "exact"
	MatchPrefix    IdentityMatch = "prefix"
	MatchSubstring IdentityMatch = "substring"
)

// MatchIdentity compares panel text against identity: an exact token first,
// then a token starting with the local part before any "@", then a plain
// substring. Comparison ignores case.
func MatchIdentity(text, identity string) IdentityMatch {
	text = strings.ToLower(text)
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" || text == "" {
		return MatchNone
	}
	tokens := strings.Fields(text)
	for _, tok := range tokens {
		if tok == identity {
			return MatchExact
		}
	}
	local := identity
	if i := strings.Index(identity, "@"); i > 0 {
		local = identity[:i]
	}
	for _, tok := range tokens {
		if strings.HasPrefix(tok, local) {
			return MatchPrefix
		}
	}
	if strings.Contains(text, identity) || strings.Contains(text, local) {
		return MatchSubstring
	}
	return MatchNone
}

// VerifyAccountSelection opens the account selector, checks it belongs to
// identity and selects accountID. A missing account fails the step so no
// order lands on the wrong account. An empty accountID keeps the current
// selection after the identity check.
func (f *Flow) VerifyAccountSelection(ctx context.Context, identity, accountID string) (Result, error) {
	return f.guard(ctx, "verify account", func() (Result, error) {
		t := f.cat.Timeouts
		if err := f.clickTarget(ctx, config.TargetAccountSelector, t.Field, human.Medium); err != nil {
			if isNotFound(err) {
				return failed("account selector not found"), nil
			}
			return Result{}, err
		}

		panel, err := f.wait(ctx, config.TargetAccountPanel, t.Panel)
		if err != nil {
			if isNotFound(err) {
				return failed("account selector did not open"), nil
			}
			return Result{}, err
		}
		text, err := f.page.TextAround(ctx, panel.Ref, 0)
		if err != nil {
			return Result{}, err
		}
		match := MatchIdentity(text, identity)
		if match == MatchNone {
			f.dismiss(ctx)
			return failed("account selector does not belong to %s", identity), nil
		}
		slog.Debug("account identity matched", "identity", identity, "match", string(match))

		if accountID == "" {
			f.dismiss(ctx)
			return Result{Success: true, Message: "identity verified, account selection unchanged"}, nil
		}

		entry, err := human.TryProbe(ctx, f.page, f.chain(config.TargetAccountEntry).WithToken(accountID), t.Panel)
		if err != nil {
			return Result{}, err
		}
		if entry == nil {
			f.dismiss(ctx)
			return failed("account %s not found", accountID), nil
		}
		if err := f.act.Click(ctx, f.page, entry); err != nil {
			return Result{}, err
		}
		if err := f.act.Pause(ctx, human.Medium); err != nil {
			return Result{}, err
		}
		return Result{Success: true, Confirmed: true, Message: "account " + accountID + " selected"}, nil
	})
}

// dismiss closes an open popup; failures are ignored.
func (f *Flow) dismiss(ctx context.Context) {
	if err := f.act.Press(ctx, f.page, "escape", 0); err != nil {
		slog.Debug("dismiss popup failed", "error", err)
	}
}
