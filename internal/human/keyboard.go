package human

import (
	"context"
	"strings"
	"unicode"

	"github.com/dgnsrekt/ctrader_agent/internal/driver"
)

type keyDef struct {
	key     string
	code    string
	keyCode int
}

var namedKeys = map[string]keyDef{
	"enter":     {"Enter", "Enter", 13},
	"tab":       {"Tab", "Tab", 9},
	"backspace": {"Backspace", "Backspace", 8},
	"delete":    {"Delete", "Delete", 46},
	"escape":    {"Escape", "Escape", 27},
	"f5":        {"F5", "F5", 116},
}

func lookupKey(name string) keyDef {
	if k, ok := namedKeys[strings.ToLower(name)]; ok {
		return k
	}
	r := []rune(name)
	if len(r) == 1 && unicode.IsLetter(r[0]) {
		up := unicode.ToUpper(r[0])
		return keyDef{key: strings.ToLower(name), code: "Key" + string(up), keyCode: int(up)}
	}
	if len(r) == 1 && unicode.IsDigit(r[0]) {
		return keyDef{key: name, code: "Digit" + name, keyCode: int(r[0])}
	}
	return keyDef{key: name, code: name}
}

// Press sends one key with optional modifiers (driver.ModCtrl and friends).
func (a *Actor) Press(ctx context.Context, page driver.Page, name string, modifiers int) error {
	k := lookupKey(name)
	down := driver.KeyEvent{Type: driver.KeyDown, Key: k.key, Code: k.code, KeyCode: k.keyCode, Modifiers: modifiers}
	if err := page.Key(ctx, down); err != nil {
		return err
	}
	if err := a.sleep(ctx, a.between(a.timing.TypeAlpha)); err != nil {
		return err
	}
	up := down
	up.Type = driver.KeyUp
	return page.Key(ctx, up)
}

// Shortcut presses name with modifiers held, e.g. Ctrl+Shift+R.
func (a *Actor) Shortcut(ctx context.Context, page driver.Page, name string, modifiers int) error {
	return a.Press(ctx, page, name, modifiers)
}

// Type enters text one rune at a time with per-class keystroke gaps.
func (a *Actor) Type(ctx context.Context, page driver.Page, text string) error {
	for _, r := range text {
		ch := string(r)
		if err := page.Key(ctx, driver.KeyEvent{Type: driver.KeyDown, Key: ch, Text: ch}); err != nil {
			return err
		}
		if err := page.Key(ctx, driver.KeyEvent{Type: driver.KeyUp, Key: ch}); err != nil {
			return err
		}
		gap := a.timing.TypeOther
		switch {
		case unicode.IsSpace(r):
			gap = a.timing.TypeSpace
		case unicode.IsLetter(r):
			gap = a.timing.TypeAlpha
		}
		if err := a.sleep(ctx, a.between(gap)); err != nil {
			return err
		}
	}
	return nil
}

// Fill focuses el, clears it and types text.
func (a *Actor) Fill(ctx context.Context, page driver.Page, el *driver.Element, text string) error {
	if err := a.Click(ctx, page, el); err != nil {
		return err
	}
	if err := a.Pause(ctx, Short); err != nil {
		return err
	}
	if err := a.Shortcut(ctx, page, "a", driver.ModCtrl); err != nil {
		return err
	}
	if err := a.Press(ctx, page, "backspace", 0); err != nil {
		return err
	}
	if err := a.Pause(ctx, Short); err != nil {
		return err
	}
	return a.Type(ctx, page, text)
}
