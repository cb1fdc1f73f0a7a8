package cdpcontrol

import (
	"encoding/json"

	"github.com/dgnsrekt/ctrader_agent/internal/driver"
)

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func jsJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func buildIIFE(body string) string {
	return `(function(){
try {
` + jsPrelude + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + CodeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}

// jsPrelude holds the helpers shared by every script below.
const jsPrelude = `
const norm = s => String(s == null ? "" : s).replace(/\s+/g, " ").trim();
const textOf = el => norm(el.innerText || el.value || el.getAttribute("placeholder") || el.getAttribute("aria-label") || el.textContent);
const visible = el => {
  if (!el || !el.isConnected) return false;
  const r = el.getBoundingClientRect();
  if (r.width <= 0 || r.height <= 0) return false;
  const cs = getComputedStyle(el);
  return cs.visibility !== "hidden" && cs.display !== "none";
};
const byRef = ref => document.querySelector('[data-cta-ref="' + ref + '"]');
const ok = data => JSON.stringify({ok:true,data:data});
`

// jsQuery resolves a selector and tags the hit with a data-cta-ref so later
// calls can find the same node.
func jsQuery(sel driver.Selector) string {
	return buildIIFE(`
const sel = ` + jsJSON(sel) + `;
let nodes = [];
if (sel.near) {
  const label = norm(sel.near).toLowerCase();
  const labels = Array.from(document.querySelectorAll("body *")).filter(el => {
    if (norm(el.innerText).toLowerCase() !== label) return false;
    return !Array.from(el.children).some(c => norm(c.innerText).toLowerCase() === label);
  });
  for (const lb of labels) {
    let scope = lb;
    for (let i = 0; i < 4 && scope && nodes.length === 0; i++) {
      scope = scope.parentElement;
      if (!scope) break;
      nodes = Array.from(scope.querySelectorAll(sel.css || "input, textarea")).filter(inp =>
        lb.compareDocumentPosition(inp) & Node.DOCUMENT_POSITION_FOLLOWING);
    }
    if (nodes.length) break;
  }
} else {
  nodes = Array.from(document.querySelectorAll(sel.css || "body *"));
}
if (sel.text || sel.pattern) {
  const want = norm(sel.text).toLowerCase();
  const re = sel.pattern ? new RegExp(sel.pattern, "i") : null;
  nodes = nodes.filter(el => {
    const t = textOf(el);
    if (re && !re.test(t)) return false;
    if (!sel.text) return true;
    return sel.exact ? t.toLowerCase() === want : t.toLowerCase().includes(want);
  });
  // Keep the innermost matches; ancestors repeat their children's text.
  nodes = nodes.filter(el => !nodes.some(o => o !== el && el.contains(o)));
}
const shown = nodes.filter(visible);
let el = shown[sel.index || 0] || (shown.length ? null : nodes[sel.index || 0]);
if (!el) return ok({found:false});
for (let i = 0; i < (sel.parent || 0) && el.parentElement; i++) el = el.parentElement;
for (let i = 0; i < Math.abs(sel.sibling || 0) && el; i++) {
  el = sel.sibling < 0 ? el.previousElementSibling : el.nextElementSibling;
}
if (!el) return ok({found:false});
window.__ctaSeq = (window.__ctaSeq || 0) + 1;
const ref = el.getAttribute("data-cta-ref") || ("r" + window.__ctaSeq);
el.setAttribute("data-cta-ref", ref);
const r = el.getBoundingClientRect();
return ok({found:true, element:{ref:ref, box:{x:r.x,y:r.y,width:r.width,height:r.height}, text:textOf(el).slice(0, 500), visible:visible(el)}});
`)
}

func jsState(ref string) string {
	return buildIIFE(`
const el = byRef(` + jsString(ref) + `);
if (!el) return ok({present:false});
const cs = getComputedStyle(el);
let opacity = 1;
for (let n = el; n && n.nodeType === 1; n = n.parentElement) {
  opacity *= parseFloat(getComputedStyle(n).opacity || "1");
}
return ok({
  present: true,
  visible: visible(el),
  classes: Array.from(el.classList),
  opacity: opacity,
  pointer_events: cs.pointerEvents,
  aria_disabled: !!el.closest('[aria-disabled="true"]'),
  disabled: el.disabled === true || el.hasAttribute("disabled")
});
`)
}

func jsTextAround(ref string, depth int) string {
	return buildIIFE(`
let el = byRef(` + jsString(ref) + `);
if (!el) return ok("");
for (let i = 0; i < ` + jsJSON(depth) + ` && el.parentElement; i++) el = el.parentElement;
return ok(norm(el.innerText).slice(0, 4000));
`)
}

func jsBodyText() string {
	return buildIIFE(`
return ok(norm(document.body ? document.body.innerText : "").slice(0, 20000));
`)
}

func jsScrollIntoView(ref string) string {
	return buildIIFE(`
const el = byRef(` + jsString(ref) + `);
if (el) el.scrollIntoView({block:"center", inline:"center"});
return ok(!!el);
`)
}

func jsViewport() string {
	return buildIIFE(`
return ok({x:0, y:0, width:window.innerWidth, height:window.innerHeight});
`)
}

func jsLocation() string {
	return buildIIFE(`
return ok(String(location.href));
`)
}
