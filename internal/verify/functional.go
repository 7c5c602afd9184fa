package verify

import (
	"context"
	"encoding/json"

	"git.home.luguber.info/inful/pageforge/internal/browser"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
)

// behaviorProbeJS replays one recorded behavior inside the page. It mirrors
// the crawl-time recording: capture the assert target's state, click, wait
// for the same 200ms the recorder waited, evaluate the assertion, then click
// again to toggle the element back.
const behaviorProbeJS = `async (sel, kind, target, value) => {
	const el = document.querySelector(sel);
	if (!el) return { ok: false, detail: 'selector not found: ' + sel };
	if (kind === 'exists') {
		try { el.click(); } catch (e) { return { ok: false, detail: 'click failed: ' + e.message }; }
		return { ok: true, detail: '' };
	}
	const tgt = target ? document.querySelector(target) : el;
	if (!tgt) return { ok: false, detail: 'assert target not found: ' + target };
	const beforeClass = value ? tgt.classList.contains(value) : false;
	const beforeAttr = value ? tgt.getAttribute(value) : null;
	try { el.click(); } catch (e) { return { ok: false, detail: 'click failed: ' + e.message }; }
	await new Promise(r => setTimeout(r, 200));
	let ok = false, detail = '';
	if (kind === 'classAdded') {
		ok = !beforeClass && tgt.classList.contains(value);
		if (!ok) detail = 'class "' + value + '" not added to ' + (target || sel);
	} else if (kind === 'attrChanged') {
		ok = tgt.getAttribute(value) !== beforeAttr;
		if (!ok) detail = 'attribute "' + value + '" unchanged on ' + (target || sel);
	} else {
		detail = 'unknown assertion kind: ' + kind;
	}
	try { el.click(); } catch (e) { /* toggle back, best effort */ }
	return { ok, detail };
}`

type behaviorOutcome struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// replayBehavior executes one recorded behavior against the loaded page and
// reports whether its assertion still holds on the optimized copy.
func replayBehavior(ctx context.Context, page *browser.Page, b inventory.Behavior) FunctionalResult {
	res := FunctionalResult{Selector: b.Selector}
	raw, err := page.Eval(ctx, behaviorProbeJS, b.Selector, b.AssertKind, b.AssertTarget, b.AssertValue)
	if err != nil {
		res.Detail = "probe error: " + err.Error()
		return res
	}
	var out behaviorOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		res.Detail = "probe returned malformed result: " + err.Error()
		return res
	}
	res.Passed = out.OK
	res.Detail = out.Detail
	return res
}
