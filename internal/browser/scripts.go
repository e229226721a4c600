package browser

import (
	"encoding/json"
	"fmt"
)

// handleAttr tags elements returned by Find so later calls can address them.
const handleAttr = "data-veo-handle"

// resolveJS resolves a query (XPath or CSS) to elements. It is shared by the
// find script and the overlay scripts.
const resolveJS = `
function __veoResolve(query) {
  const q = query.trim();
  const out = [];
  if (q.startsWith('/') || q.startsWith('(') || q.startsWith('./')) {
    const r = document.evaluate(q, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
    for (let i = 0; i < r.snapshotLength; i++) {
      const n = r.snapshotItem(i);
      if (n && n.nodeType === 1) out.push(n);
    }
    return out;
  }
  return Array.from(document.querySelectorAll(q));
}
`

const findJS = resolveJS + `
(function (query) {
  let nodes;
  try { nodes = __veoResolve(query); } catch (e) { return { error: String(e), elements: [] }; }
  window.__veoSeq = window.__veoSeq || 0;
  return {
    error: "",
    elements: nodes.map(function (n) {
      if (!n.getAttribute('` + handleAttr + `')) {
        n.setAttribute('` + handleAttr + `', String(++window.__veoSeq));
      }
      const r = n.getBoundingClientRect();
      const s = window.getComputedStyle(n);
      const attrs = {};
      for (const a of Array.from(n.attributes)) attrs[a.name] = a.value;
      return {
        handle: n.getAttribute('` + handleAttr + `'),
        tag: n.tagName.toLowerCase(),
        text: String(n.innerText || n.textContent || '').trim().slice(0, 500),
        value: ('value' in n && n.value != null) ? String(n.value) : '',
        attrs: attrs,
        visible: r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none' && s.opacity !== '0',
        enabled: !n.disabled && n.getAttribute('aria-disabled') !== 'true',
        rect: { x: r.x, y: r.y, width: r.width, height: r.height }
      };
    })
  };
})(%s)
`

// elementJS wraps body with a lookup of the handle; body sees the element as el.
// The script returns "stale" when the handle is gone.
func elementJS(handle, body string, args ...any) string {
	encoded := make([]any, 0, len(args)+1)
	encoded = append(encoded, jsString(handle))
	for _, a := range args {
		encoded = append(encoded, jsValue(a))
	}
	params := "handle"
	for i := range args {
		params += fmt.Sprintf(", a%d", i)
	}
	call := ""
	for i, a := range encoded {
		if i > 0 {
			call += ", "
		}
		call += fmt.Sprint(a)
	}
	return fmt.Sprintf(`(function (%s) {
  const el = document.querySelector('[%s="' + handle + '"]');
  if (!el) return "stale";
  %s
})(%s)`, params, handleAttr, body, call)
}

const scrollIntoViewBody = `el.scrollIntoView({ block: 'center', inline: 'center' });
  const r = el.getBoundingClientRect();
  const cx = r.x + r.width / 2, cy = r.y + r.height / 2;
  const top = document.elementFromPoint(cx, cy);
  return { x: cx, y: cy, covered: !!top && top !== el && !el.contains(top) && !top.contains(el) };`

const scriptClickBody = `el.click(); return "ok";`

const dispatchClickBody = `const r = el.getBoundingClientRect();
  const opts = { bubbles: true, cancelable: true, view: window, clientX: r.x + r.width / 2, clientY: r.y + r.height / 2, button: 0 };
  for (const type of ['pointerdown', 'mousedown', 'pointerup', 'mouseup', 'click']) {
    const ev = type.startsWith('pointer') ? new PointerEvent(type, opts) : new MouseEvent(type, opts);
    el.dispatchEvent(ev);
  }
  return "ok";`

const focusBody = `el.focus(); return "ok";`

// setValueBody uses the prototype setter so framework-controlled inputs see the change.
const setValueBody = `el.focus();
  const proto = el.tagName === 'TEXTAREA' ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
  const desc = Object.getOwnPropertyDescriptor(proto, 'value');
  if (desc && desc.set && ('value' in el)) { desc.set.call(el, a0); } else { el.textContent = a0; }
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));
  return "ok";`

const pasteBody = `el.focus();
  const dt = new DataTransfer();
  dt.setData('text/plain', a0);
  const ev = new ClipboardEvent('paste', { clipboardData: dt, bubbles: true, cancelable: true });
  const handled = !el.dispatchEvent(ev);
  if (!handled && ('value' in el)) {
    const proto = el.tagName === 'TEXTAREA' ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
    const desc = Object.getOwnPropertyDescriptor(proto, 'value');
    if (desc && desc.set) desc.set.call(el, a0);
    el.dispatchEvent(new InputEvent('input', { bubbles: true, inputType: 'insertFromPaste', data: a0 }));
  }
  return "ok";`

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func jsValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// FindScript returns the script Find evaluates for query. Exposed for the
// overlay scripts that need the same resolution rules.
func FindScript(query string) string {
	return fmt.Sprintf(findJS, jsString(query))
}

// ResolveFunction is the page-side query resolver, usable as a prefix of other scripts.
func ResolveFunction() string {
	return resolveJS
}

// JSString quotes s as a JavaScript string literal.
func JSString(s string) string {
	return jsString(s)
}
