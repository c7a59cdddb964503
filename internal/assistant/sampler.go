package assistant

import (
	"context"
	"encoding/json"
	"fmt"

	"cometnerd/internal/cdp"
	"cometnerd/internal/status"
)

// The sampler runs one script in the attached page per poll and brings back
// everything the classifier needs in a single round-trip: visible text plus
// the stop/busy affordance flags resolved from the marker selector lists.

const sampleScript = `(() => {
	const visible = (selectors) => selectors.some((s) => {
		try {
			const el = document.querySelector(s);
			return !!el && !el.disabled && el.offsetParent !== null;
		} catch (e) {
			return false;
		}
	});
	return JSON.stringify({
		text: document.body ? document.body.innerText : "",
		stop: visible(%s),
		busy: visible(%s),
	});
})()`

// jsString renders a Go string as a JS string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

type sampledPage struct {
	Text string `json:"text"`
	Stop bool   `json:"stop"`
	Busy bool   `json:"busy"`
}

func samplePage(ctx context.Context, client *cdp.Client, markers status.Markers) (status.Snapshot, error) {
	stopSels, err := json.Marshal(markers.StopSelectors)
	if err != nil {
		return status.Snapshot{}, fmt.Errorf("failed to encode stop selectors: %w", err)
	}
	busySels, err := json.Marshal(markers.BusySelectors)
	if err != nil {
		return status.Snapshot{}, fmt.Errorf("failed to encode busy selectors: %w", err)
	}

	raw, err := client.EvaluateString(ctx, fmt.Sprintf(sampleScript, stopSels, busySels))
	if err != nil {
		return status.Snapshot{}, fmt.Errorf("failed to sample page: %w", err)
	}
	var page sampledPage
	if err := json.Unmarshal([]byte(raw), &page); err != nil {
		return status.Snapshot{}, fmt.Errorf("failed to decode page sample: %w", err)
	}
	return status.Snapshot{
		Text:        page.Text,
		StopVisible: page.Stop,
		BusyVisible: page.Busy,
	}, nil
}

// clickFirstScript clicks the first visible element matching any selector
// and reports whether one was found.
const clickFirstScript = `(() => {
	for (const s of %s) {
		try {
			const el = document.querySelector(s);
			if (el && !el.disabled && el.offsetParent !== null) {
				el.click();
				return true;
			}
		} catch (e) {}
	}
	return false;
})()`

func clickFirst(ctx context.Context, client *cdp.Client, selectors []string) (bool, error) {
	sels, err := json.Marshal(selectors)
	if err != nil {
		return false, fmt.Errorf("failed to encode selectors: %w", err)
	}
	return client.EvaluateBool(ctx, fmt.Sprintf(clickFirstScript, sels))
}

// fillInputScript focuses the first usable prompt input and types the text
// into it, firing the framework events the page listens for. Reports
// whether an input was found.
const fillInputScript = `(() => {
	const text = %s;
	for (const s of %s) {
		try {
			const el = document.querySelector(s);
			if (!el || el.offsetParent === null) continue;
			el.focus();
			if (el.tagName === "TEXTAREA" || el.tagName === "INPUT") {
				const setter = Object.getOwnPropertyDescriptor(
					el.tagName === "TEXTAREA" ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype,
					"value").set;
				setter.call(el, text);
			} else {
				el.textContent = text;
			}
			el.dispatchEvent(new Event("input", { bubbles: true }));
			el.dispatchEvent(new Event("change", { bubbles: true }));
			return true;
		} catch (e) {}
	}
	return false;
})()`

func fillInput(ctx context.Context, client *cdp.Client, selectors []string, text string) (bool, error) {
	encText, err := json.Marshal(text)
	if err != nil {
		return false, fmt.Errorf("failed to encode prompt: %w", err)
	}
	sels, err := json.Marshal(selectors)
	if err != nil {
		return false, fmt.Errorf("failed to encode selectors: %w", err)
	}
	return client.EvaluateBool(ctx, fmt.Sprintf(fillInputScript, encText, sels))
}

// modeScript reads the current mode label from the toggle control, clicking
// it first when a switch was requested.
const modeScript = `(() => {
	const want = %s;
	for (const s of %s) {
		try {
			const el = document.querySelector(s);
			if (!el) continue;
			const label = () => (el.getAttribute("data-mode") || el.textContent || "").trim();
			if (want && label().toLowerCase() !== want.toLowerCase()) {
				el.click();
			}
			return label();
		} catch (e) {}
	}
	return "";
})()`

func readOrSwitchMode(ctx context.Context, client *cdp.Client, selectors []string, want string) (string, error) {
	encWant, err := json.Marshal(want)
	if err != nil {
		return "", fmt.Errorf("failed to encode mode: %w", err)
	}
	sels, err := json.Marshal(selectors)
	if err != nil {
		return "", fmt.Errorf("failed to encode selectors: %w", err)
	}
	return client.EvaluateString(ctx, fmt.Sprintf(modeScript, encWant, sels))
}
