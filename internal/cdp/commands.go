package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// The handful of protocol commands this system needs: evaluate an expression
// in the page, synthesize a key press, capture a screenshot. Everything else
// goes through the raw Call API.

type evaluateParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
	AwaitPromise  bool   `json:"awaitPromise,omitempty"`
}

type remoteObject struct {
	Type        string          `json:"type"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
}

type exceptionDetails struct {
	Text      string        `json:"text"`
	Exception *remoteObject `json:"exception,omitempty"`
}

type evaluateResult struct {
	Result           remoteObject      `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails,omitempty"`
}

// Evaluate runs a JavaScript expression in the attached page and returns the
// raw JSON value it produced.
func (c *Client) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	var res evaluateResult
	err := c.Call(ctx, "Runtime.evaluate", evaluateParams{
		Expression:    expression,
		ReturnByValue: true,
		AwaitPromise:  true,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		detail := res.ExceptionDetails.Text
		if res.ExceptionDetails.Exception != nil && res.ExceptionDetails.Exception.Description != "" {
			detail = res.ExceptionDetails.Exception.Description
		}
		return nil, fmt.Errorf("page script threw: %s", detail)
	}
	return res.Result.Value, nil
}

// EvaluateString evaluates an expression expected to produce a string.
func (c *Client) EvaluateString(ctx context.Context, expression string) (string, error) {
	raw, err := c.Evaluate(ctx, expression)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected string result, got %s: %w", raw, err)
	}
	return s, nil
}

// EvaluateBool evaluates an expression expected to produce a boolean.
func (c *Client) EvaluateBool(ctx context.Context, expression string) (bool, error) {
	raw, err := c.Evaluate(ctx, expression)
	if err != nil {
		return false, err
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("expected bool result, got %s: %w", raw, err)
	}
	return b, nil
}

type keyEventParams struct {
	Type                  string `json:"type"`
	Key                   string `json:"key,omitempty"`
	Code                  string `json:"code,omitempty"`
	Text                  string `json:"text,omitempty"`
	WindowsVirtualKeyCode int    `json:"windowsVirtualKeyCode,omitempty"`
	NativeVirtualKeyCode  int    `json:"nativeVirtualKeyCode,omitempty"`
	Modifiers             int    `json:"modifiers,omitempty"`
}

// PressEnter sends the keyDown/keyUp pair for the Enter key to the page.
func (c *Client) PressEnter(ctx context.Context) error {
	down := keyEventParams{
		Type: "rawKeyDown", Key: "Enter", Code: "Enter", Text: "\r",
		WindowsVirtualKeyCode: 13, NativeVirtualKeyCode: 13,
	}
	if err := c.Call(ctx, "Input.dispatchKeyEvent", down, nil); err != nil {
		return err
	}
	up := down
	up.Type = "keyUp"
	up.Text = ""
	return c.Call(ctx, "Input.dispatchKeyEvent", up, nil)
}

type screenshotParams struct {
	Format  string `json:"format"`
	Quality int    `json:"quality,omitempty"`
}

type screenshotResult struct {
	Data string `json:"data"`
}

// CaptureScreenshot captures the attached page as PNG bytes.
func (c *Client) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var res screenshotResult
	if err := c.Call(ctx, "Page.captureScreenshot", screenshotParams{Format: "png"}, &res); err != nil {
		return nil, err
	}
	img, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot payload: %w", err)
	}
	return img, nil
}
