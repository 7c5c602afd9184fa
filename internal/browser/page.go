package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Page is a single browser tab. Methods take a context so callers can bound
// each interaction independently of the page lifetime.
type Page struct {
	page *rod.Page
	cfg  Config
}

// SetTimeouts overrides the navigation and network-idle timeouts for this
// page only. Zero values keep the manager defaults.
func (p *Page) SetTimeouts(nav, idle time.Duration) {
	if nav > 0 {
		p.cfg.NavigationTimeout = nav
	}
	if idle > 0 {
		p.cfg.NetworkIdleTimeout = idle
	}
}

// Close destroys the tab.
func (p *Page) Close() error {
	return p.page.Close()
}

// Navigate loads the URL, waits for the load event and then for the network
// to go idle. Network idle is best effort: when a page keeps polling, the
// wait gives up after the configured idle timeout instead of failing.
func (p *Page) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Timeout(p.cfg.GetNavigationTimeout()).Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := pg.Timeout(p.cfg.GetNavigationTimeout()).WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	wait := pg.Timeout(p.cfg.GetNetworkIdleTimeout()).WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
	wait()
	return nil
}

// Settle sleeps for the configured post-load delay so late scripts (lazy
// loaders, consent banners) finish mutating the DOM before capture.
func (p *Page) Settle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// HTML returns the serialized document.
func (p *Page) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

// Title returns document.title.
func (p *Page) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

// Screenshot captures the page as PNG.
func (p *Page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(fullPage, nil)
}

// Eval runs a JS function in the page and returns its JSON-encoded result.
// The js argument must be a function expression, e.g. `() => document.title`.
func (p *Page) Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	return res.Value.MarshalJSON()
}

// Exists reports whether a selector matches at least one element.
func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	has, _, err := p.page.Context(ctx).Has(selector)
	return has, err
}

// Text returns the inner text of the first element matching selector.
func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return "", fmt.Errorf("element not found: %w", err)
	}
	return el.Text()
}

// Attribute returns the attribute value of the first match, with ok=false
// when the attribute is absent.
func (p *Page) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return "", false, fmt.Errorf("element not found: %w", err)
	}
	val, err := el.Attribute(name)
	if err != nil {
		return "", false, err
	}
	if val == nil {
		return "", false, nil
	}
	return *val, true, nil
}

// Click clicks the first element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// Type inputs text into the first element matching selector.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	return el.Input(text)
}

// Hover moves the pointer over the first element matching selector.
func (p *Page) Hover(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	return el.Hover()
}
