package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// browserSession is a lazily-launched, shared headless Chrome instance
// backing every browser_action/click/type/scroll/... tool (§4.5's browser
// tool group). One session per Registry is enough — the LLM drives a single
// logical browser across a turn, same as the teacher's single-agent model.
type browserSession struct {
	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
	lastX   float64
	lastY   float64
}

func newBrowserSession() *browserSession {
	return &browserSession{}
}

// ensure lazily launches a headless browser and opens a blank page on first use.
func (s *browserSession) ensure() (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.page != nil {
		return s.page, nil
	}

	u, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}

	s.browser = browser
	s.page = page
	return page, nil
}

// close tears down the browser, used when the Registry itself shuts down.
func (s *browserSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		_ = s.browser.Close()
		s.browser = nil
		s.page = nil
	}
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func floatArg(args map[string]interface{}, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// --- browser_action: generic multiplexer tool, action given as args["action"] ---

// BrowserActionTool is the generic browser-control entrypoint. Its action
// sub-field is what risk.go's SAFE-downgrade table checks: browser_action
// itself is MODERATE, but a read-only action like "screenshot" downgrades
// to SAFE (§4.5 point 1).
type BrowserActionTool struct {
	session *browserSession
	workspace string
}

func NewBrowserActionTool(session *browserSession, workspace string) *BrowserActionTool {
	return &BrowserActionTool{session: session, workspace: workspace}
}

func (t *BrowserActionTool) Name() string { return "browser_action" }

func (t *BrowserActionTool) Description() string {
	return "Control a headless browser: navigate, click, type, scroll, screenshot, or read page state. Pass 'action' plus the relevant fields (url, selector, text, x, y, dx, dy)."
}

func (t *BrowserActionTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "One of: navigate, click, type, scroll, screenshot, get_content, get_url, get_title, get_mouse_position, get_screen_size.",
			},
			"url":      map[string]interface{}{"type": "string", "description": "Target URL for action=navigate."},
			"selector": map[string]interface{}{"type": "string", "description": "CSS selector for action=click/type."},
			"text":     map[string]interface{}{"type": "string", "description": "Text to type for action=type."},
			"x":        map[string]interface{}{"type": "number", "description": "X coordinate for action=click when no selector is given."},
			"y":        map[string]interface{}{"type": "number", "description": "Y coordinate for action=click when no selector is given."},
			"dx":       map[string]interface{}{"type": "number", "description": "Horizontal scroll delta for action=scroll."},
			"dy":       map[string]interface{}{"type": "number", "description": "Vertical scroll delta for action=scroll."},
		},
		"required": []string{"action"},
	}
}

func (t *BrowserActionTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action := stringArg(args, "action")
	switch action {
	case "navigate":
		return browserNavigate(t.session, stringArg(args, "url"))
	case "click":
		return browserClick(t.session, args)
	case "type":
		return browserType(t.session, args)
	case "scroll":
		return browserScroll(t.session, args)
	case "screenshot":
		return browserScreenshot(t.session, t.workspace)
	case "get_content":
		return browserGetContent(t.session)
	case "get_url":
		return browserGetURL(t.session)
	case "get_title":
		return browserGetTitle(t.session)
	case "get_mouse_position":
		return browserGetMousePosition(t.session)
	case "get_screen_size":
		return browserGetScreenSize(t.session)
	default:
		return ErrorResult(fmt.Sprintf("unknown browser_action action %q", action))
	}
}

// --- standalone tools (also individually selectable by the LLM; same risk group) ---

type ClickTool struct{ session *browserSession }

func NewClickTool(session *browserSession) *ClickTool { return &ClickTool{session: session} }
func (t *ClickTool) Name() string                      { return "click" }
func (t *ClickTool) Description() string {
	return "Click an element by CSS selector, or at specific page coordinates."
}
func (t *ClickTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"selector": map[string]interface{}{"type": "string", "description": "CSS selector of the element to click."},
			"x":        map[string]interface{}{"type": "number", "description": "X coordinate, used when selector is omitted."},
			"y":        map[string]interface{}{"type": "number", "description": "Y coordinate, used when selector is omitted."},
		},
	}
}
func (t *ClickTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return browserClick(t.session, args)
}

type TypeTool struct{ session *browserSession }

func NewTypeTool(session *browserSession) *TypeTool { return &TypeTool{session: session} }
func (t *TypeTool) Name() string                     { return "type" }
func (t *TypeTool) Description() string              { return "Type text into an element matched by CSS selector." }
func (t *TypeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"selector": map[string]interface{}{"type": "string", "description": "CSS selector of the input/textarea."},
			"text":     map[string]interface{}{"type": "string", "description": "Text to type."},
		},
		"required": []string{"selector", "text"},
	}
}
func (t *TypeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return browserType(t.session, args)
}

type ScrollTool struct{ session *browserSession }

func NewScrollTool(session *browserSession) *ScrollTool { return &ScrollTool{session: session} }
func (t *ScrollTool) Name() string                       { return "scroll" }
func (t *ScrollTool) Description() string                { return "Scroll the page by a pixel delta." }
func (t *ScrollTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"dx": map[string]interface{}{"type": "number", "description": "Horizontal scroll delta in pixels."},
			"dy": map[string]interface{}{"type": "number", "description": "Vertical scroll delta in pixels."},
		},
		"required": []string{"dy"},
	}
}
func (t *ScrollTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return browserScroll(t.session, args)
}

type ScreenshotTool struct {
	session   *browserSession
	workspace string
}

func NewScreenshotTool(session *browserSession, workspace string) *ScreenshotTool {
	return &ScreenshotTool{session: session, workspace: workspace}
}
func (t *ScreenshotTool) Name() string        { return "screenshot" }
func (t *ScreenshotTool) Description() string { return "Capture a screenshot of the current page. Returns a MEDIA: path." }
func (t *ScreenshotTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *ScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return browserScreenshot(t.session, t.workspace)
}

type GetContentTool struct{ session *browserSession }

func NewGetContentTool(session *browserSession) *GetContentTool { return &GetContentTool{session: session} }
func (t *GetContentTool) Name() string                           { return "get_content" }
func (t *GetContentTool) Description() string                    { return "Return the current page's HTML content." }
func (t *GetContentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *GetContentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return browserGetContent(t.session)
}

type GetURLTool struct{ session *browserSession }

func NewGetURLTool(session *browserSession) *GetURLTool { return &GetURLTool{session: session} }
func (t *GetURLTool) Name() string                       { return "get_url" }
func (t *GetURLTool) Description() string                { return "Return the current page URL." }
func (t *GetURLTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *GetURLTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return browserGetURL(t.session)
}

type GetTitleTool struct{ session *browserSession }

func NewGetTitleTool(session *browserSession) *GetTitleTool { return &GetTitleTool{session: session} }
func (t *GetTitleTool) Name() string                         { return "get_title" }
func (t *GetTitleTool) Description() string                  { return "Return the current page title." }
func (t *GetTitleTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *GetTitleTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return browserGetTitle(t.session)
}

type GetMousePositionTool struct{ session *browserSession }

func NewGetMousePositionTool(session *browserSession) *GetMousePositionTool {
	return &GetMousePositionTool{session: session}
}
func (t *GetMousePositionTool) Name() string        { return "get_mouse_position" }
func (t *GetMousePositionTool) Description() string { return "Return the last known mouse cursor position." }
func (t *GetMousePositionTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *GetMousePositionTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return browserGetMousePosition(t.session)
}

type GetScreenSizeTool struct{ session *browserSession }

func NewGetScreenSizeTool(session *browserSession) *GetScreenSizeTool {
	return &GetScreenSizeTool{session: session}
}
func (t *GetScreenSizeTool) Name() string        { return "get_screen_size" }
func (t *GetScreenSizeTool) Description() string { return "Return the browser viewport width and height." }
func (t *GetScreenSizeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *GetScreenSizeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return browserGetScreenSize(t.session)
}

// --- shared implementations ---

func browserNavigate(s *browserSession, url string) *Result {
	if url == "" {
		return ErrorResult("url is required")
	}
	page, err := s.ensure()
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := page.Navigate(url); err != nil {
		return ErrorResult(fmt.Sprintf("navigate failed: %v", err))
	}
	if err := page.WaitLoad(); err != nil {
		return ErrorResult(fmt.Sprintf("page load failed: %v", err))
	}
	return SilentResult(fmt.Sprintf("navigated to %s", url))
}

func browserClick(s *browserSession, args map[string]interface{}) *Result {
	page, err := s.ensure()
	if err != nil {
		return ErrorResult(err.Error())
	}

	if sel := stringArg(args, "selector"); sel != "" {
		el, err := page.Timeout(10 * time.Second).Element(sel)
		if err != nil {
			return ErrorResult(fmt.Sprintf("element %q not found: %v", sel, err))
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return ErrorResult(fmt.Sprintf("click failed: %v", err))
		}
		return SilentResult(fmt.Sprintf("clicked %q", sel))
	}

	x, xOK := floatArg(args, "x")
	y, yOK := floatArg(args, "y")
	if !xOK || !yOK {
		return ErrorResult("either selector or both x and y are required")
	}
	if err := page.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return ErrorResult(fmt.Sprintf("move failed: %v", err))
	}
	if err := page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return ErrorResult(fmt.Sprintf("click failed: %v", err))
	}
	s.mu.Lock()
	s.lastX, s.lastY = x, y
	s.mu.Unlock()
	return SilentResult(fmt.Sprintf("clicked at (%.0f, %.0f)", x, y))
}

func browserType(s *browserSession, args map[string]interface{}) *Result {
	sel := stringArg(args, "selector")
	text := stringArg(args, "text")
	if sel == "" || text == "" {
		return ErrorResult("selector and text are required")
	}

	page, err := s.ensure()
	if err != nil {
		return ErrorResult(err.Error())
	}
	el, err := page.Timeout(10 * time.Second).Element(sel)
	if err != nil {
		return ErrorResult(fmt.Sprintf("element %q not found: %v", sel, err))
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return ErrorResult(fmt.Sprintf("focus failed: %v", err))
	}
	if err := el.Input(text); err != nil {
		return ErrorResult(fmt.Sprintf("type failed: %v", err))
	}
	return SilentResult(fmt.Sprintf("typed into %q", sel))
}

func browserScroll(s *browserSession, args map[string]interface{}) *Result {
	dx, _ := floatArg(args, "dx")
	dy, ok := floatArg(args, "dy")
	if !ok {
		return ErrorResult("dy is required")
	}

	page, err := s.ensure()
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := page.Mouse.Scroll(dx, dy, 1); err != nil {
		return ErrorResult(fmt.Sprintf("scroll failed: %v", err))
	}
	return SilentResult(fmt.Sprintf("scrolled by (%.0f, %.0f)", dx, dy))
}

func browserScreenshot(s *browserSession, workspace string) *Result {
	page, err := s.ensure()
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := page.Screenshot(false, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("screenshot failed: %v", err))
	}

	dir := workspace
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("browser_screenshot_%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to save screenshot: %v", err))
	}
	return &Result{ForLLM: fmt.Sprintf("MEDIA:%s", path)}
}

func browserGetContent(s *browserSession) *Result {
	page, err := s.ensure()
	if err != nil {
		return ErrorResult(err.Error())
	}
	html, err := page.HTML()
	if err != nil {
		return ErrorResult(fmt.Sprintf("get_content failed: %v", err))
	}
	return SilentResult(html)
}

func browserGetURL(s *browserSession) *Result {
	page, err := s.ensure()
	if err != nil {
		return ErrorResult(err.Error())
	}
	info, err := page.Info()
	if err != nil {
		return ErrorResult(fmt.Sprintf("get_url failed: %v", err))
	}
	return SilentResult(info.URL)
}

func browserGetTitle(s *browserSession) *Result {
	page, err := s.ensure()
	if err != nil {
		return ErrorResult(err.Error())
	}
	info, err := page.Info()
	if err != nil {
		return ErrorResult(fmt.Sprintf("get_title failed: %v", err))
	}
	return SilentResult(info.Title)
}

func browserGetMousePosition(s *browserSession) *Result {
	s.mu.Lock()
	x, y := s.lastX, s.lastY
	s.mu.Unlock()
	return SilentResult(fmt.Sprintf("{\"x\":%.0f,\"y\":%.0f}", x, y))
}

func browserGetScreenSize(s *browserSession) *Result {
	page, err := s.ensure()
	if err != nil {
		return ErrorResult(err.Error())
	}
	metrics, err := proto.PageGetLayoutMetrics{}.Call(page)
	if err != nil {
		return ErrorResult(fmt.Sprintf("get_screen_size failed: %v", err))
	}
	w, h := metrics.CSSLayoutViewport.ClientWidth, metrics.CSSLayoutViewport.ClientHeight
	return SilentResult(fmt.Sprintf("{\"width\":%d,\"height\":%d}", w, h))
}

// BrowserTools is the shared handle returned by RegisterBrowserTools so the
// composition root can close the underlying Chrome process on shutdown.
type BrowserTools struct {
	session *browserSession
}

// Close tears down the shared headless browser, if one was ever launched.
func (b *BrowserTools) Close() {
	b.session.close()
}

// RegisterBrowserTools wires one shared headless-Chrome session into the
// full browser_action/click/type/scroll/... tool group (§4.5) and records
// the group under "browser" for tool-policy filtering.
func RegisterBrowserTools(reg *Registry, workspace string) *BrowserTools {
	session := newBrowserSession()
	names := []string{
		"browser_action", "click", "type", "scroll", "screenshot",
		"get_content", "get_url", "get_title", "get_mouse_position", "get_screen_size",
	}
	reg.Register(NewBrowserActionTool(session, workspace))
	reg.Register(NewClickTool(session))
	reg.Register(NewTypeTool(session))
	reg.Register(NewScrollTool(session))
	reg.Register(NewScreenshotTool(session, workspace))
	reg.Register(NewGetContentTool(session))
	reg.Register(NewGetURLTool(session))
	reg.Register(NewGetTitleTool(session))
	reg.Register(NewGetMousePositionTool(session))
	reg.Register(NewGetScreenSizeTool(session))
	RegisterToolGroup("browser", names)
	return &BrowserTools{session: session}
}
