// Package preview renders a session's step grid to a PNG with headless
// Chrome. Previews are optional: when no chromium binary is on PATH the
// HTTP layer answers 503 and everything else keeps working.
package preview

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/adewale/keyboardia-sub010/internal/store"
)

const (
	cardWidth     = 1200
	cardHeight    = 630
	renderTimeout = 30 * time.Second
)

// ErrUnavailable means no chromium binary could be found.
var ErrUnavailable = errors.New("preview renderer unavailable")

// Renderer screenshots session cards. Each render runs its own
// short-lived browser, so the zero value of the process carries no
// state between requests.
type Renderer struct {
	timeout time.Duration
}

func NewRenderer() *Renderer {
	return &Renderer{timeout: renderTimeout}
}

// Available reports whether a chromium binary is on PATH.
func Available() bool {
	if _, err := exec.LookPath("chromium-browser"); err == nil {
		return true
	}
	_, err := exec.LookPath("chromium")
	return err == nil
}

// Render draws the record's step grid and returns PNG bytes.
func (r *Renderer) Render(ctx context.Context, rec *store.SessionRecord) ([]byte, error) {
	if !Available() {
		return nil, fmt.Errorf("%w: chromium not installed", ErrUnavailable)
	}

	html, err := renderCard(rec)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	// url.QueryEscape would encode spaces as +, which data URLs read
	// literally, so the card is percent-encoded by hand.
	dataURL := "data:text/html;charset=utf-8," + percentEncodeForDataURL(html)

	var png []byte
	err = chromedp.Run(taskCtx,
		chromedp.EmulateViewport(cardWidth, cardHeight),
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			png, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome screenshot failed: %w", err)
	}
	return png, nil
}

// percentEncodeForDataURL encodes a string for use in a data URL.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range []byte(string(r)) {
				result.WriteString(fmt.Sprintf("%%%02X", b))
			}
		}
	}
	return result.String()
}
