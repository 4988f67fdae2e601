package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// chromedpDriver drives a headless Chrome process through the DevTools
// protocol. One driver owns one browser process with one tab.
type chromedpDriver struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	cfg         Config
	logger      *zap.Logger
	mu          sync.Mutex
}

// NewChromedpFactory returns a DriverFactory that launches Chrome via
// chromedp with the given logger.
func NewChromedpFactory(logger *zap.Logger) DriverFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(cfg Config) (Driver, error) {
		return newChromedpDriver(cfg, logger)
	}
}

func newChromedpDriver(cfg Config, logger *zap.Logger) (*chromedpDriver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	d := &chromedpDriver{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "chromedp_driver")),
	}

	if err := chromedp.Run(ctx); err != nil {
		allocCancel()
		cancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	d.logger.Info("chromedp browser started",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_w", cfg.ViewportWidth),
		zap.Int("viewport_h", cfg.ViewportHeight))
	return d, nil
}

var _ Driver = (*chromedpDriver)(nil)

// run executes actions against the browser tab with the per-action timeout.
func (d *chromedpDriver) run(actions ...chromedp.Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx := d.ctx
	if d.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(d.ctx, d.cfg.ActionTimeout)
		defer cancel()
	}
	return chromedp.Run(ctx, actions...)
}

func (d *chromedpDriver) Navigate(ctx context.Context, url string) error {
	d.logger.Debug("navigating", zap.String("url", url))
	if err := d.run(chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (d *chromedpDriver) Click(ctx context.Context, selector string) error {
	d.logger.Debug("clicking", zap.String("selector", selector))
	if err := d.run(chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click on %q failed: %w", selector, err)
	}
	return nil
}

func (d *chromedpDriver) Type(ctx context.Context, selector, text string) error {
	d.logger.Debug("typing", zap.String("selector", selector), zap.Int("chars", len(text)))
	if err := d.run(chromedp.SendKeys(selector, text, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("typing into %q failed: %w", selector, err)
	}
	return nil
}

func (d *chromedpDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

func (d *chromedpDriver) ExtractText(ctx context.Context, selector string) (string, error) {
	var text string
	if err := d.run(chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("text extraction from %q failed: %w", selector, err)
	}
	return text, nil
}

func (d *chromedpDriver) WaitVisible(ctx context.Context, selector string) error {
	if err := d.run(chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q failed: %w", selector, err)
	}
	return nil
}

func (d *chromedpDriver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := d.run(chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to get URL: %w", err)
	}
	return url, nil
}

func (d *chromedpDriver) Title(ctx context.Context) (string, error) {
	var title string
	if err := d.run(chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("failed to get title: %w", err)
	}
	return title, nil
}

func (d *chromedpDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("closing chromedp browser")
	d.cancel()
	d.allocCancel()
	return nil
}
