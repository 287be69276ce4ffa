package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodNavigator opens pages as new targets in a Chrome instance reached over
// the DevTools protocol. The connection is made on first use and reused.
type RodNavigator struct {
	remoteURL string
	logger    *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

func NewRodNavigator(remoteURL string, logger *slog.Logger) *RodNavigator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RodNavigator{remoteURL: strings.TrimSpace(remoteURL), logger: logger}
}

func (n *RodNavigator) Open(ctx context.Context, pageURL string) error {
	browser, err := n.connect()
	if err != nil {
		return err
	}
	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: pageURL})
	if err != nil {
		n.reset()
		return fmt.Errorf("navigator: open %s: %w", pageURL, err)
	}
	n.logger.Info("navigator: opened page", "url", pageURL, "target", page.TargetID)
	return nil
}

func (n *RodNavigator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.browser == nil {
		return nil
	}
	err := n.browser.Close()
	n.browser = nil
	return err
}

func (n *RodNavigator) connect() (*rod.Browser, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.browser != nil {
		return n.browser, nil
	}
	if n.remoteURL == "" {
		return nil, ErrFacilityUnavailable
	}
	wsURL, err := launcher.ResolveURL(n.remoteURL)
	if err != nil {
		return nil, fmt.Errorf("navigator: resolve %s: %w", n.remoteURL, err)
	}
	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("navigator: connect: %w", err)
	}
	n.logger.Info("navigator: connected to browser", "url", wsURL)
	n.browser = browser
	return browser, nil
}

func (n *RodNavigator) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.browser = nil
}
