package toolregistry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/neul-labs/openclaw/pkg/sandbox"
)

// browseRunner owns one lazily launched headless browser shared by all
// browse invocations.
type browseRunner struct {
	mu      sync.Mutex
	browser *rod.Browser
}

func (b *browseRunner) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return b.browser, nil
	}

	url, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch headless browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	log.Info().Msg("Headless browser launched for browse tool")

	b.browser = browser
	return browser, nil
}

// Close shuts the shared browser down
func (b *browseRunner) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}

// BrowseTool returns the builtin that fetches a page's visible text
// with a headless browser. The runner is returned so the daemon can
// close the browser at shutdown. Disabled by default in config.
func BrowseTool() (Definition, *browseRunner) {
	runner := &browseRunner{}

	def := Definition{
		Name:        "browse",
		Description: "Fetch a web page and return its title and visible text content.",
		Parameters: []Parameter{
			{
				Name:        "url",
				Type:        "string",
				Description: "The http or https URL to fetch",
				Required:    true,
			},
		},
		Execute: func(ctx context.Context, params map[string]interface{}, _ *sandbox.Handle) (interface{}, error) {
			target, _ := params["url"].(string)
			if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
				return nil, fmt.Errorf("url must start with http:// or https://")
			}

			browser, err := runner.connect()
			if err != nil {
				return nil, err
			}

			page, err := browser.Page(proto.TargetCreateTarget{})
			if err != nil {
				return nil, fmt.Errorf("failed to create page: %w", err)
			}
			defer func() { _ = page.Close() }()

			page = page.Context(ctx).Timeout(30 * time.Second)

			if err := page.Navigate(target); err != nil {
				return nil, fmt.Errorf("failed to navigate to %s: %w", target, err)
			}
			if err := page.WaitLoad(); err != nil {
				return nil, fmt.Errorf("page load timeout: %w", err)
			}

			info, err := page.Info()
			if err != nil {
				return nil, fmt.Errorf("failed to read page info: %w", err)
			}

			text, err := page.Eval(`() => document.body.innerText`)
			if err != nil {
				return nil, fmt.Errorf("failed to extract text: %w", err)
			}

			return map[string]interface{}{
				"url":   info.URL,
				"title": info.Title,
				"text":  text.Value.String(),
			}, nil
		},
	}

	return def, runner
}
