package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/lengmodkx/spider-mall/internal/config"
)

const (
	browserInitTimeout   = 30 * time.Second
	stealthScriptTimeout = 5 * time.Second
)

// 渲染页面时屏蔽的资源，只需要 HTML 与内联脚本
var blockedResources = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mp3",
	"*google-analytics*",
	"*googletagmanager*",
	"*doubleclick*",
}

// PageLoader 返回渲染后的页面 HTML。
type PageLoader interface {
	Load(ctx context.Context, url string) (string, error)
}

// BrowserLoader 基于 rod 的 PageLoader，浏览器在首次使用时启动。
type BrowserLoader struct {
	cfg     config.BrowserConfig
	logger  *slog.Logger
	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowserLoader 创建惰性启动的浏览器加载器。
func NewBrowserLoader(cfg config.BrowserConfig, logger *slog.Logger) *BrowserLoader {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 45 * time.Second
	}
	return &BrowserLoader{cfg: cfg, logger: logger}
}

// Load 打开新页面（注入 stealth 脚本）、导航到 url 并返回 HTML。
func (b *BrowserLoader) Load(ctx context.Context, target string) (string, error) {
	browser, err := b.ensure(ctx)
	if err != nil {
		return "", err
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}
	defer func() { _ = page.Close() }()

	stealthDone := make(chan error, 1)
	go func() {
		_, evalErr := page.EvalOnNewDocument(stealth.JS)
		stealthDone <- evalErr
	}()
	stealthTimer := time.NewTimer(stealthScriptTimeout)
	defer stealthTimer.Stop()
	select {
	case err := <-stealthDone:
		if err != nil {
			return "", fmt.Errorf("apply stealth script: %w", err)
		}
	case <-stealthTimer.C:
		return "", fmt.Errorf("apply stealth script timeout after %v", stealthScriptTimeout)
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled during stealth script: %w", ctx.Err())
	}

	if err := (proto.NetworkSetBlockedURLs{Urls: blockedResources}).Call(page); err != nil {
		b.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      userAgents[0],
		AcceptLanguage: "zh-CN,zh;q=0.9",
	}); err != nil {
		b.logger.Warn("set user agent failed", slog.String("error", err.Error()))
	}

	p := page.Timeout(b.cfg.PageTimeout)
	if err := p.Navigate(target); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}
	html, err := p.HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	if isBlocked([]byte(html)) {
		return "", ErrBlocked
	}
	return html, nil
}

// Close 关闭浏览器（未启动时为空操作）。
func (b *BrowserLoader) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}

func (b *BrowserLoader) ensure(ctx context.Context) (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}
	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()
	browser, err := startBrowser(initCtx, b.cfg, b.logger)
	if err != nil {
		return nil, err
	}
	b.browser = browser
	return b.browser, nil
}

func startBrowser(ctx context.Context, cfg config.BrowserConfig, logger *slog.Logger) (*rod.Browser, error) {
	bin := cfg.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	// 容器环境下的启动参数
	l := launcher.New().
		Headless(cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("remote-allow-origins", "*").
		Set("disk-cache-size", "1").
		Set("media-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	proxyServer, proxyUser, proxyPass, err := parseProxy(cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	if proxyServer != "" {
		l = l.Proxy(proxyServer)
		logger.Info("using http proxy", slog.String("server", proxyServer))
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	// ctx 只约束启动过程，浏览器本身的生命周期由 Close 控制
	browser = browser.Context(context.Background())
	if proxyUser != "" {
		go browser.MustHandleAuth(proxyUser, proxyPass)()
		logger.Info("proxy authentication handler registered")
	}

	mode := "direct"
	if proxyServer != "" {
		mode = "proxy"
	}
	logger.Info("browser started", slog.String("bin", bin), slog.String("mode", mode))
	return browser, nil
}

// parseProxy 拆分代理 URL 中的地址与认证信息，raw 为空时全部返回空串。
func parseProxy(raw string) (server, user, pass string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", "", nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("parse proxy url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", "", errors.New("invalid proxy url: " + raw)
	}
	server = parsed.Scheme + "://" + parsed.Host
	if parsed.User != nil {
		user = parsed.User.Username()
		pass, _ = parsed.User.Password()
	}
	return server, user, pass, nil
}
