// Package web implements the backend Connector over the Gemini web app's
// cookie-authenticated endpoints. Everything here reverse-engineers an
// unofficial surface: the session is established by scraping an XSRF token
// from the app shell, and generate calls go through the batchexecute RPC
// envelope. Layers above depend only on the gemini.Connector contract.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"gemini-bridge/internal/credentials"
	"gemini-bridge/internal/gemini"
)

const (
	baseURL     = "https://gemini.google.com"
	appURL      = baseURL + "/app"
	generateURL = baseURL + "/_/BardChatUi/data/assistant.lamda.BardFrontendService/StreamGenerate"

	cookiePSID   = "__Secure-1PSID"
	cookiePSIDTS = "__Secure-1PSIDTS"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

var xsrfPattern = regexp.MustCompile(`"SNlM0e":"(.*?)"`)

// Per-model request headers the web app sends to pin a model variant. The
// baseline model needs none.
var modelHeaders = map[string]string{
	"gemini-2.0-flash-thinking": `[1,"9c17b1863f581b8a",null,null,null,[1]]`,
	"gemini-2.5-flash":          `[1,"35609594dbe934d8",null,null,null,[1]]`,
	"gemini-2.5-pro":            `[1,"2525e3954d185b3c",null,null,null,[1]]`,
}

// Client is a cookie-authenticated connection to the Gemini web app.
type Client struct {
	http *http.Client

	mu   sync.Mutex
	xsrf string
}

// Dial establishes an authenticated connection. It satisfies gemini.Dialer.
func Dial(ctx context.Context, creds credentials.Credentials, timeout time.Duration) (gemini.Connector, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	jar.SetCookies(base, []*http.Cookie{
		{Name: cookiePSID, Value: creds.PSID, Domain: ".google.com", Path: "/", Secure: true},
		{Name: cookiePSIDTS, Value: creds.PSIDTS, Domain: ".google.com", Path: "/", Secure: true},
	})

	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: true,
	}
	if creds.Proxy != "" {
		proxyURL, err := url.Parse(creds.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy address %q: %w", creds.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &Client{
		http: &http.Client{
			Jar:       jar,
			Timeout:   timeout,
			Transport: transport,
		},
	}

	if err := client.refreshXSRF(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// refreshXSRF loads the app shell and scrapes the SNlM0e token every
// authenticated RPC must carry. A shell without the token means the
// cookies were not accepted.
func (c *Client) refreshXSRF(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, appURL, nil)
	if err != nil {
		return fmt.Errorf("build init request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", gemini.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: app shell returned status %d", gemini.ErrAuthentication, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: app shell returned status %d", gemini.ErrBackendUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read app shell: %v", gemini.ErrBackendUnavailable, err)
	}

	match := xsrfPattern.FindSubmatch(body)
	if match == nil {
		return fmt.Errorf("%w: no XSRF token in app shell, cookies likely expired", gemini.ErrAuthentication)
	}

	c.mu.Lock()
	c.xsrf = string(match[1])
	c.mu.Unlock()
	return nil
}

// Generate performs one StreamGenerate round trip. Despite the endpoint
// name the full response arrives in a single envelope.
func (c *Client) Generate(ctx context.Context, prompt, model string) (string, error) {
	c.mu.Lock()
	xsrf := c.xsrf
	c.mu.Unlock()

	inner, err := json.Marshal([]any{[]any{prompt}, nil, []any{"", "", ""}})
	if err != nil {
		return "", fmt.Errorf("encode prompt payload: %w", err)
	}
	outer, err := json.Marshal([]any{nil, string(inner)})
	if err != nil {
		return "", fmt.Errorf("encode request envelope: %w", err)
	}

	form := url.Values{}
	form.Set("f.req", string(outer))
	form.Set("at", xsrf)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, generateURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	req.Header.Set("User-Agent", userAgent)
	if header, ok := modelHeaders[model]; ok {
		req.Header.Set("X-Goog-Ext-525001261-Jspb", header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", gemini.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: generate returned status %d", gemini.ErrAuthentication, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: generate returned status %d", gemini.ErrBackendUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read generate response: %v", gemini.ErrBackendUnavailable, err)
	}

	text, err := decodeCandidateText(body)
	if err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return text, nil
}

// RotatingCookie reads the current rotating token back out of the jar; the
// server reissues it via Set-Cookie on regular responses.
func (c *Client) RotatingCookie() (string, bool) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", false
	}
	for _, cookie := range c.http.Jar.Cookies(base) {
		if cookie.Name == cookiePSIDTS {
			return cookie.Value, true
		}
	}
	return "", false
}

// Close releases idle connections. The web session itself has no teardown
// handshake.
func (c *Client) Close() error {
	if transport, ok := c.http.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

// decodeCandidateText digs the first candidate's text out of the
// batchexecute envelope: an anti-hijacking prefix, then framed JSON arrays
// where the "wrb.fr" element carries a JSON-encoded payload whose candidate
// list sits at index 4.
func decodeCandidateText(body []byte) (string, error) {
	content := strings.TrimPrefix(string(body), ")]}'")

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}

		var frames []any
		if err := json.Unmarshal([]byte(line), &frames); err != nil {
			continue
		}

		for _, frame := range frames {
			parts, ok := frame.([]any)
			if !ok || len(parts) < 3 {
				continue
			}
			if kind, _ := parts[0].(string); kind != "wrb.fr" {
				continue
			}
			payloadRaw, ok := parts[2].(string)
			if !ok || payloadRaw == "" {
				continue
			}

			var payload []any
			if err := json.Unmarshal([]byte(payloadRaw), &payload); err != nil {
				continue
			}
			if text, ok := candidateText(payload); ok {
				return text, nil
			}
		}
	}

	return "", errors.New("no candidate text in response envelope")
}

func candidateText(payload []any) (string, bool) {
	candidates, ok := index(payload, 4)
	if !ok {
		return "", false
	}
	first, ok := index(candidates, 0)
	if !ok {
		return "", false
	}
	textParts, ok := index(first, 1)
	if !ok {
		return "", false
	}
	list, ok := textParts.([]any)
	if !ok || len(list) == 0 {
		return "", false
	}
	text, ok := list[0].(string)
	return text, ok
}

func index(value any, i int) (any, bool) {
	list, ok := value.([]any)
	if !ok || i >= len(list) {
		return nil, false
	}
	return list[i], true
}
