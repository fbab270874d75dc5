// Package extract fetches a web page and reduces it to the readable text a
// classifier can judge.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"
)

const (
	defaultMaxBytes  = 2 << 20
	defaultUserAgent = "verity/0.1 (+content analysis)"
)

var (
	ErrNoContent   = errors.New("page has no readable text")
	ErrTooLarge    = errors.New("page exceeds size limit")
	ErrUnsupported = errors.New("unsupported content type")
	ErrBlockedHost = errors.New("refusing to fetch a private or loopback address")
)

// Extractor downloads pages over HTTP. The zero value is not usable; use New.
type Extractor struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

type Option func(*Extractor)

// WithMaxChars truncates extracted text to n characters.
func WithMaxChars(n int) Option {
	return func(e *Extractor) { e.maxChars = n }
}

func WithMaxBytes(n int64) Option {
	return func(e *Extractor) { e.maxBytes = n }
}

// New returns an Extractor using client. A nil client gets one that refuses
// to dial private, loopback and link-local addresses.
func New(client *http.Client, opts ...Option) *Extractor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second, Transport: publicTransport()}
	}
	e := &Extractor{client: client, maxBytes: defaultMaxBytes}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract fetches rawURL and returns its visible text.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "text/html, text/plain;q=0.9")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch failed with status %d", resp.StatusCode)
	}

	body, err := readBounded(resp.Body, e.maxBytes)
	if err != nil {
		return "", err
	}

	var text string
	switch mediaType(resp.Header.Get("Content-Type")) {
	case "text/html", "application/xhtml+xml", "":
		text, err = Text(bytes.NewReader(body))
		if err != nil {
			return "", err
		}
	case "text/plain":
		text = collapse(string(body))
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, resp.Header.Get("Content-Type"))
	}

	if text == "" {
		return "", ErrNoContent
	}
	return truncate(text, e.maxChars), nil
}

// Text returns the visible text of an HTML document, one block per line.
func Text(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var b strings.Builder
	walk(&b, doc)
	return collapse(b.String()), nil
}

func walk(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if skip(n.Data) {
			return
		}
	}
	block := n.Type == html.ElementNode && isBlock(n.Data)
	if block {
		b.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(b, c)
	}
	if block {
		b.WriteByte('\n')
	}
}

func skip(tag string) bool {
	switch strings.ToLower(tag) {
	case "script", "style", "noscript", "template", "svg", "iframe", "head", "nav", "footer", "form":
		return true
	}
	return false
}

func isBlock(tag string) bool {
	switch strings.ToLower(tag) {
	case "p", "div", "br", "li", "ul", "ol", "section", "article", "header", "main",
		"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "pre", "tr", "table", "aside", "figcaption":
		return true
	}
	return false
}

// collapse squeezes runs of whitespace within a line and drops blank lines.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return strings.TrimSpace(string(runes[:maxChars]))
}

func publicTransport() *http.Transport {
	d := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				return fmt.Errorf("%w: %s", ErrBlockedHost, host)
			}
			return nil
		},
	}
	return &http.Transport{
		DialContext:         d.DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        10,
	}
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}

func readBounded(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}
