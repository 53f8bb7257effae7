package xmlrpc

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// defaultUserAgent identifies this mirror's change-log poller to upstream.
// Callers are expected to override it with their own server name/version by
// setting Client.UserAgent.
const defaultUserAgent = "pypimirror-xmlrpc/1"

// Client is an XML-RPC client scoped to the two calls the mirror core needs
// from PyPI's changelog service. Every method follows the upstream
// implementation's contract: it never returns an error to the caller.
// Transport failures, non-200 responses, faults, and decode errors all
// collapse to an ok=false return, leaving the caller to treat "upstream is
// unreachable" and "upstream sent garbage" identically, the way
// XMLProxy._execute does.
type Client struct {
	// Endpoint is the XML-RPC URL, e.g. "https://pypi.python.org/pypi".
	Endpoint string
	// HTTP is the client used for requests. If nil, http.DefaultClient is
	// used.
	HTTP *http.Client
	// UserAgent overrides defaultUserAgent if non-empty.
	UserAgent string
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return defaultUserAgent
}

// call performs one XML-RPC round trip and returns the decoded top-level
// value. ok is false for any failure whatsoever; the underlying error is
// discarded.
func (c *Client) call(ctx context.Context, method string, args ...any) (v value, ok bool) {
	body, err := encodeRequest(method, args...)
	if err != nil {
		return value{}, false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return value{}, false
	}
	req.Header.Set("Content-Type", "text/xml")
	req.Header.Set("Accept", "text/xml")
	req.Header.Set("User-Agent", c.userAgent())

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return value{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return value{}, false
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return value{}, false
	}
	v, err = decodeResponse(respBody)
	if err != nil {
		return value{}, false
	}
	return v, true
}

// ListPackagesWithSerial calls the list_packages_with_serial XML-RPC method,
// returning the full project name -> serial table PyPI knows about. ok is
// false if upstream could not be reached or returned something unparseable;
// callers must not treat a false ok as "no packages".
func (c *Client) ListPackagesWithSerial(ctx context.Context) (serials map[string]int64, ok bool) {
	v, ok := c.call(ctx, "list_packages_with_serial")
	if !ok {
		return nil, false
	}
	m := v.asStruct()
	if m == nil {
		return nil, false
	}
	out := make(map[string]int64, len(m))
	for name, sv := range m {
		n, err := sv.asInt()
		if err != nil {
			return nil, false
		}
		out[name] = n
	}
	return out, true
}

// ChangeEntry is one row of the upstream change log: a project whose
// metadata or files changed as of Serial.
type ChangeEntry struct {
	Name      string
	Version   string
	Action    string
	Timestamp int64
	Serial    int64
}

// ChangelogSinceSerial calls the changelog_since_serial XML-RPC method,
// returning every change recorded strictly after since. ok is false on any
// transport or decode failure, mirroring Client.call.
func (c *Client) ChangelogSinceSerial(ctx context.Context, since int64) (entries []ChangeEntry, ok bool) {
	v, ok := c.call(ctx, "changelog_since_serial", since)
	if !ok {
		return nil, false
	}
	rows := v.asArray()
	out := make([]ChangeEntry, 0, len(rows))
	for _, row := range rows {
		cols := row.asArray()
		if len(cols) < 5 {
			return nil, false
		}
		ts, err := cols[3].asInt()
		if err != nil {
			return nil, false
		}
		serial, err := cols[4].asInt()
		if err != nil {
			return nil, false
		}
		out = append(out, ChangeEntry{
			Name:      cols[0].asString(),
			Version:   cols[1].asString(),
			Action:    cols[2].asString(),
			Timestamp: ts,
			Serial:    serial,
		})
	}
	return out, true
}
