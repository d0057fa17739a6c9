package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"corelink/util"
)

const (
	DefaultTestURL = "https://www.gstatic.com/generate_204"

	// GLOBAL is a virtual group listed by clash controllers; nothing routes
	// through it in the generated config.
	globalSelectorName = "GLOBAL"
	forceSelectTimeout = 10 * time.Second
)

// ClashAPI talks to the Clash compatible REST controller exposed by the
// engine (sing-box experimental.clash_api, mihomo external-controller).
type ClashAPI struct {
	Addr    string
	Secret  string
	TestURL string
	// PreferredGroup is reported by ActiveSelectorGroup when present.
	PreferredGroup string

	client *http.Client
}

func NewClashAPI(addr, secret string) *ClashAPI {
	return &ClashAPI{
		Addr:    strings.TrimSpace(addr),
		Secret:  secret,
		TestURL: DefaultTestURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type clashProxy struct {
	Type string   `json:"type"`
	Now  string   `json:"now"`
	All  []string `json:"all"`
}

func (c *ClashAPI) request(ctx context.Context, method, path string, body any, client *http.Client) (*http.Response, error) {
	if c == nil || c.Addr == "" {
		return nil, fmt.Errorf("clash api address is not configured")
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.Addr+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", util.VersionName())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.Secret)
	}
	if client == nil {
		client = c.client
	}
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		msg = parsed.Message
	}
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("clash api %s: %s", resp.Request.URL.Path, msg)
}

// Version doubles as the readiness check of an engine instance.
func (c *ClashAPI) Version(ctx context.Context) (string, error) {
	resp, err := c.request(ctx, http.MethodGet, "/version", nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readAPIError(resp)
	}
	var out struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Version, nil
}

func (c *ClashAPI) SelectorGroups(ctx context.Context) ([]SelectorGroup, error) {
	resp, err := c.request(ctx, http.MethodGet, "/proxies", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	var out struct {
		Proxies map[string]clashProxy `json:"proxies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode proxies: %w", err)
	}
	groups := make([]SelectorGroup, 0, 4)
	for name, proxy := range out.Proxies {
		if !strings.EqualFold(strings.TrimSpace(proxy.Type), "selector") {
			continue
		}
		if name == globalSelectorName {
			continue
		}
		groups = append(groups, SelectorGroup{
			Name: name,
			Type: proxy.Type,
			Now:  proxy.Now,
			All:  append([]string(nil), proxy.All...),
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

func (c *ClashAPI) ActiveSelectorGroup(ctx context.Context) (SelectorGroup, error) {
	groups, err := c.SelectorGroups(ctx)
	if err != nil {
		return SelectorGroup{}, err
	}
	if len(groups) == 0 {
		return SelectorGroup{}, fmt.Errorf("engine reports no selector group")
	}
	for _, group := range groups {
		if group.Name == c.PreferredGroup {
			return group, nil
		}
	}
	return groups[0], nil
}

func (c *ClashAPI) selectIn(ctx context.Context, group, node string) error {
	group = strings.TrimSpace(group)
	node = strings.TrimSpace(node)
	if group == "" || node == "" {
		return fmt.Errorf("group and node are required")
	}
	resp, err := c.request(ctx, http.MethodPut, "/proxies/"+url.PathEscape(group), map[string]string{"name": node}, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}

func (c *ClashAPI) SelectOutbound(ctx context.Context, group, node string) error {
	return c.selectIn(ctx, group, node)
}

// Group reads a single proxy group back from the controller.
func (c *ClashAPI) Group(ctx context.Context, group string) (SelectorGroup, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return SelectorGroup{}, fmt.Errorf("group is required")
	}
	resp, err := c.request(ctx, http.MethodGet, "/proxies/"+url.PathEscape(group), nil, nil)
	if err != nil {
		return SelectorGroup{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return SelectorGroup{}, readAPIError(resp)
	}
	var out clashProxy
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SelectorGroup{}, fmt.Errorf("decode group %s: %w", group, err)
	}
	return SelectorGroup{Name: group, Type: out.Type, Now: out.Now, All: out.All}, nil
}

// ForceSelect is the lower level switch path. It issues the selection on a
// fresh connection, closes the engine's tracked connections so that open flows
// leave the old node, and reads the group back. The switch only counts when
// the routing group reports node as its current member.
func (c *ClashAPI) ForceSelect(ctx context.Context, group, node string) error {
	group = strings.TrimSpace(group)
	node = strings.TrimSpace(node)
	if group == "" || node == "" {
		return fmt.Errorf("group and node are required")
	}
	fresh := &http.Client{
		Timeout:   forceSelectTimeout,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	resp, err := c.request(ctx, http.MethodPut, "/proxies/"+url.PathEscape(group), map[string]string{"name": node}, fresh)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		err := readAPIError(resp)
		resp.Body.Close()
		return err
	}
	resp.Body.Close()

	resp, err = c.request(ctx, http.MethodDelete, "/connections", nil, fresh)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		err := readAPIError(resp)
		resp.Body.Close()
		return err
	}
	resp.Body.Close()

	current, err := c.Group(ctx, group)
	if err != nil {
		return fmt.Errorf("verify %s: %w", group, err)
	}
	if current.Now != node {
		return fmt.Errorf("group %s still routes through %q", group, current.Now)
	}
	return nil
}

func (c *ClashAPI) TestGroupLatency(ctx context.Context, group string, timeout time.Duration) (map[string]int, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, fmt.Errorf("group is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	testURL := strings.TrimSpace(c.TestURL)
	if testURL == "" {
		testURL = DefaultTestURL
	}
	query := url.Values{}
	query.Set("url", testURL)
	query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	path := "/group/" + url.PathEscape(group) + "/delay?" + query.Encode()

	client := &http.Client{Timeout: timeout + 2*time.Second}
	resp, err := c.request(ctx, http.MethodGet, path, nil, client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	out := make(map[string]int)
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode group delay: %w", err)
	}
	return out, nil
}
