package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Outbound is a node share URI translated into a sing-box outbound.
type Outbound struct {
	Scheme   string
	Server   string
	NameHint string
	Fields   map[string]any
}

// Tagged returns a copy of the outbound fields with the given tag.
func (o Outbound) Tagged(tag string) map[string]any {
	out := make(map[string]any, len(o.Fields)+1)
	for k, v := range o.Fields {
		out[k] = v
	}
	out["tag"] = tag
	return out
}

func ParseNodeURI(raw string) (Outbound, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Outbound{}, fmt.Errorf("empty node uri")
	}
	idx := strings.Index(raw, "://")
	if idx <= 0 {
		return Outbound{}, fmt.Errorf("node uri has no scheme")
	}
	switch strings.ToLower(raw[:idx]) {
	case "ss":
		return parseShadowsocks(raw)
	case "vmess":
		return parseVMess(raw)
	case "vless":
		return parseVLESS(raw)
	case "trojan":
		return parseTrojan(raw)
	case "hy2", "hysteria2":
		return parseHysteria2(raw)
	case "tuic":
		return parseTUIC(raw)
	default:
		return Outbound{}, fmt.Errorf("unsupported node scheme %q", raw[:idx])
	}
}

func parseShadowsocks(raw string) (Outbound, error) {
	body := raw[strings.Index(raw, "://")+3:]
	fragment := ""
	if idx := strings.Index(body, "#"); idx >= 0 {
		fragment = body[idx+1:]
		body = body[:idx]
	}
	query := ""
	if idx := strings.Index(body, "?"); idx >= 0 {
		query = body[idx+1:]
		body = body[:idx]
	}
	var cred, server string
	if at := strings.LastIndex(body, "@"); at >= 0 {
		// SIP002: ss://userinfo@host:port
		cred, server = body[:at], body[at+1:]
		if unescaped, err := url.PathUnescape(cred); err == nil {
			cred = unescaped
		}
	} else {
		// legacy: ss://base64(method:password@host:port)
		decoded, err := decodeBase64Loose(body)
		if err != nil {
			return Outbound{}, fmt.Errorf("invalid ss uri body")
		}
		at := strings.LastIndex(decoded, "@")
		if at <= 0 || at >= len(decoded)-1 {
			return Outbound{}, fmt.Errorf("invalid ss decoded payload")
		}
		cred, server = decoded[:at], decoded[at+1:]
	}
	server = strings.TrimSuffix(strings.TrimSpace(server), "/")
	host, portText, err := net.SplitHostPort(server)
	if err != nil {
		return Outbound{}, fmt.Errorf("invalid ss server %q: %w", server, err)
	}
	port, err := parseIntStrict(portText, 1, 65535)
	if err != nil {
		return Outbound{}, fmt.Errorf("invalid ss port: %w", err)
	}
	method, password, err := parseSSCredential(cred)
	if err != nil {
		return Outbound{}, err
	}
	fields := map[string]any{
		"type":        "shadowsocks",
		"server":      strings.TrimSpace(host),
		"server_port": port,
		"method":      method,
		"password":    password,
	}
	if q, err := url.ParseQuery(query); err == nil {
		if plugin := strings.TrimSpace(q.Get("plugin")); plugin != "" {
			name, opts, _ := strings.Cut(plugin, ";")
			fields["plugin"] = strings.TrimSpace(name)
			if opts = strings.TrimSpace(opts); opts != "" {
				fields["plugin_opts"] = opts
			}
		}
	}
	return Outbound{Scheme: "ss", Server: server, NameHint: decodeFragmentName(fragment), Fields: fields}, nil
}

func parseTrojan(raw string) (Outbound, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Outbound{}, err
	}
	if u.User == nil || strings.TrimSpace(u.User.Username()) == "" {
		return Outbound{}, fmt.Errorf("trojan password is required")
	}
	host, port, err := parseURLHostPort(u)
	if err != nil {
		return Outbound{}, err
	}
	q := u.Query()
	fields := map[string]any{
		"type":        "trojan",
		"server":      host,
		"server_port": port,
		"password":    strings.TrimSpace(u.User.Username()),
	}
	applyTLSFromQuery(fields, q, true)
	applyTransportFromQuery(fields, q)
	return hostOutbound("trojan", host, port, u.Fragment, fields), nil
}

func parseVLESS(raw string) (Outbound, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Outbound{}, err
	}
	if u.User == nil || strings.TrimSpace(u.User.Username()) == "" {
		return Outbound{}, fmt.Errorf("vless uuid is required")
	}
	host, port, err := parseURLHostPort(u)
	if err != nil {
		return Outbound{}, err
	}
	q := u.Query()
	fields := map[string]any{
		"type":        "vless",
		"server":      host,
		"server_port": port,
		"uuid":        strings.TrimSpace(u.User.Username()),
	}
	if flow := strings.TrimSpace(q.Get("flow")); flow != "" {
		fields["flow"] = flow
	}
	security := strings.ToLower(strings.TrimSpace(q.Get("security")))
	if security != "none" {
		applyTLSFromQuery(fields, q, security == "" || security == "tls" || security == "reality")
	}
	applyTransportFromQuery(fields, q)
	return hostOutbound("vless", host, port, u.Fragment, fields), nil
}

func parseVMess(raw string) (Outbound, error) {
	body := raw[strings.Index(raw, "://")+3:]
	frag := ""
	if idx := strings.Index(body, "#"); idx >= 0 {
		frag = body[idx+1:]
		body = body[:idx]
	}
	payload, err := decodeBase64Loose(body)
	if err != nil {
		return Outbound{}, fmt.Errorf("invalid vmess payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Outbound{}, fmt.Errorf("invalid vmess json: %w", err)
	}
	host := firstMapString(m, "add", "address", "server")
	if host == "" {
		return Outbound{}, fmt.Errorf("vmess host is required")
	}
	port, err := parseIntStrict(firstMapString(m, "port"), 1, 65535)
	if err != nil {
		return Outbound{}, fmt.Errorf("invalid vmess port: %w", err)
	}
	id := firstMapString(m, "id", "uuid")
	if id == "" {
		return Outbound{}, fmt.Errorf("vmess uuid is required")
	}
	fields := map[string]any{
		"type":        "vmess",
		"server":      host,
		"server_port": port,
		"uuid":        id,
	}
	if security := firstMapString(m, "scy", "security", "cipher"); security != "" {
		fields["security"] = security
	}
	if aid := firstMapString(m, "aid", "alterId", "alter_id"); aid != "" {
		if n, convErr := parseIntStrict(aid, 0, 65535); convErr == nil {
			fields["alter_id"] = n
		}
	}
	switch strings.ToLower(firstMapString(m, "tls")) {
	case "tls", "1", "true":
		tls := map[string]any{"enabled": true}
		if sni := firstMapString(m, "sni", "servername", "host"); sni != "" {
			tls["server_name"] = sni
		}
		fields["tls"] = tls
	}
	netType := firstMapString(m, "net", "network", "type")
	if transport := buildTransportByType(netType, firstMapString(m, "path"), firstMapString(m, "host"), firstMapString(m, "serviceName", "service_name")); transport != nil {
		fields["transport"] = transport
	}
	out := hostOutbound("vmess", host, port, frag, fields)
	if out.NameHint == "" {
		out.NameHint = firstMapString(m, "ps", "name", "remark")
	}
	return out, nil
}

func parseHysteria2(raw string) (Outbound, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Outbound{}, err
	}
	host, port, err := parseURLHostPort(u)
	if err != nil {
		return Outbound{}, err
	}
	q := u.Query()
	password := ""
	if u.User != nil {
		password = strings.TrimSpace(u.User.Username())
		if p, ok := u.User.Password(); ok && strings.TrimSpace(p) != "" {
			password = strings.TrimSpace(p)
		}
	}
	if password == "" {
		password = firstQueryValue(q, "password", "auth")
	}
	fields := map[string]any{
		"type":        "hysteria2",
		"server":      host,
		"server_port": port,
	}
	if password != "" {
		fields["password"] = password
	}
	applyTLSFromQuery(fields, q, true)
	if obfs := strings.TrimSpace(q.Get("obfs")); obfs != "" {
		obfsFields := map[string]any{"type": obfs}
		if v := firstQueryValue(q, "obfs-password", "obfs_password"); v != "" {
			obfsFields["password"] = v
		}
		fields["obfs"] = obfsFields
	}
	for key, names := range map[string][]string{
		"up_mbps":   {"upmbps", "up-mbps", "up"},
		"down_mbps": {"downmbps", "down-mbps", "down"},
	} {
		if v := firstQueryValue(q, names...); v != "" {
			if n, convErr := parseIntStrict(v, 1, 100000); convErr == nil {
				fields[key] = n
			}
		}
	}
	return hostOutbound("hysteria2", host, port, u.Fragment, fields), nil
}

func parseTUIC(raw string) (Outbound, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Outbound{}, err
	}
	host, port, err := parseURLHostPort(u)
	if err != nil {
		return Outbound{}, err
	}
	if u.User == nil || strings.TrimSpace(u.User.Username()) == "" {
		return Outbound{}, fmt.Errorf("tuic uuid is required")
	}
	q := u.Query()
	password, _ := u.User.Password()
	password = strings.TrimSpace(password)
	if password == "" {
		password = strings.TrimSpace(q.Get("password"))
	}
	fields := map[string]any{
		"type":        "tuic",
		"server":      host,
		"server_port": port,
		"uuid":        strings.TrimSpace(u.User.Username()),
	}
	if password != "" {
		fields["password"] = password
	}
	applyTLSFromQuery(fields, q, true)
	if cc := strings.TrimSpace(q.Get("congestion_control")); cc != "" {
		fields["congestion_control"] = cc
	}
	if values := parseCSV(q.Get("alpn")); len(values) > 0 {
		if tls, ok := fields["tls"].(map[string]any); ok {
			tls["alpn"] = values
		}
	}
	if relayMode := firstQueryValue(q, "udp_relay_mode", "udp-relay-mode"); relayMode != "" {
		fields["udp_relay_mode"] = relayMode
	}
	return hostOutbound("tuic", host, port, u.Fragment, fields), nil
}

func hostOutbound(scheme, host string, port int, fragment string, fields map[string]any) Outbound {
	return Outbound{
		Scheme:   scheme,
		Server:   net.JoinHostPort(host, strconv.Itoa(port)),
		NameHint: decodeFragmentName(fragment),
		Fields:   fields,
	}
}

func parseURLHostPort(u *url.URL) (string, int, error) {
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return "", 0, fmt.Errorf("host is required")
	}
	port, err := parseIntStrict(u.Port(), 1, 65535)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port: %w", err)
	}
	return host, port, nil
}

func parseIntStrict(raw string, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty value")
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, fmt.Errorf("out of range")
	}
	return n, nil
}

func parseSSCredential(raw string) (method, password string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("ss credential is empty")
	}
	if decoded, decErr := decodeBase64Loose(raw); decErr == nil && strings.Contains(decoded, ":") {
		raw = decoded
	}
	method, password, ok := strings.Cut(raw, ":")
	method = strings.TrimSpace(method)
	password = strings.TrimSpace(password)
	if !ok || method == "" || password == "" {
		return "", "", fmt.Errorf("invalid ss credential")
	}
	return method, password, nil
}

func decodeBase64Loose(raw string) (string, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if raw == "" {
		return "", fmt.Errorf("empty base64")
	}
	padded := raw
	if mod := len(raw) % 4; mod != 0 {
		padded = raw + strings.Repeat("=", 4-mod)
	}
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.StdEncoding} {
		if b, err := enc.DecodeString(raw); err == nil {
			return string(b), nil
		}
		if b, err := enc.DecodeString(padded); err == nil {
			return string(b), nil
		}
	}
	return "", fmt.Errorf("invalid base64 text")
}

func decodeFragmentName(raw string) string {
	raw = strings.TrimSpace(raw)
	if decoded, err := url.QueryUnescape(raw); err == nil {
		return strings.TrimSpace(decoded)
	}
	return raw
}

func firstQueryValue(q url.Values, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

func parseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstMapString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		var s string
		switch typed := v.(type) {
		case string:
			s = typed
		case float64:
			s = strconv.FormatFloat(typed, 'f', -1, 64)
		default:
			s = fmt.Sprintf("%v", typed)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func applyTLSFromQuery(fields map[string]any, q url.Values, enabledByDefault bool) {
	security := strings.ToLower(firstQueryValue(q, "security", "tls"))
	enabled := enabledByDefault
	switch security {
	case "none", "0", "false":
		enabled = false
	case "tls", "reality", "1", "true":
		enabled = true
	}
	if !enabled {
		return
	}
	tls := map[string]any{"enabled": true}
	if sni := firstQueryValue(q, "sni", "peer", "servername", "server_name"); sni != "" {
		tls["server_name"] = sni
	}
	if parseBoolDefault(firstQueryValue(q, "insecure", "allowInsecure", "skip-cert-verify", "allow_insecure"), false) {
		tls["insecure"] = true
	}
	if security == "reality" {
		reality := map[string]any{"enabled": true}
		if pbk := firstQueryValue(q, "pbk", "public-key", "public_key"); pbk != "" {
			reality["public_key"] = pbk
		}
		if sid := firstQueryValue(q, "sid", "short-id", "short_id"); sid != "" {
			reality["short_id"] = sid
		}
		tls["reality"] = reality
	}
	fields["tls"] = tls
}

func applyTransportFromQuery(fields map[string]any, q url.Values) {
	netType := firstQueryValue(q, "type", "net", "network")
	if transport := buildTransportByType(netType, firstQueryValue(q, "path"), firstQueryValue(q, "host", "ws-host"), firstQueryValue(q, "serviceName", "service_name")); transport != nil {
		fields["transport"] = transport
	}
}

func buildTransportByType(netType, pathValue, hostValue, serviceValue string) map[string]any {
	switch strings.ToLower(strings.TrimSpace(netType)) {
	case "ws", "websocket":
		transport := map[string]any{"type": "ws"}
		if pathValue != "" {
			transport["path"] = pathValue
		}
		if hostValue != "" {
			transport["headers"] = map[string]any{"Host": hostValue}
		}
		return transport
	case "grpc":
		transport := map[string]any{"type": "grpc"}
		svc := serviceValue
		if svc == "" {
			svc = strings.TrimPrefix(pathValue, "/")
		}
		if svc != "" {
			transport["service_name"] = svc
		}
		return transport
	case "http", "h2", "http2":
		transport := map[string]any{"type": "http"}
		if hostValue != "" {
			transport["host"] = []string{hostValue}
		}
		if pathValue != "" {
			transport["path"] = pathValue
		}
		return transport
	default:
		return nil
	}
}

func parseBoolDefault(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
