package config

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseNodeURIShadowsocks(t *testing.T) {
	out, err := ParseNodeURI("ss://YWVzLTEyOC1nY206cGFzc3dvcmQ=@1.2.3.4:8388#ss-node")
	if err != nil {
		t.Fatalf("parse ss failed: %v", err)
	}
	if out.Scheme != "ss" || out.Server != "1.2.3.4:8388" || out.NameHint != "ss-node" {
		t.Fatalf("unexpected outbound: %+v", out)
	}
	if out.Fields["type"] != "shadowsocks" || out.Fields["method"] != "aes-128-gcm" || out.Fields["password"] != "password" {
		t.Fatalf("unexpected fields: %#v", out.Fields)
	}
}

func TestParseNodeURIShadowsocksLegacy(t *testing.T) {
	body := base64.StdEncoding.EncodeToString([]byte("chacha20-ietf-poly1305:secret@example.com:8443"))
	out, err := ParseNodeURI("ss://" + body + "#legacy")
	if err != nil {
		t.Fatalf("parse legacy ss failed: %v", err)
	}
	if out.Fields["server"] != "example.com" || out.Fields["server_port"] != 8443 {
		t.Fatalf("unexpected fields: %#v", out.Fields)
	}
}

func TestParseNodeURIVMess(t *testing.T) {
	payload := map[string]any{
		"v":    "2",
		"ps":   "vmess-node",
		"add":  "example.com",
		"port": 443,
		"id":   "11111111-1111-1111-1111-111111111111",
		"aid":  "0",
		"net":  "ws",
		"host": "example.com",
		"path": "/ws",
		"tls":  "tls",
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal vmess payload failed: %v", err)
	}
	out, err := ParseNodeURI("vmess://" + base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("parse vmess failed: %v", err)
	}
	if out.Server != "example.com:443" || out.NameHint != "vmess-node" {
		t.Fatalf("unexpected outbound: %+v", out)
	}
	transport, _ := out.Fields["transport"].(map[string]any)
	if transport["type"] != "ws" || transport["path"] != "/ws" {
		t.Fatalf("unexpected transport: %#v", transport)
	}
}

func TestParseNodeURIVLESSReality(t *testing.T) {
	out, err := ParseNodeURI("vless://uuid-1@example.com:443?security=reality&sni=www.example.com&pbk=KEY&sid=ab&flow=xtls-rprx-vision&type=grpc&serviceName=svc#v")
	if err != nil {
		t.Fatalf("parse vless failed: %v", err)
	}
	tls, _ := out.Fields["tls"].(map[string]any)
	reality, _ := tls["reality"].(map[string]any)
	if tls["server_name"] != "www.example.com" || reality["public_key"] != "KEY" || reality["short_id"] != "ab" {
		t.Fatalf("unexpected tls: %#v", tls)
	}
	transport, _ := out.Fields["transport"].(map[string]any)
	if out.Fields["flow"] != "xtls-rprx-vision" || transport["service_name"] != "svc" {
		t.Fatalf("unexpected fields: %#v", out.Fields)
	}
}

func TestParseNodeURIHysteria2AndTUIC(t *testing.T) {
	hy, err := ParseNodeURI("hy2://pass@example.com:8443?obfs=salamander&obfs-password=x&upmbps=50#hy")
	if err != nil {
		t.Fatalf("parse hysteria2 failed: %v", err)
	}
	obfs, _ := hy.Fields["obfs"].(map[string]any)
	if hy.Fields["password"] != "pass" || obfs["password"] != "x" || hy.Fields["up_mbps"] != 50 {
		t.Fatalf("unexpected hysteria2 fields: %#v", hy.Fields)
	}

	tuic, err := ParseNodeURI("tuic://uuid-2:pw@example.com:443?congestion_control=bbr&alpn=h3,h2")
	if err != nil {
		t.Fatalf("parse tuic failed: %v", err)
	}
	tls, _ := tuic.Fields["tls"].(map[string]any)
	alpn, _ := tls["alpn"].([]string)
	if tuic.Fields["password"] != "pw" || strings.Join(alpn, ",") != "h3,h2" {
		t.Fatalf("unexpected tuic fields: %#v", tuic.Fields)
	}
}

func TestParseNodeURIErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		"example.com:443",
		"socks5://example.com:1080",
		"trojan://@example.com:443",
		"vless://id@example.com",
		"vmess://not-base64!!",
	} {
		if _, err := ParseNodeURI(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
