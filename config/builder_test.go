package config

import (
	"context"
	"encoding/json"
	"testing"

	"corelink/engine"
)

func buildJSON(t *testing.T, s Settings, mode engine.Mode) (engine.Config, map[string]any) {
	t.Helper()
	cfg, err := SingBoxBuilder{}.Build(context.Background(), s, mode)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(cfg.Raw, &out); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	return cfg, out
}

func TestBuildProxyOnlyConfig(t *testing.T) {
	s, err := Parse([]byte(sampleSettings))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	cfg, out := buildJSON(t, s, engine.ModeProxyOnly)
	if cfg.InboundAddr != "127.0.0.1:7890" || cfg.ControllerAddr != "127.0.0.1:19090" || cfg.Secret != "s3cret" {
		t.Fatalf("unexpected engine config: %+v", cfg)
	}
	inbound := out["inbounds"].([]any)[0].(map[string]any)
	if inbound["type"] != "mixed" || inbound["listen_port"] != float64(7890) {
		t.Fatalf("unexpected inbound: %#v", inbound)
	}
	outbounds := out["outbounds"].([]any)
	selector := outbounds[0].(map[string]any)
	if selector["type"] != "selector" || selector["tag"] != "proxy" || selector["default"] != "jp-2" {
		t.Fatalf("unexpected selector: %#v", selector)
	}
	if len(outbounds) != 4 || outbounds[1].(map[string]any)["tag"] != "hk-1" {
		t.Fatalf("unexpected outbounds: %#v", outbounds)
	}
	route := out["route"].(map[string]any)
	if route["final"] != "proxy" {
		t.Fatalf("unexpected route: %#v", route)
	}
	clash := out["experimental"].(map[string]any)["clash_api"].(map[string]any)
	if clash["external_controller"] != "127.0.0.1:19090" {
		t.Fatalf("unexpected clash api: %#v", clash)
	}
}

func TestBuildTunnelConfig(t *testing.T) {
	s, err := Parse([]byte(sampleSettings))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	cfg, out := buildJSON(t, s, engine.ModeTunnel)
	if cfg.InboundAddr != "" {
		t.Fatalf("tunnel mode has no local inbound, got %q", cfg.InboundAddr)
	}
	inbound := out["inbounds"].([]any)[0].(map[string]any)
	if inbound["type"] != "tun" || inbound["interface_name"] != DefaultTunName || inbound["auto_route"] != true {
		t.Fatalf("unexpected inbound: %#v", inbound)
	}
}

func TestBuildFailures(t *testing.T) {
	s, err := Parse([]byte(sampleSettings))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, err := (SingBoxBuilder{}).Build(context.Background(), s, engine.ModeNone); err == nil {
		t.Fatalf("expected error for mode none")
	}
	s.Nodes = append(s.Nodes, Node{Name: "bad", URI: "gopher://x"})
	if _, err := (SingBoxBuilder{}).Build(context.Background(), s, engine.ModeProxyOnly); err == nil {
		t.Fatalf("expected error for unsupported node")
	}
	s.Nodes = nil
	if _, err := (SingBoxBuilder{}).Build(context.Background(), s, engine.ModeProxyOnly); err == nil {
		t.Fatalf("expected error without nodes")
	}
}
