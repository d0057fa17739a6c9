package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"corelink/engine"

	"github.com/sirupsen/logrus"
)

// SingBoxBuilder renders a sing-box configuration for one operating mode.
type SingBoxBuilder struct{}

func (SingBoxBuilder) Build(ctx context.Context, settings Settings, mode engine.Mode) (engine.Config, error) {
	if err := ctx.Err(); err != nil {
		return engine.Config{}, err
	}
	if mode == engine.ModeNone {
		return engine.Config{}, fmt.Errorf("no operating mode: enable tunnel mode or set proxy_port")
	}
	if len(settings.Nodes) == 0 {
		return engine.Config{}, fmt.Errorf("no nodes configured")
	}

	group := settings.General.Group
	tags := make([]string, 0, len(settings.Nodes))
	outbounds := make([]any, 0, len(settings.Nodes)+2)
	for _, node := range settings.Nodes {
		parsed, err := ParseNodeURI(node.URI)
		if err != nil {
			return engine.Config{}, fmt.Errorf("node %s: %w", node.Name, err)
		}
		tags = append(tags, node.Name)
		outbounds = append(outbounds, parsed.Tagged(node.Name))
	}
	selector := map[string]any{
		"type":                        "selector",
		"tag":                         group,
		"outbounds":                   tags,
		"interrupt_exist_connections": true,
	}
	if settings.General.Selected != "" {
		selector["default"] = settings.General.Selected
	}
	outbounds = append([]any{selector}, outbounds...)
	outbounds = append(outbounds, map[string]any{"type": "direct", "tag": "direct"})

	inbounds, inboundAddr := buildInbounds(settings, mode)
	cfg := map[string]any{
		"log": map[string]any{
			"level":     settings.Engine.LogLevel,
			"timestamp": true,
		},
		"inbounds":  inbounds,
		"outbounds": outbounds,
		"route": map[string]any{
			"rules": []any{
				map[string]any{"ip_is_private": true, "outbound": "direct"},
			},
			"final":                 group,
			"auto_detect_interface": true,
		},
		"experimental": map[string]any{
			"clash_api": map[string]any{
				"external_controller": settings.Engine.Controller,
				"secret":              settings.Engine.Secret,
				"default_mode":        "rule",
			},
		},
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return engine.Config{}, err
	}
	logrus.Debugf("[Config] built %s config: nodes=%d group=%s", mode, len(tags), group)
	return engine.Config{
		Raw:            append(raw, '\n'),
		ControllerAddr: settings.Engine.Controller,
		Secret:         settings.Engine.Secret,
		InboundAddr:    inboundAddr,
	}, nil
}

func buildInbounds(settings Settings, mode engine.Mode) ([]any, string) {
	if mode == engine.ModeTunnel {
		return []any{
			map[string]any{
				"type":           "tun",
				"tag":            "tun-in",
				"interface_name": settings.Tun.Name,
				"address":        []string{settings.Tun.Address},
				"mtu":            settings.Tun.MTU,
				"auto_route":     true,
				"strict_route":   true,
				"stack":          "mixed",
			},
		}, ""
	}
	port := settings.General.ProxyPort
	return []any{
		map[string]any{
			"type":        "mixed",
			"tag":         "mixed-in",
			"listen":      "127.0.0.1",
			"listen_port": port,
		},
	}, net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
