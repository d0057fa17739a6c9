package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"corelink/engine"

	M "github.com/sagernet/sing/common/metadata"
	"github.com/sirupsen/logrus"
	ini "gopkg.in/ini.v1"
)

const (
	DefaultGroup      = "proxy"
	DefaultController = "127.0.0.1:9090"
	DefaultTunName    = "corelink0"
	DefaultTunAddress = "172.19.0.1/30"
	DefaultTunMTU     = 9000
	nodesSection      = "nodes"
)

type GeneralConf struct {
	TunnelEnabled bool   `ini:"tunnel_enabled"`
	ProxyPort     int    `ini:"proxy_port"`
	Selected      string `ini:"selected"`
	Group         string `ini:"group"`
	TestURL       string `ini:"test_url"`
}

type EngineConf struct {
	Binary     string `ini:"binary"`
	WorkDir    string `ini:"work_dir"`
	Controller string `ini:"controller"`
	Secret     string `ini:"secret"`
	LogLevel   string `ini:"log_level"`
}

type TunConf struct {
	Name    string `ini:"name"`
	Address string `ini:"address"`
	MTU     int    `ini:"mtu"`
}

// Node is a named share URI from the [nodes] section.
type Node struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// Settings is a read-only copy of the user's settings.
type Settings struct {
	General GeneralConf `ini:"general"`
	Engine  EngineConf  `ini:"engine"`
	Tun     TunConf     `ini:"tun"`
	Nodes   []Node      `ini:"-"`
}

// Mode derives the operating mode for the next start attempt.
func (s Settings) Mode() engine.Mode {
	if s.General.TunnelEnabled {
		return engine.ModeTunnel
	}
	if s.General.ProxyPort > 0 && s.General.ProxyPort <= 65535 {
		return engine.ModeProxyOnly
	}
	return engine.ModeNone
}

func (s Settings) NodeNames() []string {
	out := make([]string, 0, len(s.Nodes))
	for _, node := range s.Nodes {
		out = append(out, node.Name)
	}
	return out
}

func (s Settings) clone() Settings {
	out := s
	out.Nodes = append([]Node(nil), s.Nodes...)
	return out
}

// Source hands out settings snapshots.
type Source interface {
	Snapshot() Settings
}

// FileSource reads settings from an INI file and keeps the last good copy.
type FileSource struct {
	path string

	lock    sync.RWMutex
	current Settings
}

func LoadFile(path string) (*FileSource, error) {
	src := &FileSource{path: path}
	if err := src.Reload(); err != nil {
		return nil, err
	}
	return src, nil
}

func (f *FileSource) Path() string {
	return f.path
}

func (f *FileSource) Snapshot() Settings {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.current.clone()
}

// Reload re-reads the file. On error the previous snapshot stays in place.
func (f *FileSource) Reload() error {
	settings, err := Load(f.path)
	if err != nil {
		return err
	}
	f.lock.Lock()
	f.current = settings
	f.lock.Unlock()
	logrus.Infof("[Config] loaded %s: mode=%s nodes=%d selected=%s", f.path, settings.Mode(), len(settings.Nodes), settings.General.Selected)
	return nil
}

// SaveSelected writes node as the selected node and reloads the snapshot.
func (f *FileSource) SaveSelected(node string) error {
	node = strings.TrimSpace(node)
	known := false
	for _, name := range f.Snapshot().NodeNames() {
		if name == node {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown node %q", node)
	}
	file, err := ini.LoadSources(loadOptions, f.path)
	if err != nil {
		return fmt.Errorf("load settings %s: %w", f.path, err)
	}
	file.Section("general").Key("selected").SetValue(node)
	if err := file.SaveTo(f.path); err != nil {
		return fmt.Errorf("save settings %s: %w", f.path, err)
	}
	return f.Reload()
}

// Share URIs carry '#' and ';', so inline comments are not recognised.
var loadOptions = ini.LoadOptions{IgnoreInlineComment: true}

func Load(path string) (Settings, error) {
	file, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings %s: %w", path, err)
	}
	return parse(file)
}

func Parse(raw []byte) (Settings, error) {
	file, err := ini.LoadSources(loadOptions, raw)
	if err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	return parse(file)
}

func parse(file *ini.File) (Settings, error) {
	var settings Settings
	if err := file.MapTo(&settings); err != nil {
		return Settings{}, fmt.Errorf("map settings: %w", err)
	}
	if section, err := file.GetSection(nodesSection); err == nil {
		for _, key := range section.Keys() {
			name := strings.TrimSpace(key.Name())
			uri := strings.TrimSpace(key.Value())
			if name == "" || uri == "" {
				continue
			}
			settings.Nodes = append(settings.Nodes, Node{Name: name, URI: uri})
		}
	}
	if err := normalize(&settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func normalize(s *Settings) error {
	s.General.Group = strings.TrimSpace(s.General.Group)
	if s.General.Group == "" {
		s.General.Group = DefaultGroup
	}
	s.General.Selected = strings.TrimSpace(s.General.Selected)
	s.General.TestURL = strings.TrimSpace(s.General.TestURL)
	if s.General.TestURL == "" {
		s.General.TestURL = engine.DefaultTestURL
	}
	if s.General.ProxyPort < 0 || s.General.ProxyPort > 65535 {
		return fmt.Errorf("invalid proxy_port: %d", s.General.ProxyPort)
	}

	s.Engine.Binary = strings.TrimSpace(s.Engine.Binary)
	if s.Engine.Binary == "" {
		s.Engine.Binary = "sing-box"
	}
	s.Engine.WorkDir = strings.TrimSpace(s.Engine.WorkDir)
	if s.Engine.WorkDir == "" {
		s.Engine.WorkDir = filepath.Join(os.TempDir(), "corelink")
	}
	s.Engine.Controller = strings.TrimSpace(s.Engine.Controller)
	if s.Engine.Controller == "" {
		s.Engine.Controller = DefaultController
	}
	if addr := M.ParseSocksaddr(s.Engine.Controller); !addr.IsValid() || addr.Port == 0 {
		return fmt.Errorf("invalid engine controller address: %q", s.Engine.Controller)
	}
	s.Engine.LogLevel = strings.ToLower(strings.TrimSpace(s.Engine.LogLevel))
	if s.Engine.LogLevel == "" {
		s.Engine.LogLevel = "warn"
	}

	s.Tun.Name = strings.TrimSpace(s.Tun.Name)
	if s.Tun.Name == "" {
		s.Tun.Name = DefaultTunName
	}
	s.Tun.Address = strings.TrimSpace(s.Tun.Address)
	if s.Tun.Address == "" {
		s.Tun.Address = DefaultTunAddress
	}
	if s.Tun.MTU <= 0 {
		s.Tun.MTU = DefaultTunMTU
	}

	seen := make(map[string]struct{}, len(s.Nodes))
	for _, node := range s.Nodes {
		if strings.EqualFold(node.Name, s.General.Group) || strings.EqualFold(node.Name, "direct") {
			return fmt.Errorf("node name %q collides with a built-in outbound", node.Name)
		}
		if _, ok := seen[node.Name]; ok {
			return fmt.Errorf("duplicate node name %q", node.Name)
		}
		seen[node.Name] = struct{}{}
	}
	if s.General.Selected != "" {
		if _, ok := seen[s.General.Selected]; !ok {
			logrus.Warnf("[Config] selected node %q is not defined, falling back to first node", s.General.Selected)
			s.General.Selected = ""
		}
	}
	if s.General.Selected == "" && len(s.Nodes) > 0 {
		s.General.Selected = s.Nodes[0].Name
	}
	return nil
}
