package handlers

import (
	_ "embed"
	"fmt"
	"strconv"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
	"gopkg.in/yaml.v3"
)

//go:embed catalog/gateway.yaml
var defaultCatalog []byte

// CatalogEntry 目录中的一个属性
type CatalogEntry struct {
	ID         uint32 `yaml:"id"`
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Kind       string `yaml:"kind"`
	Persistent bool   `yaml:"persistent"`
	Buffered   bool   `yaml:"buffered"`
	Value      string `yaml:"value"`
	From       string `yaml:"from"`
	Group      string `yaml:"group"`
	Handler    string `yaml:"handler"`
}

// Catalog 网关属性目录
type Catalog struct {
	DeviceType uint32         `yaml:"device_type"`
	Properties []CatalogEntry `yaml:"properties"`
}

// DefaultCatalog 内置目录
func DefaultCatalog() (Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// ParseCatalog 解析并校验 YAML 目录
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[uint32]bool, len(c.Properties))
	for _, e := range c.Properties {
		if e.ID == 0 || seen[e.ID] {
			return Catalog{}, fmt.Errorf("catalog %s: bad or duplicate id %#x", e.Name, e.ID)
		}
		seen[e.ID] = true
		if _, err := e.valueType(); err != nil {
			return Catalog{}, err
		}
		if _, err := e.kind(); err != nil {
			return Catalog{}, err
		}
		if _, err := e.handler(); err != nil {
			return Catalog{}, err
		}
	}
	return c, nil
}

var valueTypes = map[string]shadow.ValueType{
	"int32":     shadow.TypeInt32,
	"uint32":    shadow.TypeUint32,
	"float32":   shadow.TypeFloat32,
	"bool":      shadow.TypeBool,
	"string":    shadow.TypeString,
	"blob":      shadow.TypeBlob,
	"timestamp": shadow.TypeTimestamp,
}

func (e CatalogEntry) valueType() (shadow.ValueType, error) {
	vt, ok := valueTypes[e.Type]
	if !ok {
		return 0, fmt.Errorf("catalog %s: unknown type %q", e.Name, e.Type)
	}
	return vt, nil
}

func (e CatalogEntry) kind() (shadow.Kind, error) {
	switch e.Kind {
	case "public":
		return shadow.Public, nil
	case "private", "":
		return shadow.Private, nil
	default:
		return 0, fmt.Errorf("catalog %s: unknown kind %q", e.Name, e.Kind)
	}
}

func (e CatalogEntry) group() shadow.Group {
	if e.Group == "reported" {
		return shadow.Reported
	}
	return shadow.Desired
}

func (e CatalogEntry) handler() (shadow.HandlerID, error) {
	switch e.Handler {
	case "":
		return shadow.InvalidHandler, nil
	case "gateway":
		return shadow.GatewayHandler, nil
	case "upgrade":
		return shadow.UpgradeHandler, nil
	case "led":
		return shadow.LEDDeviceHandler, nil
	case "timestamp":
		return shadow.TimestampHandler, nil
	default:
		return 0, fmt.Errorf("catalog %s: unknown handler %q", e.Name, e.Handler)
	}
}

// ParseValue 按类型解析目录中的字符串值，空串为零值
func ParseValue(vt shadow.ValueType, s string) (shadow.Value, error) {
	if s == "" {
		return shadow.ZeroValue(vt), nil
	}
	switch vt {
	case shadow.TypeInt32:
		n, err := strconv.ParseInt(s, 0, 32)
		return shadow.Int32(n), err
	case shadow.TypeUint32:
		n, err := strconv.ParseUint(s, 0, 32)
		return shadow.Uint32(n), err
	case shadow.TypeFloat32:
		f, err := strconv.ParseFloat(s, 32)
		return shadow.Float32(f), err
	case shadow.TypeBool:
		b, err := strconv.ParseBool(s)
		return shadow.Bool(b), err
	case shadow.TypeString:
		if len(s) >= shadow.StringMaxLength {
			return nil, fmt.Errorf("string %q: %w", s, shadow.ErrBufferTooBig)
		}
		return shadow.String(s), nil
	case shadow.TypeBlob:
		return shadow.Blob(s), nil
	case shadow.TypeTimestamp:
		n, err := strconv.ParseUint(s, 0, 32)
		return shadow.Timestamp{Seconds: uint32(n), Valid: n > shadow.TimeValidAfter}, err
	default:
		return nil, shadow.ErrWrongType
	}
}
