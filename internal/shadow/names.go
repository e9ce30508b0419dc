package shadow

import (
	"fmt"
	"strconv"
	"strings"
)

// ThingName 生成云端事物名，子设备以父设备名为前缀
func ThingName(id, parent DeviceID) string {
	if id.IsChild {
		return parent.String() + "_" + id.String()
	}
	return id.String()
}

// ParseThingName 解析事物名，返回设备ID与父设备ID
func ParseThingName(name string) (DeviceID, DeviceID, error) {
	if len(name) > ThingNameMaxLength {
		return DeviceID{}, DeviceID{}, ErrBufferTooBig
	}
	parts := strings.Split(name, "_")
	switch len(parts) {
	case 3:
		id, err := parseIDParts(parts)
		return id, DeviceID{}, err
	case 6:
		parent, err := parseIDParts(parts[:3])
		if err != nil {
			return DeviceID{}, DeviceID{}, err
		}
		id, err := parseIDParts(parts[3:])
		if err != nil {
			return DeviceID{}, DeviceID{}, err
		}
		id.IsChild = true
		return id, parent, nil
	default:
		return DeviceID{}, DeviceID{}, fmt.Errorf("thing name %q: %w", name, ErrConversionFailed)
	}
}

func parseIDParts(p []string) (DeviceID, error) {
	addr, err := strconv.ParseUint(p[0], 16, 64)
	if err != nil || len(p[0]) != 16 {
		return DeviceID{}, ErrConversionFailed
	}
	tech, err := strconv.ParseUint(p[1], 16, 16)
	if err != nil || len(p[1]) != 4 {
		return DeviceID{}, ErrConversionFailed
	}
	child, err := strconv.ParseUint(p[2], 16, 8)
	if err != nil || len(p[2]) != 2 {
		return DeviceID{}, ErrConversionFailed
	}
	return DeviceID{Address: addr, Technology: Technology(tech), ChildID: uint8(child)}, nil
}

// SplitNestedName 拆分 "parent_child" 形式的嵌套名称，各段不超过5个字符
func SplitNestedName(name string) (parent, child string, nested bool) {
	i := strings.IndexByte(name, '_')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	parent, child = name[:i], name[i+1:]
	if strings.IndexByte(child, '_') >= 0 {
		// 只支持一级嵌套，多余部分截断
		child = child[:strings.IndexByte(child, '_')]
	}
	if len(parent) > NestedNamePartMax {
		parent = parent[:NestedNamePartMax]
	}
	if len(child) > NestedNamePartMax {
		child = child[:NestedNamePartMax]
	}
	return parent, child, true
}

// JoinNestedName 组合嵌套名称
func JoinNestedName(parent, child string) string {
	return parent + "_" + child
}
