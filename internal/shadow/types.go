package shadow

import "fmt"

// Technology 设备接入技术
type Technology uint16

const (
	TechnologyWiSafe   Technology = 0
	TechnologyZigBee   Technology = 1
	TechnologyEthernet Technology = 2
)

// DeviceID 设备唯一标识，创建后不可变
type DeviceID struct {
	Address    uint64
	Technology Technology
	ChildID    uint8
	IsChild    bool
}

// Valid 地址为0视为无效
func (d DeviceID) Valid() bool {
	return d.Address != 0
}

func (d DeviceID) String() string {
	return fmt.Sprintf("%016x_%04x_%02x", d.Address, uint16(d.Technology), d.ChildID)
}

// Group 属性组
type Group uint8

const (
	Desired  Group = 0 // 云端期望值
	Reported Group = 1 // 设备上报值
	groupMax       = 2
)

func (g Group) Valid() bool { return g < groupMax }

func (g Group) String() string {
	switch g {
	case Desired:
		return "desired"
	case Reported:
		return "reported"
	default:
		return "unknown"
	}
}

// HandlerID 处理器标识，存储层不感知处理器行为
type HandlerID uint8

const (
	InvalidHandler HandlerID = iota
	CommsHandler
	UpgradeHandler
	StorageHandler
	AutomationEngineHandler
	LogHandler
	TimestampHandler
	LSDHandler
	GatewayHandler
	LEDDeviceHandler
	WiSafeDeviceHandler
	TestDeviceHandler
	TelegesisDeviceHandler
	MonitorHandler

	HandlerMax HandlerID = 32
)

var handlerNames = map[HandlerID]string{
	CommsHandler:            "comms",
	UpgradeHandler:          "upgrade",
	StorageHandler:          "storage",
	AutomationEngineHandler: "automation",
	LogHandler:              "log",
	TimestampHandler:        "timestamp",
	LSDHandler:              "lsd",
	GatewayHandler:          "gateway",
	LEDDeviceHandler:        "led",
	WiSafeDeviceHandler:     "wisafe",
	TestDeviceHandler:       "test",
	TelegesisDeviceHandler:  "telegesis",
	MonitorHandler:          "monitor",
}

func (h HandlerID) String() string {
	if s, ok := handlerNames[h]; ok {
		return s
	}
	return fmt.Sprintf("handler(%d)", uint8(h))
}

// Kind 属性可见性
type Kind uint8

const (
	Private Kind = 0 // 仅网关本地可见
	Public  Kind = 1 // 同步到云端
)

// PropertyType 属性类型与同步状态
type PropertyType struct {
	ValueType         ValueType
	Kind              Kind
	Buffered          bool
	Persistent        bool
	ReportedOutOfSync bool
	DesiredOutOfSync  bool
}

const (
	bitReportedOutOfSync = 1 << 0
	bitDesiredOutOfSync  = 1 << 1
	bitBuffered          = 1 << 2
	bitPersistent        = 1 << 3
	kindShift            = 4
	valueTypeShift       = 8
)

// Bits 编码为持久化日志中的 propType 字段
func (t PropertyType) Bits() uint32 {
	var b uint32
	if t.ReportedOutOfSync {
		b |= bitReportedOutOfSync
	}
	if t.DesiredOutOfSync {
		b |= bitDesiredOutOfSync
	}
	if t.Buffered {
		b |= bitBuffered
	}
	if t.Persistent {
		b |= bitPersistent
	}
	b |= uint32(t.Kind&0x3) << kindShift
	b |= uint32(t.ValueType) << valueTypeShift
	return b
}

// PropertyTypeFromBits 从 propType 字段还原
func PropertyTypeFromBits(b uint32) PropertyType {
	return PropertyType{
		ValueType:         ValueType((b >> valueTypeShift) & 0xff),
		Kind:              Kind((b >> kindShift) & 0x3),
		Buffered:          b&bitBuffered != 0,
		Persistent:        b&bitPersistent != 0,
		ReportedOutOfSync: b&bitReportedOutOfSync != 0,
		DesiredOutOfSync:  b&bitDesiredOutOfSync != 0,
	}
}

// OutOfSync 指定组是否未同步
func (t PropertyType) OutOfSync(g Group) bool {
	if g == Desired {
		return t.DesiredOutOfSync
	}
	return t.ReportedOutOfSync
}

// Delta 单个属性变更
type Delta struct {
	PropertyID uint32
	Value      Value
}

// DeviceStatus 设备在云端的注册状态（保存在 $devs 属性）
type DeviceStatus uint32

const (
	ThingDeleted DeviceStatus = iota
	ThingCreated
	ThingDiscovered
	ThingAccepted
	ThingRejected
)

func (s DeviceStatus) String() string {
	switch s {
	case ThingDeleted:
		return "deleted"
	case ThingCreated:
		return "created"
	case ThingDiscovered:
		return "discovered"
	case ThingAccepted:
		return "accepted"
	case ThingRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Filter 批量发送属性时的过滤条件
type Filter uint8

const (
	FilterOutOfSync Filter = iota
	FilterPersistent
	FilterTimestamps
	FilterAll
)

const (
	// MaxDeltas 单条通知携带的最大属性数
	MaxDeltas = 6
	// CloudNameBufferSize 云端名称缓冲区（含结束符）
	CloudNameBufferSize = 12
	// PropertyPoolSize 属性池容量
	PropertyPoolSize = 256
	// SubscriberTableSize 每个属性组的订阅者表容量
	SubscriberTableSize = 32
	// ThingNameMaxLength 事物名最大长度
	ThingNameMaxLength = 49
	// NestedNamePartMax 嵌套名称父/子段最大长度
	NestedNamePartMax = 5
)

// 属性分组
const (
	PropGroupGateway uint32 = 0x0000 << 16
	PropGroupPrivate uint32 = 0x1000 << 16
	PropGroupWiSafe  uint32 = 0x2000 << 16
	PropGroupTest    uint32 = 0x3000 << 16
)

// 保留属性ID
const (
	PropTypeID             = PropGroupGateway | 0x0001
	PropManufacturerID     = PropGroupGateway | 0x0002
	PropModelID            = PropGroupGateway | 0x0003
	PropOnlineID           = PropGroupGateway | 0x0004
	PropWiSafeID           = PropGroupGateway | 0x0005
	PropFirmwareNameID     = PropGroupGateway | 0x0006
	PropFirmwareVersionID  = PropGroupGateway | 0x0007
	PropOnlineSeqNoID      = PropGroupGateway | 0x0008
	PropStateID            = PropGroupGateway | 0x0009
	PropFirmwareTimeID     = PropGroupGateway | 0x000a
	PropGatewayResetID     = PropGroupGateway | 0x001b
	PropGatewayRegisterID  = PropGroupGateway | 0x001c
	PropCertManagerURLID   = PropGroupGateway | 0x001e
	PropDeviceStatusID     = PropGroupPrivate | 0x0001
	PropOwnerID            = PropGroupPrivate | 0x0002
	PropConnectionID       = PropGroupPrivate | 0x0003
	PropLearnLEDFlashID    = PropGroupPrivate | 0x0004
	DeviceStatusCloudName  = "$devs"
	ConnectionIDCloudName  = "$conn"
	OnlineCloudName        = "onln"
	TypeCloudName          = "type"
)
