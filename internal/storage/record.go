package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
)

const (
	// tagSize 地址8 + 技术2 + 子设备1 + 是否子设备1 + 属性ID4 + 类型4 + 组1
	tagSize = 21
	// ValueSize 非删除记录的值槽长度
	ValueSize = 16
	// headerSize 一条记录在值槽之前的字节数
	headerSize = tagSize + shadow.CloudNameBufferSize + 2
	// MaxBlobSize 单个 blob 值上限
	MaxBlobSize = 64 * 1024
)

// Record 持久化日志中的一条记录
type Record struct {
	DeviceID   shadow.DeviceID
	PropertyID uint32
	Type       shadow.PropertyType
	Group      shadow.Group
	CloudName  string
	// Value 为 nil 表示属性删除（length 为 0）
	Value shadow.Value
}

// DeviceTombstone 设备删除记录
func DeviceTombstone(id shadow.DeviceID) Record {
	return Record{DeviceID: id}
}

// PropertyTombstone 属性删除记录
func PropertyTombstone(id shadow.DeviceID, propID uint32) Record {
	return Record{DeviceID: id, PropertyID: propID}
}

// IsDeviceTombstone propId 为 0
func (r Record) IsDeviceTombstone() bool { return r.PropertyID == 0 }

// IsPropertyTombstone 值长度为 0
func (r Record) IsPropertyTombstone() bool { return r.PropertyID != 0 && r.Value == nil }

func (r Record) String() string {
	switch {
	case r.IsDeviceTombstone():
		return fmt.Sprintf("%s deleted", r.DeviceID)
	case r.IsPropertyTombstone():
		return fmt.Sprintf("%s %08x deleted", r.DeviceID, r.PropertyID)
	default:
		return fmt.Sprintf("%s %08x %08x %s %-11s %s %s",
			r.DeviceID, r.PropertyID, r.Type.Bits(), r.Group, r.CloudName, r.Value.Type(), r.Value)
	}
}

// Encode 记录编码为小端字节序
func (r Record) Encode() ([]byte, error) {
	if len(r.CloudName) >= shadow.CloudNameBufferSize {
		return nil, fmt.Errorf("cloud name %q: %w", r.CloudName, shadow.ErrOutOfRange)
	}
	var buf bytes.Buffer
	buf.Grow(headerSize + ValueSize)

	var tag [tagSize]byte
	binary.LittleEndian.PutUint64(tag[0:], r.DeviceID.Address)
	binary.LittleEndian.PutUint16(tag[8:], uint16(r.DeviceID.Technology))
	tag[10] = r.DeviceID.ChildID
	if r.DeviceID.IsChild {
		tag[11] = 1
	}
	binary.LittleEndian.PutUint32(tag[12:], r.PropertyID)
	binary.LittleEndian.PutUint32(tag[16:], r.Type.Bits())
	tag[20] = uint8(r.Group)
	buf.Write(tag[:])

	var name [shadow.CloudNameBufferSize]byte
	copy(name[:], r.CloudName)
	buf.Write(name[:])

	if r.PropertyID == 0 || r.Value == nil {
		buf.Write([]byte{0, 0})
		return buf.Bytes(), nil
	}
	if r.Value.Type() != r.Type.ValueType {
		return nil, fmt.Errorf("record value %s for %s property: %w", r.Value.Type(), r.Type.ValueType, shadow.ErrWrongType)
	}

	var length [2]byte
	binary.LittleEndian.PutUint16(length[:], ValueSize)
	buf.Write(length[:])

	var slot [ValueSize]byte
	var blob []byte
	switch v := r.Value.(type) {
	case shadow.Int32:
		binary.LittleEndian.PutUint32(slot[:], uint32(v))
	case shadow.Uint32:
		binary.LittleEndian.PutUint32(slot[:], uint32(v))
	case shadow.Float32:
		binary.LittleEndian.PutUint32(slot[:], math.Float32bits(float32(v)))
	case shadow.Bool:
		if v {
			slot[0] = 1
		}
	case shadow.String:
		if len(v) >= shadow.StringMaxLength {
			return nil, fmt.Errorf("string value: %w", shadow.ErrBufferTooBig)
		}
		copy(slot[:], v)
	case shadow.Timestamp:
		binary.LittleEndian.PutUint32(slot[:], v.Seconds)
		if v.Valid {
			slot[4] = 1
		}
	case shadow.Blob:
		if len(v) > MaxBlobSize {
			return nil, fmt.Errorf("blob value: %w", shadow.ErrBufferTooBig)
		}
		binary.LittleEndian.PutUint32(slot[:], uint32(len(v)))
		blob = v
	default:
		return nil, fmt.Errorf("record value %T: %w", r.Value, shadow.ErrWrongType)
	}
	buf.Write(slot[:])
	buf.Write(blob)
	return buf.Bytes(), nil
}

// Decoder 顺序读取日志中的记录
type Decoder struct {
	r      io.Reader
	offset int64
}

// NewDecoder 创建解码器
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Offset 已读取的字节数
func (d *Decoder) Offset() int64 { return d.offset }

func (d *Decoder) read(p []byte, what string) error {
	n, err := io.ReadFull(d.r, p)
	d.offset += int64(n)
	if err != nil {
		return fmt.Errorf("%w: %s at offset %d: %v", shadow.ErrReadFailed, what, d.offset, err)
	}
	return nil
}

// Next 读取下一条记录；日志结束时返回 io.EOF，记录不完整或长度错误视为损坏
func (d *Decoder) Next() (Record, error) {
	var tag [tagSize]byte
	n, err := io.ReadFull(d.r, tag[:])
	d.offset += int64(n)
	if err == io.EOF {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: tag at offset %d: %v", shadow.ErrReadFailed, d.offset, err)
	}

	r := Record{
		DeviceID: shadow.DeviceID{
			Address:    binary.LittleEndian.Uint64(tag[0:]),
			Technology: shadow.Technology(binary.LittleEndian.Uint16(tag[8:])),
			ChildID:    tag[10],
			IsChild:    tag[11] != 0,
		},
		PropertyID: binary.LittleEndian.Uint32(tag[12:]),
		Type:       shadow.PropertyTypeFromBits(binary.LittleEndian.Uint32(tag[16:])),
		Group:      shadow.Group(tag[20]),
	}

	var name [shadow.CloudNameBufferSize]byte
	if err := d.read(name[:], "cloud name"); err != nil {
		return Record{}, err
	}
	r.CloudName = string(bytes.TrimRight(name[:], "\x00"))

	var length [2]byte
	if err := d.read(length[:], "length"); err != nil {
		return Record{}, err
	}
	switch l := binary.LittleEndian.Uint16(length[:]); l {
	case 0:
		return r, nil
	case ValueSize:
	default:
		return Record{}, fmt.Errorf("%w: length %d instead of %d at offset %d", shadow.ErrReadFailed, l, ValueSize, d.offset)
	}
	if !r.Group.Valid() || !r.Type.ValueType.Valid() {
		return Record{}, fmt.Errorf("%w: bad tag at offset %d", shadow.ErrReadFailed, d.offset)
	}

	var slot [ValueSize]byte
	if err := d.read(slot[:], "value"); err != nil {
		return Record{}, err
	}
	u := binary.LittleEndian.Uint32(slot[:])
	switch r.Type.ValueType {
	case shadow.TypeInt32:
		r.Value = shadow.Int32(int32(u))
	case shadow.TypeUint32:
		r.Value = shadow.Uint32(u)
	case shadow.TypeFloat32:
		r.Value = shadow.Float32(math.Float32frombits(u))
	case shadow.TypeBool:
		r.Value = shadow.Bool(slot[0] != 0)
	case shadow.TypeString:
		r.Value = shadow.String(bytes.TrimRight(slot[:shadow.StringMaxLength], "\x00"))
	case shadow.TypeTimestamp:
		r.Value = shadow.Timestamp{Seconds: u, Valid: slot[4] != 0}
	case shadow.TypeBlob:
		if u > MaxBlobSize {
			return Record{}, fmt.Errorf("%w: blob size %d at offset %d", shadow.ErrReadFailed, u, d.offset)
		}
		blob := make([]byte, u)
		if err := d.read(blob, "blob"); err != nil {
			return Record{}, err
		}
		r.Value = shadow.Blob(blob)
	}
	return r, nil
}

// DecodeAll 解码整个日志
func DecodeAll(data []byte) ([]Record, error) {
	d := NewDecoder(bytes.NewReader(data))
	var out []Record
	for {
		r, err := d.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
}
