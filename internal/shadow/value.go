package shadow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueType 属性值类型
type ValueType uint8

const (
	TypeInt32 ValueType = iota
	TypeUint32
	TypeFloat32
	TypeBool
	TypeString
	TypeBlob
	TypeTimestamp
	typeCount
)

// StringMaxLength 字符串属性缓冲区大小（含结束符）
const StringMaxLength = 12

// TimeValidAfter 早于此时刻（2001-01-01）的系统时间视为无效
const TimeValidAfter = 978307200

func (t ValueType) Valid() bool { return t < typeCount }

func (t ValueType) String() string {
	switch t {
	case TypeInt32:
		return "I32"
	case TypeUint32:
		return "U32"
	case TypeFloat32:
		return "F32"
	case TypeBool:
		return "Bool"
	case TypeString:
		return "Str"
	case TypeBlob:
		return "Blob"
	case TypeTimestamp:
		return "Time"
	default:
		return "?"
	}
}

// Value 属性值，只能是下列具体类型之一
type Value interface {
	Type() ValueType
	Equal(other Value) bool
	String() string
	isValue()
}

type (
	Int32   int32
	Uint32  uint32
	Float32 float32
	Bool    bool
	String  string
	// Blob 属性独占的字节缓冲，写入和读出时均复制
	Blob []byte
	// Timestamp 秒级时间戳，Valid=false 表示系统时间尚未校准
	Timestamp struct {
		Seconds uint32
		Valid   bool
	}
)

func (Int32) Type() ValueType     { return TypeInt32 }
func (Uint32) Type() ValueType    { return TypeUint32 }
func (Float32) Type() ValueType   { return TypeFloat32 }
func (Bool) Type() ValueType      { return TypeBool }
func (String) Type() ValueType    { return TypeString }
func (Blob) Type() ValueType      { return TypeBlob }
func (Timestamp) Type() ValueType { return TypeTimestamp }

func (Int32) isValue()     {}
func (Uint32) isValue()    {}
func (Float32) isValue()   {}
func (Bool) isValue()      {}
func (String) isValue()    {}
func (Blob) isValue()      {}
func (Timestamp) isValue() {}

func (v Int32) Equal(o Value) bool {
	x, ok := o.(Int32)
	return ok && x == v
}

func (v Uint32) Equal(o Value) bool {
	x, ok := o.(Uint32)
	return ok && x == v
}

func (v Float32) Equal(o Value) bool {
	x, ok := o.(Float32)
	return ok && x == v
}

func (v Bool) Equal(o Value) bool {
	x, ok := o.(Bool)
	return ok && x == v
}

func (v String) Equal(o Value) bool {
	x, ok := o.(String)
	return ok && x == v
}

// Equal nil 与空缓冲视为相同
func (v Blob) Equal(o Value) bool {
	x, ok := o.(Blob)
	return ok && bytes.Equal(x, v)
}

// Equal 秒数与有效标志都相同
func (v Timestamp) Equal(o Value) bool {
	x, ok := o.(Timestamp)
	return ok && x.Seconds == v.Seconds && x.Valid == v.Valid
}

func (v Int32) String() string   { return strconv.FormatInt(int64(v), 10) }
func (v Uint32) String() string  { return strconv.FormatUint(uint64(v), 10) }
func (v Float32) String() string { return strconv.FormatFloat(float64(v), 'f', -1, 32) }
func (v Bool) String() string    { return strconv.FormatBool(bool(v)) }
func (v String) String() string  { return string(v) }
func (v Blob) String() string    { return string(v) }
func (v Timestamp) String() string {
	if !v.Valid {
		return fmt.Sprintf("%d?", v.Seconds)
	}
	return strconv.FormatUint(uint64(v.Seconds), 10)
}

// ZeroValue 指定类型的零值
func ZeroValue(t ValueType) Value {
	switch t {
	case TypeInt32:
		return Int32(0)
	case TypeUint32:
		return Uint32(0)
	case TypeFloat32:
		return Float32(0)
	case TypeBool:
		return Bool(false)
	case TypeString:
		return String("")
	case TypeBlob:
		return Blob(nil)
	case TypeTimestamp:
		return Timestamp{}
	default:
		return nil
	}
}

// CloneValue 复制值，Blob 分配新缓冲
func CloneValue(v Value) Value {
	if b, ok := v.(Blob); ok {
		if b == nil {
			return Blob(nil)
		}
		return Blob(append([]byte(nil), b...))
	}
	return v
}

// checkValue 校验类型一致且长度合法
func checkValue(t ValueType, v Value) error {
	if v == nil {
		return ErrNilArgument
	}
	if v.Type() != t {
		return ErrWrongType
	}
	if s, ok := v.(String); ok && len(s) >= StringMaxLength {
		return ErrBufferTooBig
	}
	return nil
}

// FormatJSON 按云端影子文档格式编码属性值
func FormatJSON(v Value) ([]byte, error) {
	switch x := v.(type) {
	case Int32, Uint32, Bool:
		return []byte(x.String()), nil
	case Float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, ErrConversionFailed
		}
		return []byte(x.String()), nil
	case Timestamp:
		return []byte(strconv.FormatUint(uint64(x.Seconds), 10)), nil
	case String:
		return json.Marshal(string(x))
	case Blob:
		return json.Marshal(string(x))
	default:
		return nil, ErrConversionFailed
	}
}

// ParseJSON 按属性类型解析云端下发的 JSON 值
func ParseJSON(t ValueType, raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	switch t {
	case TypeInt32:
		n, err := strconv.ParseInt(string(raw), 10, 32)
		if err != nil {
			return nil, ErrConversionFailed
		}
		return Int32(n), nil
	case TypeUint32:
		n, err := strconv.ParseUint(string(raw), 10, 32)
		if err != nil {
			return nil, ErrConversionFailed
		}
		return Uint32(n), nil
	case TypeTimestamp:
		n, err := strconv.ParseUint(string(raw), 10, 32)
		if err != nil {
			return nil, ErrConversionFailed
		}
		// 云端下发的时间总是有效的
		return Timestamp{Seconds: uint32(n), Valid: true}, nil
	case TypeFloat32:
		f, err := strconv.ParseFloat(string(raw), 32)
		if err != nil {
			return nil, ErrConversionFailed
		}
		return Float32(f), nil
	case TypeBool:
		b, err := strconv.ParseBool(string(raw))
		if err != nil {
			return nil, ErrConversionFailed
		}
		return Bool(b), nil
	case TypeString, TypeBlob:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, ErrConversionFailed
		}
		if t == TypeString {
			if len(s) >= StringMaxLength {
				return nil, ErrBufferTooBig
			}
			return String(s), nil
		}
		return Blob(s), nil
	default:
		return nil, ErrConversionFailed
	}
}
