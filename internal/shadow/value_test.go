package shadow

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatJSON(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"有符号整数", Int32(-12), "-12"},
		{"无符号整数", Uint32(4000000000), "4000000000"},
		{"浮点", Float32(1.5), "1.5"},
		{"布尔", Bool(true), "true"},
		{"字符串转义", String(`a"b`), `"a\"b"`},
		{"Blob", Blob("fw.bin"), `"fw.bin"`},
		{"时间戳", Timestamp{Seconds: 1700000000}, "1700000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatJSON(tt.v)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	t.Run("非数值浮点拒绝编码", func(t *testing.T) {
		_, err := FormatJSON(Float32(float32(math.Inf(1))))
		assert.ErrorIs(t, err, ErrConversionFailed)
	})
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		typ     ValueType
		raw     string
		want    Value
		wantErr error
	}{
		{"有符号整数", TypeInt32, "-5", Int32(-5), nil},
		{"无符号整数", TypeUint32, "7", Uint32(7), nil},
		{"负数不能转无符号", TypeUint32, "-1", nil, ErrConversionFailed},
		{"布尔", TypeBool, "false", Bool(false), nil},
		{"下发时间有效", TypeTimestamp, "1700000000", Timestamp{Seconds: 1700000000, Valid: true}, nil},
		{"字符串", TypeString, `"hello"`, String("hello"), nil},
		{"字符串超长", TypeString, `"hello world!"`, nil, ErrBufferTooBig},
		{"Blob不限长", TypeBlob, `"https://example.com/fw"`, Blob("https://example.com/fw"), nil},
		{"类型不符", TypeInt32, `"x"`, nil, ErrConversionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON(tt.typ, json.RawMessage(tt.raw))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestValueEqual(t *testing.T) {
	assert.True(t, Blob(nil).Equal(Blob{}))
	assert.False(t, Uint32(1).Equal(Int32(1)))
	assert.False(t, Timestamp{Seconds: 1}.Equal(Timestamp{Seconds: 1, Valid: true}))
}

func TestPropertyTypeBits(t *testing.T) {
	typ := PropertyType{ValueType: TypeBlob, Kind: Public, Persistent: true, DesiredOutOfSync: true}
	assert.Equal(t, typ, PropertyTypeFromBits(typ.Bits()))
}

func TestThingName(t *testing.T) {
	parent := DeviceID{Address: 0xaabbccdd00112233, Technology: TechnologyEthernet}
	child := DeviceID{Address: 0x1122, Technology: TechnologyWiSafe, ChildID: 3, IsChild: true}

	t.Run("父设备", func(t *testing.T) {
		name := ThingName(parent, DeviceID{})
		assert.Equal(t, "aabbccdd00112233_0002_00", name)
		id, p, err := ParseThingName(name)
		require.NoError(t, err)
		assert.Equal(t, parent, id)
		assert.False(t, p.Valid())
	})

	t.Run("子设备", func(t *testing.T) {
		name := ThingName(child, parent)
		assert.Equal(t, "aabbccdd00112233_0002_00_0000000000001122_0000_03", name)
		id, p, err := ParseThingName(name)
		require.NoError(t, err)
		assert.Equal(t, child, id)
		assert.Equal(t, parent, p)
	})

	t.Run("格式错误", func(t *testing.T) {
		for _, name := range []string{"", "abc", "aabb_0002_00", "aabbccdd00112233_2_00"} {
			_, _, err := ParseThingName(name)
			assert.Error(t, err, name)
		}
	})
}

func TestSplitNestedName(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		parent     string
		child      string
		wantNested bool
	}{
		{"普通名称", "onln", "", "", false},
		{"嵌套名称", "upgrd_state", "upgrd", "state", true},
		{"各段截断", "upgrade_statusx", "upgra", "statu", true},
		{"首字符下划线", "_x", "", "", false},
		{"末尾下划线", "x_", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, c, ok := SplitNestedName(tt.in)
			assert.Equal(t, tt.wantNested, ok)
			assert.Equal(t, tt.parent, p)
			assert.Equal(t, tt.child, c)
		})
	}
}
