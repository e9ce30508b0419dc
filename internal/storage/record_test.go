package storage

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
)

var recDevice = shadow.DeviceID{Address: 0x0102030405060708, Technology: shadow.TechnologyZigBee, ChildID: 3, IsChild: true}

func TestRecord_Encode(t *testing.T) {
	tests := []struct {
		name  string
		vt    shadow.ValueType
		value shadow.Value
	}{
		{"有符号整数", shadow.TypeInt32, shadow.Int32(-42)},
		{"无符号整数", shadow.TypeUint32, shadow.Uint32(4000000000)},
		{"浮点数", shadow.TypeFloat32, shadow.Float32(21.5)},
		{"布尔值", shadow.TypeBool, shadow.Bool(true)},
		{"字符串", shadow.TypeString, shadow.String("kitchen")},
		{"空字符串", shadow.TypeString, shadow.String("")},
		{"时间戳", shadow.TypeTimestamp, shadow.Timestamp{Seconds: 1700000000, Valid: true}},
		{"无效时间戳", shadow.TypeTimestamp, shadow.Timestamp{Seconds: 12}},
		{"blob", shadow.TypeBlob, shadow.Blob{0xde, 0xad, 0xbe, 0xef}},
		{"空 blob", shadow.TypeBlob, shadow.Blob{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Record{
				DeviceID:   recDevice,
				PropertyID: 0x00010002,
				Type:       shadow.PropertyType{ValueType: tt.vt, Kind: shadow.Public, Persistent: true, ReportedOutOfSync: true},
				Group:      shadow.Reported,
				CloudName:  "prop",
				Value:      tt.value,
			}
			data, err := in.Encode()
			require.NoError(t, err)

			d := NewDecoder(bytes.NewReader(data))
			out, err := d.Next()
			require.NoError(t, err)
			assert.Equal(t, in.DeviceID, out.DeviceID)
			assert.Equal(t, in.Type, out.Type)
			assert.Equal(t, in.CloudName, out.CloudName)
			assert.True(t, in.Value.Equal(out.Value), "want %v got %v", in.Value, out.Value)
			assert.False(t, out.IsPropertyTombstone())

			_, err = d.Next()
			assert.ErrorIs(t, err, io.EOF)
			assert.Equal(t, int64(len(data)), d.Offset())
		})
	}
}

func TestRecord_Tombstones(t *testing.T) {
	data, err := DeviceTombstone(recDevice).Encode()
	require.NoError(t, err)
	assert.Len(t, data, headerSize)

	prop, err := PropertyTombstone(recDevice, 0x10).Encode()
	require.NoError(t, err)

	recs, err := DecodeAll(append(data, prop...))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].IsDeviceTombstone())
	assert.Equal(t, recDevice, recs[0].DeviceID)
	assert.True(t, recs[1].IsPropertyTombstone())
	assert.Equal(t, uint32(0x10), recs[1].PropertyID)
}

func TestRecord_Invalid(t *testing.T) {
	t.Run("云端名称过长", func(t *testing.T) {
		_, err := Record{DeviceID: recDevice, PropertyID: 1, CloudName: "abcdefghijkl"}.Encode()
		assert.ErrorIs(t, err, shadow.ErrOutOfRange)
	})

	t.Run("值类型不匹配", func(t *testing.T) {
		r := Record{DeviceID: recDevice, PropertyID: 1, CloudName: "x",
			Type: shadow.PropertyType{ValueType: shadow.TypeBool}, Value: shadow.Uint32(1)}
		_, err := r.Encode()
		assert.ErrorIs(t, err, shadow.ErrWrongType)
	})

	valid, err := Record{DeviceID: recDevice, PropertyID: 1, CloudName: "x",
		Type: shadow.PropertyType{ValueType: shadow.TypeUint32}, Value: shadow.Uint32(9)}.Encode()
	require.NoError(t, err)

	t.Run("记录被截断", func(t *testing.T) {
		_, err := DecodeAll(valid[:len(valid)-3])
		assert.ErrorIs(t, err, shadow.ErrReadFailed)
	})

	t.Run("长度字段错误", func(t *testing.T) {
		bad := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint16(bad[tagSize+shadow.CloudNameBufferSize:], 7)
		recs, err := DecodeAll(append(append([]byte(nil), valid...), bad...))
		assert.ErrorIs(t, err, shadow.ErrReadFailed)
		assert.Len(t, recs, 1, "损坏前的记录已解码")
	})
}
