package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/enso-gateway/internal/shadow"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xffff), c.DeviceType)

	byID := make(map[uint32]CatalogEntry, len(c.Properties))
	for _, e := range c.Properties {
		byID[e.ID] = e
		assert.Less(t, len(e.Name), shadow.CloudNameBufferSize, e.Name)
	}

	for _, id := range []uint32{
		shadow.PropGatewayResetID,
		shadow.PropGatewayRegisterID,
		shadow.PropOnlineSeqNoID,
		shadow.PropCertManagerURLID,
	} {
		e, ok := byID[id]
		require.True(t, ok, "%#x", id)
		h, err := e.handler()
		require.NoError(t, err)
		assert.Equal(t, shadow.GatewayHandler, h)
		assert.Equal(t, shadow.Desired, e.group())
	}

	owner := byID[shadow.PropOwnerID]
	k, err := owner.kind()
	require.NoError(t, err)
	assert.Equal(t, shadow.Private, k)
	assert.True(t, owner.Persistent)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"语法错误", "properties: [\n"},
		{"重复ID", "properties:\n  - {id: 1, name: a, type: uint32}\n  - {id: 1, name: b, type: uint32}\n"},
		{"ID为零", "properties:\n  - {id: 0, name: a, type: uint32}\n"},
		{"未知类型", "properties:\n  - {id: 1, name: a, type: double}\n"},
		{"未知可见性", "properties:\n  - {id: 1, name: a, type: uint32, kind: secret}\n"},
		{"未知处理器", "properties:\n  - {id: 1, name: a, type: uint32, handler: zigbee}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		name    string
		vt      shadow.ValueType
		in      string
		want    shadow.Value
		wantErr bool
	}{
		{"空串取零值", shadow.TypeUint32, "", shadow.Uint32(0), false},
		{"十六进制", shadow.TypeUint32, "0x1f", shadow.Uint32(31), false},
		{"负数", shadow.TypeInt32, "-5", shadow.Int32(-5), false},
		{"浮点", shadow.TypeFloat32, "1.5", shadow.Float32(1.5), false},
		{"布尔", shadow.TypeBool, "true", shadow.Bool(true), false},
		{"字符串", shadow.TypeString, "hall", shadow.String("hall"), false},
		{"字符串过长", shadow.TypeString, "abcdefghijkl", nil, true},
		{"缓冲区", shadow.TypeBlob, "enso-gw", shadow.Blob("enso-gw"), false},
		{"时间戳", shadow.TypeTimestamp, "1700000000", shadow.Timestamp{Seconds: 1700000000, Valid: true}, false},
		{"非数字", shadow.TypeUint32, "abc", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseValue(tt.vt, tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}
