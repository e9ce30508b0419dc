package cloud

import (
	"bytes"
	"encoding/json"

	"github.com/taoyao-code/enso-gateway/internal/shadow"
)

// DocumentSize 影子更新文档的最大长度
const DocumentSize = 1000

// docEntry 文档中的一个键，嵌套属性挂在父键下
type docEntry struct {
	name     string
	raw      []byte
	children []docEntry
}

// Document 影子更新文档：{"state":{"reported":{...}},"clientToken":"..."}
type Document struct {
	max     int
	group   shadow.Group
	token   string
	started bool
	entries []docEntry
	nested  int
}

// NewDocument 创建文档，max<=0 时使用 DocumentSize
func NewDocument(max int) *Document {
	if max <= 0 {
		max = DocumentSize
	}
	return &Document{max: max}
}

// Start 开始一份新文档
func (d *Document) Start(g shadow.Group, clientToken string) {
	d.group = g
	d.token = clientToken
	d.started = true
	d.entries = d.entries[:0]
	d.nested = 0
}

// Started 是否处于构建中
func (d *Document) Started() bool { return d.started }

// Token 当前文档的 clientToken
func (d *Document) Token() string { return d.token }

// Reset 丢弃文档
func (d *Document) Reset() {
	d.started = false
	d.token = ""
	d.entries = d.entries[:0]
	d.nested = 0
}

// Empty 文档中没有属性
func (d *Document) Empty() bool { return len(d.entries) == 0 }

// Add 追加属性；parent_child 形式的名称与同父属性合并到一个对象中。
// 超出长度时返回 ErrBufferTooSmall，文档保持不变
func (d *Document) Add(name string, v shadow.Value) error {
	if !d.started {
		return shadow.ErrInternal
	}
	raw, err := shadow.FormatJSON(v)
	if err != nil {
		return err
	}
	return d.add(name, raw)
}

func (d *Document) add(name string, raw []byte) error {
	parent, child, nested := shadow.SplitNestedName(name)
	if !nested {
		d.entries = append(d.entries, docEntry{name: name, raw: raw})
		if d.size() > d.max {
			d.entries = d.entries[:len(d.entries)-1]
			return shadow.ErrBufferTooSmall
		}
		return nil
	}

	for i := range d.entries {
		e := &d.entries[i]
		if e.name != parent || e.children == nil {
			continue
		}
		e.children = append(e.children, docEntry{name: child, raw: raw})
		if d.size() > d.max {
			e.children = e.children[:len(e.children)-1]
			return shadow.ErrBufferTooSmall
		}
		return nil
	}

	if d.nested >= shadow.MaxDeltas {
		return shadow.ErrBufferTooBig
	}
	d.entries = append(d.entries, docEntry{name: parent, children: []docEntry{{name: child, raw: raw}}})
	if d.size() > d.max {
		d.entries = d.entries[:len(d.entries)-1]
		return shadow.ErrBufferTooSmall
	}
	d.nested++
	return nil
}

// Bytes 渲染完整文档
func (d *Document) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(d.max)
	buf.WriteString(`{"state":{`)
	writeKey(&buf, d.group.String())
	writeEntries(&buf, d.entries)
	buf.WriteString(`},"clientToken":`)
	writeString(&buf, d.token)
	buf.WriteByte('}')
	return buf.Bytes()
}

// Len 当前文档长度
func (d *Document) Len() int { return d.size() }

func (d *Document) size() int {
	return len(d.Bytes())
}

func writeEntries(buf *bytes.Buffer, entries []docEntry) {
	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeKey(buf, e.name)
		if e.children != nil {
			writeEntries(buf, e.children)
			continue
		}
		buf.Write(e.raw)
	}
	buf.WriteByte('}')
}

func writeKey(buf *bytes.Buffer, name string) {
	writeString(buf, name)
	buf.WriteByte(':')
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// DeletedDocument 属性删除文档，desired 与 reported 同时置 null
func DeletedDocument(cloudName, clientToken string) []byte {
	var entries []docEntry
	if parent, child, nested := shadow.SplitNestedName(cloudName); nested {
		entries = []docEntry{{name: parent, children: []docEntry{{name: child, raw: []byte("null")}}}}
	} else {
		entries = []docEntry{{name: cloudName, raw: []byte("null")}}
	}

	var buf bytes.Buffer
	buf.WriteString(`{"state":{`)
	writeKey(&buf, shadow.Desired.String())
	writeEntries(&buf, entries)
	buf.WriteByte(',')
	writeKey(&buf, shadow.Reported.String())
	writeEntries(&buf, entries)
	buf.WriteString(`},"clientToken":`)
	writeString(&buf, clientToken)
	buf.WriteByte('}')
	return buf.Bytes()
}
