package handler

import (
	"fmt"
	"sort"

	"github.com/devrev/nvstore/internal/errors"
	"github.com/devrev/nvstore/internal/model"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Value is a typed value on the wire. Type is the type name ("u8", "i32",
// "string", "blob", ...); integers travel as their little endian bytes.
type Value struct {
	Type string
	Data []byte
}

// ToModel converts a wire value to a store value
func (v Value) ToModel() (model.Value, error) {
	t, ok := model.ParseValueType(v.Type)
	if !ok {
		return model.Value{}, errors.InvalidArgument(fmt.Sprintf("unknown value type %q", v.Type), nil)
	}
	return model.Value{Type: t, Data: v.Data}, nil
}

// FromModel converts a store value to its wire form
func FromModel(v model.Value) Value {
	return Value{Type: v.Type.String(), Data: v.Data}
}

func (v Value) marshalTo(m protoreflect.Message) {
	setString(m, "type", v.Type)
	if len(v.Data) > 0 {
		m.Set(field(m, "data"), protoreflect.ValueOfBytes(v.Data))
	}
}

func (v *Value) unmarshalFrom(m protoreflect.Message) {
	v.Type = getString(m, "type")
	if b := m.Get(field(m, "data")).Bytes(); len(b) > 0 {
		v.Data = append([]byte(nil), b...)
	}
}

// putValue fills the Value message field name of m
func putValue(m protoreflect.Message, name string, v Value) {
	v.marshalTo(m.Mutable(field(m, name)).Message())
}

func takeValue(m protoreflect.Message, name string) Value {
	var v Value
	v.unmarshalFrom(m.Get(field(m, name)).Message())
	return v
}

type GetRequest struct {
	Namespace string
	Key       string
}

func (*GetRequest) protoName() string { return "GetRequest" }

func (r *GetRequest) marshalTo(m protoreflect.Message) {
	setString(m, "namespace", r.Namespace)
	setString(m, "key", r.Key)
}

func (r *GetRequest) unmarshalFrom(m protoreflect.Message) {
	r.Namespace, r.Key = getString(m, "namespace"), getString(m, "key")
}

type GetResponse struct {
	Value Value
}

func (*GetResponse) protoName() string { return "GetResponse" }

func (r *GetResponse) marshalTo(m protoreflect.Message) { putValue(m, "value", r.Value) }

func (r *GetResponse) unmarshalFrom(m protoreflect.Message) { r.Value = takeValue(m, "value") }

type SetRequest struct {
	Namespace string
	Key       string
	Value     Value
}

func (*SetRequest) protoName() string { return "SetRequest" }

func (r *SetRequest) marshalTo(m protoreflect.Message) {
	setString(m, "namespace", r.Namespace)
	setString(m, "key", r.Key)
	putValue(m, "value", r.Value)
}

func (r *SetRequest) unmarshalFrom(m protoreflect.Message) {
	r.Namespace, r.Key = getString(m, "namespace"), getString(m, "key")
	r.Value = takeValue(m, "value")
}

type SetResponse struct{}

func (*SetResponse) protoName() string                  { return "SetResponse" }
func (*SetResponse) marshalTo(protoreflect.Message)     {}
func (*SetResponse) unmarshalFrom(protoreflect.Message) {}

type EraseRequest struct {
	Namespace string
	Key       string
}

func (*EraseRequest) protoName() string { return "EraseRequest" }

func (r *EraseRequest) marshalTo(m protoreflect.Message) {
	setString(m, "namespace", r.Namespace)
	setString(m, "key", r.Key)
}

func (r *EraseRequest) unmarshalFrom(m protoreflect.Message) {
	r.Namespace, r.Key = getString(m, "namespace"), getString(m, "key")
}

type EraseResponse struct{}

func (*EraseResponse) protoName() string                  { return "EraseResponse" }
func (*EraseResponse) marshalTo(protoreflect.Message)     {}
func (*EraseResponse) unmarshalFrom(protoreflect.Message) {}

type ExistsRequest struct {
	Namespace string
	Key       string
}

func (*ExistsRequest) protoName() string { return "ExistsRequest" }

func (r *ExistsRequest) marshalTo(m protoreflect.Message) {
	setString(m, "namespace", r.Namespace)
	setString(m, "key", r.Key)
}

func (r *ExistsRequest) unmarshalFrom(m protoreflect.Message) {
	r.Namespace, r.Key = getString(m, "namespace"), getString(m, "key")
}

type ExistsResponse struct {
	Exists bool
}

func (*ExistsResponse) protoName() string { return "ExistsResponse" }

func (r *ExistsResponse) marshalTo(m protoreflect.Message) {
	if r.Exists {
		m.Set(field(m, "exists"), protoreflect.ValueOfBool(true))
	}
}

func (r *ExistsResponse) unmarshalFrom(m protoreflect.Message) {
	r.Exists = m.Get(field(m, "exists")).Bool()
}

// ListRequest lists the keys of Namespace, or of every namespace when empty
type ListRequest struct {
	Namespace string
}

func (*ListRequest) protoName() string { return "ListRequest" }

func (r *ListRequest) marshalTo(m protoreflect.Message) { setString(m, "namespace", r.Namespace) }

func (r *ListRequest) unmarshalFrom(m protoreflect.Message) { r.Namespace = getString(m, "namespace") }

type EntryInfo struct {
	Namespace string
	Key       string
	Type      string
	Size      int
}

type ListResponse struct {
	Entries []EntryInfo
}

func (*ListResponse) protoName() string { return "ListResponse" }

func (r *ListResponse) marshalTo(m protoreflect.Message) {
	list := m.Mutable(field(m, "entries")).List()
	for _, e := range r.Entries {
		el := list.NewElement()
		em := el.Message()
		setString(em, "namespace", e.Namespace)
		setString(em, "key", e.Key)
		setString(em, "type", e.Type)
		setInt(em, "size", e.Size)
		list.Append(el)
	}
}

func (r *ListResponse) unmarshalFrom(m protoreflect.Message) {
	list := m.Get(field(m, "entries")).List()
	r.Entries = make([]EntryInfo, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		em := list.Get(i).Message()
		r.Entries = append(r.Entries, EntryInfo{
			Namespace: getString(em, "namespace"),
			Key:       getString(em, "key"),
			Type:      getString(em, "type"),
			Size:      getInt(em, "size"),
		})
	}
}

type StatsRequest struct{}

func (*StatsRequest) protoName() string                  { return "StatsRequest" }
func (*StatsRequest) marshalTo(protoreflect.Message)     {}
func (*StatsRequest) unmarshalFrom(protoreflect.Message) {}

type StatsResponse struct {
	UsedSlots     int
	FreeSlots     int
	ErasedSlots   int
	TotalSlots    int
	Namespaces    []string
	KeyCount      int
	PagesByState  map[string]int
	MinEraseCount uint32
	MaxEraseCount uint32
}

func (*StatsResponse) protoName() string { return "StatsResponse" }

func (r *StatsResponse) marshalTo(m protoreflect.Message) {
	setInt(m, "used_slots", r.UsedSlots)
	setInt(m, "free_slots", r.FreeSlots)
	setInt(m, "erased_slots", r.ErasedSlots)
	setInt(m, "total_slots", r.TotalSlots)
	setInt(m, "key_count", r.KeyCount)
	setUint32(m, "min_erase_count", r.MinEraseCount)
	setUint32(m, "max_erase_count", r.MaxEraseCount)

	names := m.Mutable(field(m, "namespaces")).List()
	for _, ns := range r.Namespaces {
		names.Append(protoreflect.ValueOfString(ns))
	}

	states := make([]string, 0, len(r.PagesByState))
	for s := range r.PagesByState {
		states = append(states, s)
	}
	sort.Strings(states)
	counts := m.Mutable(field(m, "pages_by_state")).List()
	for _, s := range states {
		el := counts.NewElement()
		setString(el.Message(), "state", s)
		setInt(el.Message(), "count", r.PagesByState[s])
		counts.Append(el)
	}
}

func (r *StatsResponse) unmarshalFrom(m protoreflect.Message) {
	r.UsedSlots = getInt(m, "used_slots")
	r.FreeSlots = getInt(m, "free_slots")
	r.ErasedSlots = getInt(m, "erased_slots")
	r.TotalSlots = getInt(m, "total_slots")
	r.KeyCount = getInt(m, "key_count")
	r.MinEraseCount = uint32(m.Get(field(m, "min_erase_count")).Uint())
	r.MaxEraseCount = uint32(m.Get(field(m, "max_erase_count")).Uint())

	names := m.Get(field(m, "namespaces")).List()
	r.Namespaces = make([]string, 0, names.Len())
	for i := 0; i < names.Len(); i++ {
		r.Namespaces = append(r.Namespaces, names.Get(i).String())
	}

	counts := m.Get(field(m, "pages_by_state")).List()
	r.PagesByState = make(map[string]int, counts.Len())
	for i := 0; i < counts.Len(); i++ {
		cm := counts.Get(i).Message()
		r.PagesByState[getString(cm, "state")] = getInt(cm, "count")
	}
}
