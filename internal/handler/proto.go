package handler

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// protoPackage is the protobuf package of api/nvstore/v1/store.proto
const protoPackage = "nvstore.v1"

// storeFile is the descriptor of api/nvstore/v1/store.proto. Messages are
// carried as dynamicpb messages built from it, so the standard gRPC proto
// codec moves them as ordinary protobuf.
var storeFile = mustBuildStoreFile()

type fieldKind = descriptorpb.FieldDescriptorProto_Type

const (
	kindString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
	kindBytes   = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	kindBool    = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	kindInt64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
	kindUint32  = descriptorpb.FieldDescriptorProto_TYPE_UINT32
	kindMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
)

func scalar(name string, number int32, kind fieldKind) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   kind.Enum(),
	}
}

func repeated(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func messageField(name string, number int32, message string) *descriptorpb.FieldDescriptorProto {
	f := scalar(name, number, kindMessage)
	f.TypeName = proto.String("." + protoPackage + "." + message)
	return f
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func method(name, in, out string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(name),
		InputType:  proto.String("." + protoPackage + "." + in),
		OutputType: proto.String("." + protoPackage + "." + out),
	}
}

func storeFileDescriptor() *descriptorpb.FileDescriptorProto {
	nsKey := func(name string) *descriptorpb.DescriptorProto {
		return message(name, scalar("namespace", 1, kindString), scalar("key", 2, kindString))
	}
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("nvstore/v1/store.proto"),
		Package: proto.String(protoPackage),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			message("Value", scalar("type", 1, kindString), scalar("data", 2, kindBytes)),
			nsKey("GetRequest"),
			message("GetResponse", messageField("value", 1, "Value")),
			message("SetRequest",
				scalar("namespace", 1, kindString),
				scalar("key", 2, kindString),
				messageField("value", 3, "Value")),
			message("SetResponse"),
			nsKey("EraseRequest"),
			message("EraseResponse"),
			nsKey("ExistsRequest"),
			message("ExistsResponse", scalar("exists", 1, kindBool)),
			message("ListRequest", scalar("namespace", 1, kindString)),
			message("EntryInfo",
				scalar("namespace", 1, kindString),
				scalar("key", 2, kindString),
				scalar("type", 3, kindString),
				scalar("size", 4, kindInt64)),
			message("ListResponse", repeated(messageField("entries", 1, "EntryInfo"))),
			message("StatsRequest"),
			message("PageStateCount", scalar("state", 1, kindString), scalar("count", 2, kindInt64)),
			message("StatsResponse",
				scalar("used_slots", 1, kindInt64),
				scalar("free_slots", 2, kindInt64),
				scalar("erased_slots", 3, kindInt64),
				scalar("total_slots", 4, kindInt64),
				repeated(scalar("namespaces", 5, kindString)),
				scalar("key_count", 6, kindInt64),
				repeated(messageField("pages_by_state", 7, "PageStateCount")),
				scalar("min_erase_count", 8, kindUint32),
				scalar("max_erase_count", 9, kindUint32)),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("Store"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("Get", "GetRequest", "GetResponse"),
				method("Set", "SetRequest", "SetResponse"),
				method("Erase", "EraseRequest", "EraseResponse"),
				method("Exists", "ExistsRequest", "ExistsResponse"),
				method("List", "ListRequest", "ListResponse"),
				method("Stats", "StatsRequest", "StatsResponse"),
			},
		}},
	}
}

// mustBuildStoreFile validates the descriptor and registers it so gRPC
// server reflection can describe the service.
func mustBuildStoreFile() protoreflect.FileDescriptor {
	fd, err := protodesc.NewFile(storeFileDescriptor(), nil)
	if err != nil {
		panic(fmt.Sprintf("invalid nvstore.v1 descriptor: %v", err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("failed to register nvstore.v1 descriptor: %v", err))
	}
	return fd
}

func messageDescriptor(name string) protoreflect.MessageDescriptor {
	md := storeFile.Messages().ByName(protoreflect.Name(name))
	if md == nil {
		panic("unknown nvstore.v1 message " + name)
	}
	return md
}

// Message is a Store request or response with a protobuf wire form. Only
// the types of this package implement it.
type Message interface {
	protoName() string
	marshalTo(m protoreflect.Message)
	unmarshalFrom(m protoreflect.Message)
}

// EncodeMessage returns the protobuf form of msg
func EncodeMessage(msg Message) *dynamicpb.Message {
	m := dynamicpb.NewMessage(messageDescriptor(msg.protoName()))
	msg.marshalTo(m)
	return m
}

// NewMessage returns a blank protobuf message to receive msg into
func NewMessage(msg Message) *dynamicpb.Message {
	return dynamicpb.NewMessage(messageDescriptor(msg.protoName()))
}

// DecodeMessage fills msg from m, a message built by NewMessage or
// EncodeMessage for the same type.
func DecodeMessage(m protoreflect.ProtoMessage, msg Message) error {
	pm := m.ProtoReflect()
	if got, want := pm.Descriptor().FullName(), messageDescriptor(msg.protoName()).FullName(); got != want {
		return fmt.Errorf("cannot decode %s into %s", got, want)
	}
	msg.unmarshalFrom(pm)
	return nil
}

func field(m protoreflect.Message, name string) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByName(protoreflect.Name(name))
}

// Zero values are left unset: proto3 does not put them on the wire.

func setString(m protoreflect.Message, name, v string) {
	if v != "" {
		m.Set(field(m, name), protoreflect.ValueOfString(v))
	}
}

func getString(m protoreflect.Message, name string) string {
	return m.Get(field(m, name)).String()
}

func setInt(m protoreflect.Message, name string, v int) {
	if v != 0 {
		m.Set(field(m, name), protoreflect.ValueOfInt64(int64(v)))
	}
}

func setUint32(m protoreflect.Message, name string, v uint32) {
	if v != 0 {
		m.Set(field(m, name), protoreflect.ValueOfUint32(v))
	}
}

func getInt(m protoreflect.Message, name string) int {
	return int(m.Get(field(m, name)).Int())
}
