package query

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully-qualified name of the query service.
	ServiceName = "carauction.v1.AuctionQueryService"

	GetAuctionProcedure       = "/" + ServiceName + "/GetAuction"
	ListOpenAuctionsProcedure = "/" + ServiceName + "/ListOpenAuctions"
)

// serviceFile describes the query service. Both methods take and return
// google.protobuf.Struct, so no generated message types are needed.
func serviceFile() *descriptorpb.FileDescriptorProto {
	structType := proto.String(".google.protobuf.Struct")
	return &descriptorpb.FileDescriptorProto{
		Name:       proto.String("carauction/v1/auction_query.proto"),
		Package:    proto.String("carauction.v1"),
		Dependency: []string{structpb.File_google_protobuf_struct_proto.Path()},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("AuctionQueryService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				{Name: proto.String("GetAuction"), InputType: structType, OutputType: structType},
				{Name: proto.String("ListOpenAuctions"), InputType: structType, OutputType: structType},
			},
		}},
		Options: &descriptorpb.FileOptions{
			GoPackage: proto.String("github.com/mcdev12/carauction/go/internal/auction/query"),
		},
		Syntax: proto.String("proto3"),
	}
}

// Files holds the query service descriptor and its dependencies, for reflection.
type Files struct {
	registry *protoregistry.Files
	service  protoreflect.ServiceDescriptor
}

func NewFiles() (*Files, error) {
	fd, err := protodesc.NewFile(serviceFile(), protoregistry.GlobalFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to build query service descriptor: %w", err)
	}

	registry := new(protoregistry.Files)
	for _, f := range []protoreflect.FileDescriptor{structpb.File_google_protobuf_struct_proto, fd} {
		if err := registry.RegisterFile(f); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", f.Path(), err)
		}
	}

	return &Files{
		registry: registry,
		service:  fd.Services().ByName("AuctionQueryService"),
	}, nil
}

// Resolver returns the registry holding the service descriptor.
func (f *Files) Resolver() *protoregistry.Files {
	return f.registry
}

func (f *Files) method(name protoreflect.Name) protoreflect.MethodDescriptor {
	return f.service.Methods().ByName(name)
}
