package replaypb

import (
	"bytes"
	"context"
	"encoding/gob"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cartridge.sampler.ReplayService"

// SampleStreamMethod is the full method path of the sampling stream.
const SampleStreamMethod = "/" + ServiceName + "/SampleStream"

// CodecName identifies the stream codec; clients select it through the
// content-subtype so servers resolve the same registered codec.
const CodecName = "replaygob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec moves the hand-maintained message structs over gRPC. gob is
// self-describing, so schema evolution between client and server builds
// degrades to decode errors rather than silent corruption.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return CodecName }

// SampleStreamClient is the client side of the bidirectional sampling
// stream.
type SampleStreamClient interface {
	Send(*SampleStreamRequest) error
	Recv() (*SampleStreamResponse, error)
	CloseSend() error
}

// ReplayClient opens sampling streams against a replay server.
type ReplayClient interface {
	SampleStream(ctx context.Context, opts ...grpc.CallOption) (SampleStreamClient, error)
}

type replayClient struct {
	cc grpc.ClientConnInterface
}

// NewReplayClient returns a ReplayClient backed by the given connection.
func NewReplayClient(cc grpc.ClientConnInterface) ReplayClient {
	return &replayClient{cc: cc}
}

func (c *replayClient) SampleStream(ctx context.Context, opts ...grpc.CallOption) (SampleStreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ReplayService_ServiceDesc.Streams[0], SampleStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &sampleStreamClient{stream}, nil
}

type sampleStreamClient struct {
	grpc.ClientStream
}

func (x *sampleStreamClient) Send(m *SampleStreamRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *sampleStreamClient) Recv() (*SampleStreamResponse, error) {
	m := new(SampleStreamResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// SampleStreamServer is the server side of the sampling stream.
type SampleStreamServer interface {
	Send(*SampleStreamResponse) error
	Recv() (*SampleStreamRequest, error)
}

// ReplayServer is implemented by sampling servers.
type ReplayServer interface {
	SampleStream(SampleStreamServer) error
}

// RegisterReplayServer registers srv with the gRPC registrar.
func RegisterReplayServer(s grpc.ServiceRegistrar, srv ReplayServer) {
	s.RegisterService(&ReplayService_ServiceDesc, srv)
}

type sampleStreamServer struct {
	grpc.ServerStream
}

func (x *sampleStreamServer) Send(m *SampleStreamResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *sampleStreamServer) Recv() (*SampleStreamRequest, error) {
	m := new(SampleStreamRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func sampleStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ReplayServer).SampleStream(&sampleStreamServer{stream})
}

// ReplayService_ServiceDesc describes the service to gRPC.
var ReplayService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SampleStream",
			Handler:       sampleStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "replaypb/messages.go",
}
