// Package stream serves the live scene over gRPC. The SceneService carries
// scenes as google.protobuf.Struct values in the same JSON shape as
// GET /context/latest, so clients need no generated message types.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/aura/internal/monitoring"
	"github.com/banshee-data/aura/internal/scene"
)

var logf = monitoring.Component("grpc")

const (
	ServiceName = "aura.scene.v1.SceneService"

	latestMethod = "/" + ServiceName + "/Latest"
	watchMethod  = "/" + ServiceName + "/Watch"
)

// SceneSource is the read side of the scene store.
type SceneSource interface {
	Get() (scene.Scene, bool)
	Subscribe() (string, <-chan scene.Scene)
	Unsubscribe(id string)
	SubscriberCount() int
}

// SceneServiceServer is the server API for SceneService.
type SceneServiceServer interface {
	// Latest returns the current scene, or NotFound before the first frame.
	Latest(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Watch sends the current scene, if any, then every newer one.
	Watch(*emptypb.Empty, SceneService_WatchServer) error
}

// SceneService_WatchServer is the server side of a Watch stream.
type SceneService_WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type sceneServiceWatchServer struct {
	grpc.ServerStream
}

func (x *sceneServiceWatchServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// SceneServiceDesc describes SceneService for grpc.ServiceRegistrar.
var SceneServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SceneServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Latest", Handler: latestHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "aura/scene/v1/scene.proto",
}

// RegisterSceneServiceServer registers srv on s.
func RegisterSceneServiceServer(s grpc.ServiceRegistrar, srv SceneServiceServer) {
	s.RegisterService(&SceneServiceDesc, srv)
}

func latestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SceneServiceServer).Latest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: latestMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SceneServiceServer).Latest(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(SceneServiceServer).Watch(m, &sceneServiceWatchServer{stream})
}

// Service implements SceneServiceServer over a SceneSource.
type Service struct {
	Source  SceneSource
	Metrics *monitoring.Metrics
}

var _ SceneServiceServer = (*Service)(nil)

func (s *Service) Latest(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sc, ok := s.Source.Get()
	if !ok {
		return nil, status.Error(codes.NotFound, "no data")
	}
	return SceneToStruct(sc)
}

func (s *Service) Watch(_ *emptypb.Empty, stream SceneService_WatchServer) error {
	id, updates := s.Source.Subscribe()
	defer func() {
		s.Source.Unsubscribe(id)
		s.Metrics.RecordSubscribers(s.Source.SubscriberCount())
	}()
	s.Metrics.RecordSubscribers(s.Source.SubscriberCount())
	logf("watch %s started", id)

	var sent uint64
	if sc, ok := s.Source.Get(); ok {
		if err := send(stream, sc); err != nil {
			return err
		}
		sent = sc.Version
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			logf("watch %s ended: %v", id, ctx.Err())
			return nil
		case sc, ok := <-updates:
			if !ok {
				return status.Error(codes.Unavailable, "scene store closed")
			}
			if sc.Version <= sent {
				continue
			}
			if err := send(stream, sc); err != nil {
				return err
			}
			sent = sc.Version
		}
	}
}

func send(stream SceneService_WatchServer, sc scene.Scene) error {
	msg, err := SceneToStruct(sc)
	if err != nil {
		return err
	}
	return stream.Send(msg)
}

// SceneToStruct converts a scene to its JSON form as a protobuf Struct.
func SceneToStruct(sc scene.Scene) (*structpb.Struct, error) {
	b, err := json.Marshal(sc)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode scene: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode scene: %v", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode scene: %v", err)
	}
	return st, nil
}

// StructToScene is the inverse of SceneToStruct, for clients.
func StructToScene(st *structpb.Struct) (scene.Scene, error) {
	b, err := st.MarshalJSON()
	if err != nil {
		return scene.Scene{}, fmt.Errorf("decode scene: %w", err)
	}
	var sc scene.Scene
	if err := json.Unmarshal(b, &sc); err != nil {
		return scene.Scene{}, fmt.Errorf("decode scene: %w", err)
	}
	return sc, nil
}

// SceneServiceClient is the client API for SceneService.
type SceneServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewSceneServiceClient(cc grpc.ClientConnInterface) *SceneServiceClient {
	return &SceneServiceClient{cc: cc}
}

// Latest fetches the current scene.
func (c *SceneServiceClient) Latest(ctx context.Context, opts ...grpc.CallOption) (scene.Scene, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, latestMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return scene.Scene{}, err
	}
	return StructToScene(out)
}

// SceneWatcher receives scenes from a Watch stream.
type SceneWatcher struct {
	stream grpc.ClientStream
}

// Recv blocks for the next scene.
func (w *SceneWatcher) Recv() (scene.Scene, error) {
	m := new(structpb.Struct)
	if err := w.stream.RecvMsg(m); err != nil {
		return scene.Scene{}, err
	}
	return StructToScene(m)
}

// Watch opens a stream of scenes; cancel ctx to end it.
func (c *SceneServiceClient) Watch(ctx context.Context, opts ...grpc.CallOption) (*SceneWatcher, error) {
	stream, err := c.cc.NewStream(ctx, &SceneServiceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &SceneWatcher{stream: stream}, nil
}
