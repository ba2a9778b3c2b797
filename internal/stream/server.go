package stream

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// maxMsgSize allows scenes that inline an annotated JPEG.
const maxMsgSize = 16 * 1024 * 1024

// StopGrace bounds how long Stop waits for open calls.
var StopGrace = 2 * time.Second

// Server hosts SceneService and the standard health service.
type Server struct {
	server  *grpc.Server
	health  *health.Server
	running atomic.Bool
	wg      sync.WaitGroup
	addr    net.Addr
}

// NewServer builds a gRPC server serving svc.
func NewServer(svc SceneServiceServer) *Server {
	s := &Server{
		server: grpc.NewServer(
			grpc.MaxRecvMsgSize(maxMsgSize),
			grpc.MaxSendMsgSize(maxMsgSize),
		),
		health: health.NewServer(),
	}
	RegisterSceneServiceServer(s.server, svc)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve starts serving on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	if s.running.Swap(true) {
		return fmt.Errorf("grpc server already running")
	}
	s.addr = lis.Addr()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("[grpc] SceneService listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			log.Printf("[grpc] server error: %v", err)
		}
	}()
	return nil
}

// ListenAndServe binds addr and serves in the background.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Addr returns the bound address once serving.
func (s *Server) Addr() net.Addr { return s.addr }

// Stop marks the services NOT_SERVING and drains in-flight calls. Watch
// streams that are still open after StopGrace are cut off.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(StopGrace):
		s.server.Stop()
		<-done
	}
	s.wg.Wait()
	log.Printf("[grpc] server stopped")
}
