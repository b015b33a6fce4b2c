package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"DSCLedger/internal/observability"
	"DSCLedger/internal/query"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/selector"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCServer serves the ledger over gRPC and read routes over HTTP/JSON.
type GRPCServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	health     *health.Server
	api        *ledgerService
	grpcAddr   string
	httpAddr   string
	checker    *observability.HealthChecker
	gatherer   prometheus.Gatherer
	logger     zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	Ingest        Submitter
	EventLog      EventLog
	Auth          *Authenticator
	Faucet        Faucet
	Prices        PriceSetter
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Gatherer      prometheus.Gatherer
	Logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the ledger, health and reflection
// services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps ServerDeps) *GRPCServer {
	logger := deps.Logger.With().Str("component", "server").Logger()

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			loggingInterceptor(logger),
			metricsInterceptor(deps.Metrics),
			selector.UnaryServerInterceptor(
				auth.UnaryServerInterceptor(deps.Auth.AuthFunc),
				selector.MatchFunc(requiresAuth),
			),
		),
	)

	api := &ledgerService{
		faucet:   deps.Faucet,
		prices:   deps.Prices,
		ingest:   deps.Ingest,
		queries:  deps.QueryService,
		eventLog: deps.EventLog,
		db:       deps.DB,
		logger:   logger,
	}
	grpcServer.RegisterService(&LedgerServiceDesc, api)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		api:        api,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		checker:    deps.HealthChecker,
		gatherer:   gatherer,
		logger:     logger,
	}
}

// SetServing flips the gRPC health status of the ledger service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// Serve serves gRPC on lis until Stop.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop drains in-flight calls and stops the server.
func (s *GRPCServer) Stop() {
	s.grpcServer.GracefulStop()
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// HTTPHandler returns the HTTP/JSON surface: read routes on a grpc-gateway
// mux plus health and metrics.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		pattern string
		call    func(context.Context, *structpb.Struct) (*structpb.Struct, error)
	}{
		{"/v1/accounts/{user}", s.api.GetAccount},
		{"/v1/accounts/{user}/positions", s.api.GetPositions},
		{"/v1/accounts/{user}/liquidations", s.api.ListLiquidations},
		{"/v1/accounts/{user}/journals", s.api.ListJournals},
		{"/v1/solvency", s.api.GetSolvency},
		{"/v1/event-log", s.api.GetEventLogInfo},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(http.MethodGet, rt.pattern, s.jsonRoute(rt.call)); err != nil {
			return nil, fmt.Errorf("register %s: %w", rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.checker != nil {
		httpMux.HandleFunc("/healthz", s.checker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.checker.ReadinessHandler)
	}
	httpMux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// jsonRoute adapts a ledger method to HTTP. Path parameters and query
// string values become request fields.
func (s *GRPCServer) jsonRoute(call func(context.Context, *structpb.Struct) (*structpb.Struct, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		fields := make(map[string]interface{}, len(pathParams))
		for k, vals := range r.URL.Query() {
			if len(vals) > 0 {
				fields[k] = vals[0]
			}
		}
		for k, v := range pathParams {
			fields[k] = v
		}

		w.Header().Set("Content-Type", "application/json")
		in, err := structpb.NewStruct(fields)
		if err == nil {
			var out *structpb.Struct
			if out, err = call(r.Context(), in); err == nil {
				json.NewEncoder(w).Encode(out.AsMap())
				return
			}
		}

		st, _ := status.FromError(err)
		w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    st.Code().String(),
			"message": st.Message(),
		})
	}
}

// StartHTTPGateway starts the HTTP server (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
