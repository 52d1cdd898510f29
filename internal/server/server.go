// gRPC service exposing the holiday master
package server

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nainya/bitemporal/pkg/holiday"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/master"
	"github.com/nainya/bitemporal/pkg/sentinel"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bitemporal.HolidayMaster"

// Version is reported by Health.
const Version = "1.0.0"

// HolidayMasterServer is the server API of the HolidayMaster service.
type HolidayMasterServer interface {
	Add(context.Context, *AddRequest) (*DocumentResponse, error)
	Get(context.Context, *GetRequest) (*DocumentResponse, error)
	GetAt(context.Context, *GetAtRequest) (*DocumentResponse, error)
	Update(context.Context, *WriteRequest) (*DocumentResponse, error)
	Correct(context.Context, *WriteRequest) (*DocumentResponse, error)
	Remove(context.Context, *RemoveRequest) (*RemoveResponse, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
	History(context.Context, *HistoryRequest) (*HistoryResponse, error)
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

// ServiceDesc describes HolidayMaster for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HolidayMasterServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Add", HolidayMasterServer.Add),
		unary("Get", HolidayMasterServer.Get),
		unary("GetAt", HolidayMasterServer.GetAt),
		unary("Update", HolidayMasterServer.Update),
		unary("Correct", HolidayMasterServer.Correct),
		unary("Remove", HolidayMasterServer.Remove),
		unary("Search", HolidayMasterServer.Search),
		unary("History", HolidayMasterServer.History),
		unary("Health", HolidayMasterServer.Health),
	},
	Metadata: "bitemporal/holiday_master",
}

func unary[Req, Resp any](name string, call func(HolidayMasterServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(HolidayMasterServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(HolidayMasterServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Register adds the service to s.
func Register(s *grpc.Server, srv HolidayMasterServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Server implements HolidayMasterServer over a master.
type Server struct {
	master  *master.Master[holiday.Holiday]
	started time.Time
}

// NewServer creates a Server.
func NewServer(m *master.Master[holiday.Holiday]) *Server {
	return &Server{master: m, started: time.Now()}
}

func (s *Server) Add(ctx context.Context, req *AddRequest) (*DocumentResponse, error) {
	h, err := decodeHoliday(req.Holiday)
	if err != nil {
		return nil, toStatus(err)
	}
	doc, err := s.master.Add(ctx, h)
	if err != nil {
		return nil, toStatus(err)
	}
	return documentResponse(toMessage(doc))
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*DocumentResponse, error) {
	uid, err := ids.ParseUniqueID(req.UniqueID)
	if err != nil {
		return nil, toStatus(err)
	}
	doc, err := s.master.Get(ctx, uid)
	if err != nil {
		return nil, toStatus(err)
	}
	return documentResponse(toMessage(doc))
}

func (s *Server) GetAt(ctx context.Context, req *GetAtRequest) (*DocumentResponse, error) {
	oid, err := ids.ParseObjectID(req.ObjectID)
	if err != nil {
		return nil, toStatus(err)
	}
	vc, err := parseVersionCorrection(req.VersionCorrection)
	if err != nil {
		return nil, toStatus(err)
	}
	doc, err := s.master.GetAt(ctx, oid, vc)
	if err != nil {
		return nil, toStatus(err)
	}
	return documentResponse(toMessage(doc))
}

func (s *Server) Update(ctx context.Context, req *WriteRequest) (*DocumentResponse, error) {
	uid, h, err := decodeWrite(req)
	if err != nil {
		return nil, toStatus(err)
	}
	doc, err := s.master.Update(ctx, uid, h)
	if err != nil {
		return nil, toStatus(err)
	}
	return documentResponse(toMessage(doc))
}

func (s *Server) Correct(ctx context.Context, req *WriteRequest) (*DocumentResponse, error) {
	uid, h, err := decodeWrite(req)
	if err != nil {
		return nil, toStatus(err)
	}
	doc, err := s.master.Correct(ctx, uid, h)
	if err != nil {
		return nil, toStatus(err)
	}
	return documentResponse(toMessage(doc))
}

func (s *Server) Remove(ctx context.Context, req *RemoveRequest) (*RemoveResponse, error) {
	uid, err := ids.ParseUniqueID(req.UniqueID)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.master.Remove(ctx, uid); err != nil {
		return nil, toStatus(err)
	}
	return &RemoveResponse{}, nil
}

func (s *Server) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	search, err := decodeSearch(*req)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.master.Search(ctx, search)
	if err != nil {
		return nil, toStatus(err)
	}
	docs, err := toMessages(res.Documents)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode documents: %v", err)
	}
	return &SearchResponse{Documents: docs, First: res.Paging.First, Size: res.Paging.Size, Total: res.Total}, nil
}

// History collects the whole iteration into one response.
func (s *Server) History(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	hist, err := decodeHistory(*req)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &HistoryResponse{Documents: []Document{}}
	for doc, err := range s.master.History(ctx, hist) {
		if err != nil {
			return nil, toStatus(err)
		}
		msg, err := toMessage(doc)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode document: %v", err)
		}
		resp.Documents = append(resp.Documents, msg)
	}
	return resp, nil
}

func (s *Server) Health(ctx context.Context, _ *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{
		Healthy:       s.master.Ping(ctx) == nil,
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}, nil
}

func decodeWrite(req *WriteRequest) (ids.UniqueID, holiday.Holiday, error) {
	uid, err := ids.ParseUniqueID(req.UniqueID)
	if err != nil {
		return ids.UniqueID{}, holiday.Holiday{}, err
	}
	h, err := decodeHoliday(req.Holiday)
	return uid, h, err
}

func documentResponse(msg Document, err error) (*DocumentResponse, error) {
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode document: %v", err)
	}
	return &DocumentResponse{Document: msg}, nil
}

// toStatus maps store errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch sentinel.Kind(err) {
	case "validation":
		code = codes.InvalidArgument
	case "not_found":
		code = codes.NotFound
	case "conflict":
		code = codes.Aborted
	case "timeout":
		code = codes.DeadlineExceeded
	case "unavailable":
		code = codes.Unavailable
	default:
		if errors.Is(err, context.Canceled) {
			code = codes.Canceled
		} else {
			code = codes.Internal
		}
	}
	return status.Error(code, err.Error())
}

// fromStatus maps gRPC codes back onto store errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var kind error
	switch st.Code() {
	case codes.InvalidArgument:
		kind = sentinel.ErrValidation
	case codes.NotFound:
		kind = sentinel.ErrNotFound
	case codes.Aborted:
		kind = sentinel.ErrConcurrentModification
	case codes.DeadlineExceeded:
		kind = sentinel.ErrTimeout
	case codes.Unavailable:
		kind = sentinel.ErrStorageUnavailable
	default:
		return err
	}
	return &remoteError{kind: kind, msg: st.Message()}
}

// remoteError carries a server-side failure across the wire.
type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }
