// Integration tests for the HolidayMaster gRPC service
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nainya/bitemporal/internal/logger"
	"github.com/nainya/bitemporal/internal/metrics"
	"github.com/nainya/bitemporal/internal/testutil"
	"github.com/nainya/bitemporal/pkg/holiday"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/interval"
	"github.com/nainya/bitemporal/pkg/master"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
	"github.com/nainya/bitemporal/pkg/store/memstore"
)

const bufSize = 1024 * 1024

var (
	gb   = ids.ExternalID{Scheme: "ISO3166", Value: "GB"}
	us   = ids.ExternalID{Scheme: "ISO3166", Value: "US"}
	xlon = ids.ExternalID{Scheme: "MIC", Value: "XLON"}
)

type testServer struct {
	client  *Client
	conn    *grpc.ClientConn
	metrics *metrics.Metrics
	logs    *bytes.Buffer
}

// setupTestServer serves a memory-backed master over bufconn. wrap, when
// given, decorates the service before registration.
func setupTestServer(t *testing.T, wrap ...func(HolidayMasterServer) HolidayMasterServer) testServer {
	t.Helper()
	backend, err := memstore.New(store.Options[holiday.Holiday]{
		Scheme:  holiday.Scheme,
		Indexer: holiday.Index,
		Clock:   testutil.NewStepClock(),
	})
	require.NoError(t, err)

	ts := testServer{
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
		logs:    &bytes.Buffer{},
	}
	log := logger.NewLogger(logger.Config{Level: "debug", Output: ts.logs})
	m, err := master.New(backend, master.Options[holiday.Holiday]{
		Scheme:    holiday.Scheme,
		Validator: holiday.Validate,
		Backend:   "memory",
		Logger:    log,
		Metrics:   ts.metrics,
	})
	require.NoError(t, err)

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(Interceptors(ts.metrics, log))
	var srv HolidayMasterServer = NewServer(m)
	for _, w := range wrap {
		srv = w(srv)
	}
	Register(grpcServer, srv)
	go func() {
		_ = grpcServer.Serve(lis)
	}()

	bufDialer := func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}
	ts.client, ts.conn, err = Dial("passthrough:///bufnet", grpc.WithContextDialer(bufDialer))
	require.NoError(t, err)

	t.Cleanup(func() {
		ts.conn.Close()
		grpcServer.Stop()
		lis.Close()
		m.Close()
	})
	return ts
}

func ukBank(name string) holiday.Holiday {
	return holiday.MustNew(name, holiday.Bank, holiday.WithRegion(gb),
		holiday.WithDates(holiday.NewDate(2024, time.December, 25)))
}

func TestAddAndGet(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	added, err := ts.client.Add(ctx, ukBank("UK"))
	require.NoError(t, err)
	assert.True(t, added.UniqueID.IsVersioned())
	assert.Equal(t, holiday.Scheme, added.ObjectID().Scheme)
	assert.True(t, added.Current())

	got, err := ts.client.Get(ctx, added.UniqueID)
	require.NoError(t, err)
	assert.Equal(t, added.Stamp, got.Stamp)
	assert.True(t, got.Payload.Equal(ukBank("UK")))
	assert.Equal(t, "UK", got.Name)

	latest, err := ts.client.GetAt(ctx, added.ObjectID(), ids.Latest)
	require.NoError(t, err)
	assert.Equal(t, added.UniqueID, latest.UniqueID)
}

func TestUpdateCorrectAndHistory(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	added, err := ts.client.Add(ctx, ukBank("UK"))
	require.NoError(t, err)
	updated, err := ts.client.Update(ctx, added.UniqueID, ukBank("UK v2"))
	require.NoError(t, err)
	corrected, err := ts.client.Correct(ctx, updated.UniqueID, ukBank("UK v2 fixed"))
	require.NoError(t, err)

	before, err := ts.client.GetAt(ctx, added.ObjectID(), ids.OfVersionAsOf(added.VersionFrom))
	require.NoError(t, err)
	assert.Equal(t, "UK", before.Name)

	history, err := ts.client.History(ctx, store.HistoryRequest{ObjectID: added.ObjectID()})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, corrected.UniqueID, history[2].UniqueID)

	point, err := ts.client.History(ctx, store.HistoryRequest{
		ObjectID: added.ObjectID(),
		Versions: interval.At(added.VersionFrom),
	})
	require.NoError(t, err)
	require.Len(t, point, 1)
	assert.Equal(t, added.UniqueID, point[0].UniqueID)

	require.NoError(t, ts.client.Remove(ctx, added.ObjectID().AtLatest()))
	_, err = ts.client.GetAt(ctx, added.ObjectID(), ids.Latest)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestErrorsKeepTheirKind(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	_, err := ts.client.Get(ctx, ids.MustObjectID(holiday.Scheme, "404").AtLatest())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	added, err := ts.client.Add(ctx, ukBank("UK"))
	require.NoError(t, err)
	_, err = ts.client.Update(ctx, added.UniqueID, ukBank("UK v2"))
	require.NoError(t, err)
	_, err = ts.client.Update(ctx, added.UniqueID, ukBank("UK v3"))
	assert.ErrorIs(t, err, sentinel.ErrConcurrentModification)

	_, err = ts.client.GetAt(ctx, ids.MustObjectID("Other", "1"), ids.Latest)
	assert.ErrorIs(t, err, sentinel.ErrValidation)
}

func TestMalformedRequestsAreInvalidArgument(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()
	call := func(method string, req any) error {
		return ts.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, &DocumentResponse{}, grpc.CallContentSubtype(codecName))
	}

	tests := []struct {
		name   string
		method string
		req    any
	}{
		{"missing holiday", "Add", &AddRequest{}},
		{"holiday not an object", "Add", &AddRequest{Holiday: json.RawMessage(`"UK"`)}},
		{"bank without region", "Add", &AddRequest{Holiday: json.RawMessage(`{"name":"UK","type":"BANK"}`)}},
		{"update needs a version", "Update", &WriteRequest{UniqueID: "DbHol~1", Holiday: json.RawMessage(`{"name":"UK","type":"BANK","region":{"scheme":"ISO3166","value":"GB"}}`)}},
		{"bad unique id", "Get", &GetRequest{UniqueID: "no-tilde"}},
		{"bad coordinate", "GetAt", &GetAtRequest{ObjectID: "DbHol~1", VersionCorrection: "yesterday"}},
		{"bad sort", "Search", &SearchRequest{Sort: "RANDOM"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := call(tt.method, tt.req)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestSearch(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	uk, err := ts.client.Add(ctx, ukBank("UK Bank"))
	require.NoError(t, err)
	_, err = ts.client.Add(ctx, holiday.MustNew("US Bank", holiday.Bank, holiday.WithRegion(us)))
	require.NoError(t, err)
	_, err = ts.client.Add(ctx, holiday.MustNew("London Trading", holiday.Trading, holiday.WithExchange(xlon)))
	require.NoError(t, err)

	res, err := ts.client.Search(ctx, store.SearchRequest{
		Filter: store.Filter{Name: "*bank"},
		Paging: store.PagingAll,
		Sort:   store.ByName{Desc: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, "US Bank", res.Documents[0].Name)

	search := ids.SearchAny(gb, xlon)
	res, err = ts.client.Search(ctx, store.SearchRequest{
		Filter: store.Filter{ExternalIDs: &search},
		Paging: store.Paging{First: 0, Size: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, store.Paging{First: 0, Size: 1}, res.Paging)

	res, err = ts.client.Search(ctx, store.SearchRequest{
		Filter: store.Filter{ObjectIDs: []ids.ObjectID{}},
		Paging: store.PagingAll,
	})
	require.NoError(t, err)
	assert.Zero(t, res.Total)

	res, err = ts.client.Search(ctx, store.SearchRequest{
		Filter: store.Filter{ObjectIDs: []ids.ObjectID{uk.ObjectID()}},
		Paging: store.PagingAll,
	})
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, uk.UniqueID, res.Documents[0].UniqueID)
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)
	resp, err := ts.client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Healthy)
	assert.Equal(t, Version, resp.Version)
}

func TestInterceptorRecordsRequests(t *testing.T) {
	ts := setupTestServer(t)

	var header metadata.MD
	ctx := metadata.AppendToOutgoingContext(context.Background(), RequestIDHeader, "req-123")
	err := ts.client.conn.Invoke(ctx, "/"+ServiceName+"/Health", &HealthRequest{}, &HealthResponse{},
		grpc.CallContentSubtype(codecName), grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-123"}, header.Get(RequestIDHeader))

	err = ts.client.conn.Invoke(context.Background(), "/"+ServiceName+"/Health", &HealthRequest{}, &HealthResponse{},
		grpc.CallContentSubtype(codecName), grpc.Header(&header))
	require.NoError(t, err)
	require.Len(t, header.Get(RequestIDHeader), 1)
	assert.NotEqual(t, "req-123", header.Get(RequestIDHeader)[0])

	_, err = ts.client.Get(context.Background(), ids.MustObjectID(holiday.Scheme, "404").AtLatest())
	require.Error(t, err)

	health := "/" + ServiceName + "/Health"
	get := "/" + ServiceName + "/Get"
	assert.Equal(t, 2.0, promtest.ToFloat64(ts.metrics.GrpcRequestsTotal.WithLabelValues(health, "OK")))
	assert.Equal(t, 1.0, promtest.ToFloat64(ts.metrics.GrpcRequestsTotal.WithLabelValues(get, "NotFound")))
	assert.Zero(t, promtest.ToFloat64(ts.metrics.GrpcRequestsInFlight))
	assert.Contains(t, ts.logs.String(), `"request_id":"req-123"`)
}

// panicOnHealth fails Health with a panic and serves everything else.
type panicOnHealth struct {
	HolidayMasterServer
}

func (panicOnHealth) Health(context.Context, *HealthRequest) (*HealthResponse, error) {
	panic("boom")
}

func TestPanicsBecomeInternalErrors(t *testing.T) {
	ts := setupTestServer(t, func(s HolidayMasterServer) HolidayMasterServer { return panicOnHealth{s} })
	ctx := context.Background()

	_, err := ts.client.Health(ctx)
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))

	added, err := ts.client.Add(ctx, holiday.MustNew("UK", holiday.Bank, holiday.WithRegion(gb)))
	require.NoError(t, err)
	assert.NotEmpty(t, added.UniqueID)

	health := "/" + ServiceName + "/Health"
	assert.Equal(t, 1.0, promtest.ToFloat64(ts.metrics.GrpcRequestsTotal.WithLabelValues(health, "Internal")))
	assert.Zero(t, promtest.ToFloat64(ts.metrics.GrpcRequestsInFlight))
	assert.Contains(t, ts.logs.String(), "Recovered from handler panic")
}
