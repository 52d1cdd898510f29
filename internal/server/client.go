package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/holiday"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/store"
)

// Client is a typed HolidayMaster client. Errors unwrap to the same
// sentinels the server side returned.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial connects to target without transport security. The caller closes
// the returned connection.
func Dial(target string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return NewClient(conn), conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(codecName))
	return fromStatus(err)
}

func (c *Client) document(ctx context.Context, method string, req any) (document.Document[holiday.Holiday], error) {
	var resp DocumentResponse
	if err := c.invoke(ctx, method, req, &resp); err != nil {
		return document.Document[holiday.Holiday]{}, err
	}
	return fromMessage(resp.Document)
}

func (c *Client) Add(ctx context.Context, h holiday.Holiday) (document.Document[holiday.Holiday], error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return document.Document[holiday.Holiday]{}, err
	}
	return c.document(ctx, "Add", &AddRequest{Holiday: raw})
}

func (c *Client) Get(ctx context.Context, uid ids.UniqueID) (document.Document[holiday.Holiday], error) {
	return c.document(ctx, "Get", &GetRequest{UniqueID: uid.String()})
}

func (c *Client) GetAt(ctx context.Context, oid ids.ObjectID, vc ids.VersionCorrection) (document.Document[holiday.Holiday], error) {
	return c.document(ctx, "GetAt", &GetAtRequest{ObjectID: oid.String(), VersionCorrection: vc.String()})
}

func (c *Client) Update(ctx context.Context, uid ids.UniqueID, h holiday.Holiday) (document.Document[holiday.Holiday], error) {
	return c.write(ctx, "Update", uid, h)
}

func (c *Client) Correct(ctx context.Context, uid ids.UniqueID, h holiday.Holiday) (document.Document[holiday.Holiday], error) {
	return c.write(ctx, "Correct", uid, h)
}

func (c *Client) write(ctx context.Context, method string, uid ids.UniqueID, h holiday.Holiday) (document.Document[holiday.Holiday], error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return document.Document[holiday.Holiday]{}, err
	}
	return c.document(ctx, method, &WriteRequest{UniqueID: uid.String(), Holiday: raw})
}

func (c *Client) Remove(ctx context.Context, uid ids.UniqueID) error {
	return c.invoke(ctx, "Remove", &RemoveRequest{UniqueID: uid.String()}, &RemoveResponse{})
}

func (c *Client) Search(ctx context.Context, req store.SearchRequest) (store.SearchResult[holiday.Holiday], error) {
	msg := encodeSearch(req)
	var resp SearchResponse
	if err := c.invoke(ctx, "Search", &msg, &resp); err != nil {
		return store.SearchResult[holiday.Holiday]{}, err
	}
	docs, err := fromMessages(resp.Documents)
	if err != nil {
		return store.SearchResult[holiday.Holiday]{}, err
	}
	return store.SearchResult[holiday.Holiday]{
		Documents: docs,
		Paging:    store.Paging{First: resp.First, Size: resp.Size},
		Total:     resp.Total,
	}, nil
}

func (c *Client) History(ctx context.Context, req store.HistoryRequest) ([]document.Document[holiday.Holiday], error) {
	msg := encodeHistory(req)
	var resp HistoryResponse
	if err := c.invoke(ctx, "History", &msg, &resp); err != nil {
		return nil, err
	}
	return fromMessages(resp.Documents)
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.invoke(ctx, "Health", &HealthRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
