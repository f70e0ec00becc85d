// Package vectorstore is a thin gRPC client for Qdrant.
package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config holds connection settings for a Qdrant instance.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Client wraps the Qdrant collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewClient dials the Qdrant gRPC endpoint. The connection is lazy; the
// first call surfaces an unreachable server.
func NewClient(cfg Config) (*Client, error) {
	port := cfg.Port
	if port == 0 {
		port = 6334
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// EnsureCollection creates a cosine collection of the given dimension
// unless it already exists.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	if _, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name}); err == nil {
		return nil
	}
	_, err := c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: dimension, Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// Point is one vector with its payload. ID must be a UUID.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Upsert writes points to collection and waits for the write to apply.
func (c *Client) Upsert(ctx context.Context, collection string, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		payload, err := toValues(p.Payload)
		if err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}
		structs = append(structs, &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
			Payload: payload,
		})
	}
	wait := true
	if _, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         structs,
	}); err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

// Hit is a single search result.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Search returns the topK nearest points, optionally restricted to points
// whose payload key equals the given value.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, topK uint64, match map[string]string) ([]Hit, error) {
	req := &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          topK,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(match) > 0 {
		req.Filter = &pb.Filter{}
		for k, v := range match {
			req.Filter.Must = append(req.Filter.Must, &pb.Condition{
				ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
					Key:   k,
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: v}},
				}},
			})
		}
	}
	resp, err := c.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{
			ID:      r.Id.GetUuid(),
			Score:   r.Score,
			Payload: fromValues(r.Payload),
		})
	}
	return hits, nil
}

// Close tears down the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func toValues(m map[string]any) (map[string]*pb.Value, error) {
	out := make(map[string]*pb.Value, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: x}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: x}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(x)}}
		case int64:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: x}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: x}}
		case []string:
			vals := make([]*pb.Value, 0, len(x))
			for _, s := range x {
				vals = append(vals, &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}})
			}
			out[k] = &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
		default:
			return nil, fmt.Errorf("unsupported payload type %T for %q", v, k)
		}
	}
	return out, nil
}

func fromValues(m map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = fromValue(v)
	}
	return out
}

func fromValue(v *pb.Value) any {
	switch x := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return x.StringValue
	case *pb.Value_BoolValue:
		return x.BoolValue
	case *pb.Value_IntegerValue:
		return x.IntegerValue
	case *pb.Value_DoubleValue:
		return x.DoubleValue
	case *pb.Value_ListValue:
		vals := make([]any, 0, len(x.ListValue.GetValues()))
		for _, item := range x.ListValue.GetValues() {
			vals = append(vals, fromValue(item))
		}
		return vals
	}
	return nil
}
