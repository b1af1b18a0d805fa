package qdrant

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"sagebot/internal/domain"
	"sagebot/internal/vectorstore"
	"sagebot/internal/vectorstore/memory"
)

const (
	DefaultPrefix = "sagebot_"
	pageSize      = 256
)

// pointNamespace seeds the deterministic point ids.
var pointNamespace = uuid.MustParse("6f1c3a52-8d0b-4f57-9a8e-2f4c6b1d7e90")

// PointsAPI is the subset of the Qdrant points service used by Store.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// CollectionsAPI is the subset of the Qdrant collections service used by Store.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	CollectionExists(ctx context.Context, in *pb.CollectionExistsRequest, opts ...grpc.CallOption) (*pb.CollectionExistsResponse, error)
}

type Config struct {
	// Addr is the gRPC endpoint, e.g. localhost:6334.
	Addr   string
	APIKey string
	Prefix string
}

// Store keeps each index in its own Qdrant collection named prefix+key.
type Store struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	prefix      string
	logger      *zap.Logger
	now         func() time.Time
}

var _ vectorstore.Store = (*Store)(nil)

// New creates a Store connected to Qdrant over gRPC.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if cfg.APIKey != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
	}
	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial %s: %w", cfg.Addr, err)
	}
	s := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), cfg.Prefix, logger)
	s.conn = conn
	return s, nil
}

// NewWithClients builds a Store on top of existing service clients.
func NewWithClients(points PointsAPI, collections CollectionsAPI, prefix string, logger *zap.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		points:      points,
		collections: collections,
		prefix:      prefix,
		logger:      logger,
		now:         time.Now,
	}
}

// Close closes the underlying gRPC connection, if any.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(metadata.AppendToOutgoingContext(ctx, "api-key", key), method, req, reply, cc, opts...)
	}
}

func (s *Store) collection(key string) string { return s.prefix + key }

// Save replaces the collection for key with the contents of idx.
func (s *Store) Save(ctx context.Context, key string, idx *memory.Index) error {
	if err := vectorstore.ValidateKey(key); err != nil {
		return err
	}
	name := s.collection(key)
	snap := idx.Snapshot()
	dim := idx.Dimension()
	if dim == 0 {
		dim = 1
	}

	exists, err := s.exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		if _, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
			return fmt.Errorf("qdrant: delete collection %s: %w", name, err)
		}
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(dim), Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection %s: %w", name, err)
	}

	savedAt := s.now().UTC().Format(time.RFC3339Nano)
	points := make([]*pb.PointStruct, 0, len(snap.Chunks))
	for i, c := range snap.Chunks {
		points = append(points, &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{
				Uuid: uuid.NewSHA1(pointNamespace, []byte(fmt.Sprintf("%s/%d", key, i))).String(),
			}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: storedVector(snap.Vectors[i], dim)},
			}},
			Payload: payload(c, i, snap, savedAt, len(snap.Vectors[i]) == 0),
		})
	}

	wait := true
	for start := 0; start < len(points); start += pageSize {
		end := min(start+pageSize, len(points))
		_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: name,
			Wait:           &wait,
			Points:         points[start:end],
		})
		if err != nil {
			return fmt.Errorf("qdrant: upsert %d points into %s: %w", end-start, name, err)
		}
	}
	s.logger.Debug("index saved", zap.String("collection", name), zap.Int("points", len(points)))
	return nil
}

// storedVector substitutes a unit vector for placeholder entries, which
// carry no embedding but still need a point in the collection.
func storedVector(v []float32, dim int) []float32 {
	if len(v) > 0 {
		return v
	}
	unit := make([]float32, dim)
	unit[0] = 1
	return unit
}

func payload(c domain.Chunk, seq int, snap memory.Snapshot, savedAt string, placeholder bool) map[string]*pb.Value {
	return map[string]*pb.Value{
		"text":        stringValue(c.Text),
		"index":       intValue(int64(c.Index)),
		"offset":      intValue(int64(c.Offset)),
		"source":      stringValue(c.Source),
		"page":        intValue(int64(c.Page)),
		"seq":         intValue(int64(seq)),
		"model":       stringValue(snap.Model),
		"dims":        intValue(int64(snap.Dims)),
		"placeholder": {Kind: &pb.Value_BoolValue{BoolValue: placeholder}},
		"saved_at":    stringValue(savedAt),
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(n int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}}
}

func (s *Store) exists(ctx context.Context, name string) (bool, error) {
	resp, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: name})
	if err != nil {
		return false, fmt.Errorf("qdrant: check collection %s: %w", name, err)
	}
	return resp.GetResult().GetExists(), nil
}

type storedPoint struct {
	seq    int64
	chunk  domain.Chunk
	vector []float32
}

// Load scrolls every point of the collection back into an index.
func (s *Store) Load(ctx context.Context, key string) (*memory.Index, bool, error) {
	if err := vectorstore.ValidateKey(key); err != nil {
		return nil, false, err
	}
	name := s.collection(key)
	exists, err := s.exists(ctx, name)
	if err != nil || !exists {
		return nil, false, err
	}

	var (
		stored []storedPoint
		model  string
		dims   int
		offset *pb.PointId
		limit  = uint32(pageSize)
	)
	for {
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: name,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
			WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, false, fmt.Errorf("qdrant: scroll %s: %w", name, err)
		}
		for _, p := range resp.GetResult() {
			pl := p.GetPayload()
			model = pl["model"].GetStringValue()
			dims = int(pl["dims"].GetIntegerValue())
			sp := storedPoint{
				seq: pl["seq"].GetIntegerValue(),
				chunk: domain.Chunk{
					Text:   pl["text"].GetStringValue(),
					Index:  int(pl["index"].GetIntegerValue()),
					Offset: int(pl["offset"].GetIntegerValue()),
					Source: pl["source"].GetStringValue(),
					Page:   int(pl["page"].GetIntegerValue()),
				},
			}
			if !pl["placeholder"].GetBoolValue() {
				sp.vector = denseVector(p)
			}
			stored = append(stored, sp)
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	sort.Slice(stored, func(i, j int) bool { return stored[i].seq < stored[j].seq })
	chunks := make([]domain.Chunk, len(stored))
	vectors := make([][]float32, len(stored))
	for i, sp := range stored {
		chunks[i] = sp.chunk
		vectors[i] = sp.vector
	}
	idx := memory.New(model, dims)
	if err := idx.Add(chunks, vectors); err != nil {
		return nil, false, fmt.Errorf("qdrant: load %s: %w", name, err)
	}
	return idx, true, nil
}

func denseVector(p *pb.RetrievedPoint) []float32 {
	v := p.GetVectors().GetVector()
	if data := v.GetDense().GetData(); len(data) > 0 {
		return data
	}
	return v.GetData()
}

// List returns the indices owned by this store, most recently saved first.
func (s *Store) List(ctx context.Context) ([]vectorstore.IndexInfo, error) {
	resp, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return nil, fmt.Errorf("qdrant: list collections: %w", err)
	}
	var infos []vectorstore.IndexInfo
	for _, c := range resp.GetCollections() {
		key, ok := strings.CutPrefix(c.GetName(), s.prefix)
		if !ok || key == "" {
			continue
		}
		info, err := s.describe(ctx, c.GetName())
		if err != nil {
			return nil, err
		}
		info.Key = key
		infos = append(infos, info)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].ModTime.Equal(infos[j].ModTime) {
			return infos[i].Key < infos[j].Key
		}
		return infos[i].ModTime.After(infos[j].ModTime)
	})
	return infos, nil
}

func (s *Store) describe(ctx context.Context, name string) (vectorstore.IndexInfo, error) {
	var info vectorstore.IndexInfo
	exact := true
	count, err := s.points.Count(ctx, &pb.CountPoints{CollectionName: name, Exact: &exact})
	if err != nil {
		return info, fmt.Errorf("qdrant: count %s: %w", name, err)
	}
	info.Chunks = int(count.GetResult().GetCount())

	one := uint32(1)
	resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: name,
		Limit:          &one,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return info, fmt.Errorf("qdrant: scroll %s: %w", name, err)
	}
	if pts := resp.GetResult(); len(pts) > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, pts[0].GetPayload()["saved_at"].GetStringValue()); err == nil {
			info.ModTime = ts
		}
	}
	return info, nil
}

// Delete drops the collection for key. Missing collections are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := vectorstore.ValidateKey(key); err != nil {
		return err
	}
	name := s.collection(key)
	exists, err := s.exists(ctx, name)
	if err != nil || !exists {
		return err
	}
	if _, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
		return fmt.Errorf("qdrant: delete collection %s: %w", name, err)
	}
	return nil
}
