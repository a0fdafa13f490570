package repository

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/timmy/memedex/internal/vector"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const payloadTemplateID = "template_id"

// QdrantConnectionConfig holds configuration for one Qdrant collection.
type QdrantConnectionConfig struct {
	Host            string
	Port            int
	Collection      string
	APIKey          string // enables TLS
	UseTLS          bool
	VectorDimension int
}

func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantRepository is a vector.Index backed by one Qdrant collection.
// Point ids are template ids.
type QdrantRepository struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	collectionName  string
	vectorDimension int
}

var _ vector.Index = (*QdrantRepository)(nil)

// NewQdrantRepository dials Qdrant. Local instances use plaintext; an API key switches to TLS.
func NewQdrantRepository(cfg *QdrantConnectionConfig) (*QdrantRepository, error) {
	if cfg.VectorDimension <= 0 {
		return nil, fmt.Errorf("qdrant collection %s: vector dimension must be positive", cfg.Collection)
	}

	var opts []grpc.DialOption
	if cfg.UseTLS || cfg.APIKey != "" {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantRepository{
		conn:            conn,
		pointsClient:    pb.NewPointsClient(conn),
		collectClient:   pb.NewCollectionsClient(conn),
		collectionName:  cfg.Collection,
		vectorDimension: cfg.VectorDimension,
	}, nil
}

// Close closes the gRPC connection.
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection if missing and checks its vector size otherwise.
func (r *QdrantRepository) EnsureCollection(ctx context.Context) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: r.collectionName})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok && size != uint64(r.vectorDimension) {
			return fmt.Errorf("collection %s has vector size %d, expected %d", r.collectionName, size, r.vectorDimension)
		}
		return nil
	}

	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", r.collectionName, err)
	}
	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	vectors := info.GetConfig().GetParams().GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if size := vectors.GetParams().GetSize(); size > 0 {
		return size, true
	}
	for _, params := range vectors.GetParamsMap().GetMap() {
		if size := params.GetSize(); size > 0 {
			return size, true
		}
	}
	return 0, false
}

func pointID(id string) (*pb.PointId, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid point ID %q: %w", id, err)
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()}}, nil
}

// Upsert writes the template's vector, replacing any previous one.
func (r *QdrantRepository) Upsert(ctx context.Context, id string, vec []float32) error {
	if len(vec) != r.vectorDimension {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vec), r.vectorDimension)
	}
	pid, err := pointID(id)
	if err != nil {
		return err
	}
	wait := true
	_, err = r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: pid,
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}},
			},
			Payload: map[string]*pb.Value{
				payloadTemplateID: {Kind: &pb.Value_StringValue{StringValue: id}},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

// Search returns the k nearest templates by cosine similarity.
func (r *QdrantRepository) Search(ctx context.Context, query []float32, k int) ([]vector.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	resp, err := r.pointsClient.Search(ctx, &pb.SearchPoints{
		CollectionName: r.collectionName,
		Vector:         query,
		Limit:          uint64(k),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]vector.Hit, 0, len(resp.GetResult()))
	for _, scored := range resp.GetResult() {
		id := scored.GetId().GetUuid()
		if v, ok := scored.GetPayload()[payloadTemplateID]; ok && v.GetStringValue() != "" {
			id = v.GetStringValue()
		}
		hits = append(hits, vector.Hit{ID: id, Score: scored.GetScore()})
	}
	return hits, nil
}

// Delete removes the template's point.
func (r *QdrantRepository) Delete(ctx context.Context, id string) error {
	pid, err := pointID(id)
	if err != nil {
		return err
	}
	_, err = r.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{pid}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point: %w", err)
	}
	return nil
}

// Reset drops and recreates the collection.
func (r *QdrantRepository) Reset(ctx context.Context) error {
	if _, err := r.collectClient.Delete(ctx, &pb.DeleteCollection{CollectionName: r.collectionName}); err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", r.collectionName, err)
	}
	return r.EnsureCollection(ctx)
}
