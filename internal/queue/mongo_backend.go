package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/webstalk-dev/webstalk/internal/types"
)

// mongoQueueDoc is the on-disk shape of a queue record. Mongo assigns the
// document _id server-side; clients accept the returned id rather than
// deriving one themselves.
type mongoQueueDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	UniqueKey string             `bson:"unique_key"`
	OrderNo   float64            `bson:"order_no"`
	HandledAt *time.Time         `bson:"handled_at,omitempty"`
	Payload   []byte             `bson:"payload"`
}

// orderSeq hands out monotonically increasing order numbers for normal
// inserts and a separate, always-lower sequence for forefront inserts,
// guarded by a mutex since InsertOne calls can run concurrently from
// multiple goroutines sharing one MongoBackend.
type orderSeq struct {
	mu           sync.Mutex
	next         float64
	forefrontSeq float64
}

func (s *orderSeq) inc() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}

// forefront returns an order number that always sorts below every normal
// one (anchored at forefrontOrderBase) but increases with each call, so
// successive forefront inserts pop in the order they were added instead of
// reversed.
func (s *orderSeq) forefront() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forefrontSeq++
	return forefrontOrderBase + s.forefrontSeq
}

// MongoBackend implements Backend over a MongoDB collection: a durable,
// remote, eventually-consistent store shared by any number of clients.
type MongoBackend struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        *slog.Logger
	order      orderSeq
}

// NewMongoBackend connects to uri and binds to database.collection.
func NewMongoBackend(ctx context.Context, uri, database, collection string, log *slog.Logger) (*MongoBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	if _, err := coll.Indexes().CreateOne(ctx, mongoIndexModel()); err != nil {
		log.Warn("could not ensure unique_key index", "error", err)
	}

	return &MongoBackend{
		client:     client,
		collection: coll,
		log:        log.With("component", "mongo_queue_backend"),
	}, nil
}

func mongoIndexModel() mongo.IndexModel {
	return mongo.IndexModel{
		Keys:    bson.D{{Key: "unique_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
}

// Close disconnects the underlying client.
func (b *MongoBackend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

func (b *MongoBackend) wrapErr(op string, err error) error {
	if err == nil || err == mongo.ErrNoDocuments {
		return nil
	}
	// Any driver-level failure (network partition, auth, etc.) is treated
	// as transient: RequestQueue passes it up unchanged, and where it
	// reaches the pool it is logged and retried on a later tick rather than
	// failing the crawl outright.
	return &types.TransientBackendError{Op: op, Err: err}
}

// Add implements Backend.
func (b *MongoBackend) Add(ctx context.Context, req *types.Request, forefront bool) (types.QueueOperationInfo, error) {
	uniqueKey := req.UniqueKey
	if uniqueKey == "" {
		uniqueKey = types.CanonicalizeURL(req.URLString())
		req.UniqueKey = uniqueKey
	}

	payload, err := encodeRequest(req)
	if err != nil {
		return types.QueueOperationInfo{}, fmt.Errorf("encode request: %w", err)
	}

	doc := mongoQueueDoc{UniqueKey: uniqueKey, OrderNo: b.orderNo(forefront), Payload: payload}
	res, err := b.collection.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, getErr := b.getRecordByUniqueKey(ctx, uniqueKey)
			if getErr != nil {
				return types.QueueOperationInfo{}, b.wrapErr("add", getErr)
			}
			return types.QueueOperationInfo{
				RequestID:         existing.ID,
				WasAlreadyPresent: true,
				WasAlreadyHandled: existing.IsHandled(),
				Request:           existing.Request,
			}, nil
		}
		return types.QueueOperationInfo{}, b.wrapErr("add", err)
	}

	id := res.InsertedID.(primitive.ObjectID).Hex()
	req.ID = id
	return types.QueueOperationInfo{RequestID: id, Request: req}, nil
}

// Update implements Backend.
func (b *MongoBackend) Update(ctx context.Context, req *types.Request, forefront bool) (types.QueueOperationInfo, error) {
	oid, err := primitive.ObjectIDFromHex(req.ID)
	if err != nil {
		return types.QueueOperationInfo{}, &types.ValidationError{Op: "update", Err: err}
	}

	payload, err := encodeRequest(req)
	if err != nil {
		return types.QueueOperationInfo{}, fmt.Errorf("encode request: %w", err)
	}

	set := bson.M{"payload": payload, "handled_at": req.HandledAt}
	if forefront {
		set["order_no"] = b.orderNo(true)
	}

	var before mongoQueueDoc
	err = b.collection.FindOneAndUpdate(ctx, bson.M{"_id": oid}, bson.M{"$set": set}).Decode(&before)
	if err != nil {
		return types.QueueOperationInfo{}, b.wrapErr("update", err)
	}

	return types.QueueOperationInfo{RequestID: req.ID, WasAlreadyHandled: before.HandledAt != nil, Request: req}, nil
}

// Get implements Backend.
func (b *MongoBackend) Get(ctx context.Context, id string) (*types.Request, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, &types.ValidationError{Op: "get", Err: err}
	}

	var doc mongoQueueDoc
	err = b.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, b.wrapErr("get", err)
	}

	req, err := decodeRequest(doc.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	req.ID = id
	req.UniqueKey = doc.UniqueKey
	req.HandledAt = doc.HandledAt
	return req, nil
}

func (b *MongoBackend) getRecordByUniqueKey(ctx context.Context, uniqueKey string) (*types.QueueRecord, error) {
	var doc mongoQueueDoc
	if err := b.collection.FindOne(ctx, bson.M{"unique_key": uniqueKey}).Decode(&doc); err != nil {
		return nil, err
	}
	req, err := decodeRequest(doc.Payload)
	if err != nil {
		return nil, err
	}
	id := doc.ID.Hex()
	req.ID = id
	req.UniqueKey = uniqueKey
	req.HandledAt = doc.HandledAt
	return &types.QueueRecord{ID: id, Request: req, OrderNo: doc.OrderNo, HandledAt: doc.HandledAt}, nil
}

// ListHead implements Backend. Client identity is tracked by
// ClientRegistry outside the backend rather than asking Mongo to report
// it.
func (b *MongoBackend) ListHead(ctx context.Context, limit int) (types.HeadListing, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "order_no", Value: 1}}).SetLimit(int64(limit))
	cur, err := b.collection.Find(ctx, bson.M{"handled_at": nil}, findOpts)
	if err != nil {
		return types.HeadListing{}, b.wrapErr("list_head", err)
	}
	defer cur.Close(ctx)

	var items []types.HeadItem
	for cur.Next(ctx) {
		var doc mongoQueueDoc
		if err := cur.Decode(&doc); err != nil {
			return types.HeadListing{}, fmt.Errorf("decode head item: %w", err)
		}
		items = append(items, types.HeadItem{ID: doc.ID.Hex(), UniqueKey: doc.UniqueKey})
	}
	if err := cur.Err(); err != nil {
		return types.HeadListing{}, b.wrapErr("list_head", err)
	}

	return types.HeadListing{Items: items, QueueModifiedAt: time.Now()}, nil
}

// GetInfo implements Backend.
func (b *MongoBackend) GetInfo(ctx context.Context) (types.QueueInfo, error) {
	total, err := b.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return types.QueueInfo{}, b.wrapErr("get_info", err)
	}
	handled, err := b.collection.CountDocuments(ctx, bson.M{"handled_at": bson.M{"$ne": nil}})
	if err != nil {
		return types.QueueInfo{}, b.wrapErr("get_info", err)
	}

	now := time.Now()
	return types.QueueInfo{
		TotalRequestCount:   int(total),
		HandledRequestCount: int(handled),
		PendingRequestCount: int(total - handled),
		ModifiedAt:          now,
		AccessedAt:          now,
	}, nil
}

// DeleteRequest implements Backend.
func (b *MongoBackend) DeleteRequest(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return &types.ValidationError{Op: "delete_request", Err: err}
	}
	_, err = b.collection.DeleteOne(ctx, bson.M{"_id": oid})
	return b.wrapErr("delete_request", err)
}

// Delete implements Backend.
func (b *MongoBackend) Delete(ctx context.Context) error {
	return b.collection.Drop(ctx)
}

func (b *MongoBackend) orderNo(forefront bool) float64 {
	if forefront {
		return b.order.forefront()
	}
	return b.order.inc()
}
