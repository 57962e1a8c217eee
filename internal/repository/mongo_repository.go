package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"card-grading-service/internal/model"
)

const (
	ordersCollection  = "orders"
	recordsCollection = "grading_records"
)

// recordDocument embeds the history next to the record so a status change
// and its event land in one single-document update.
type recordDocument struct {
	model.GradingRecord `bson:",inline"`
	History             []model.HistoryEvent `bson:"history"`
}

// Mongo implementation
type MongoRepository struct {
	orders  *mongo.Collection
	records *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		orders:  db.Collection(ordersCollection),
		records: db.Collection(recordsCollection),
	}
}

// EnsureIndexes creates the uniqueness constraints the lifecycle relies on.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "certificate_code", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"certificate_code": bson.M{"$type": "string"}}),
		},
		{Keys: bson.D{{Key: "order_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create record indexes: %w", err)
	}
	_, err = m.orders.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "payment_reference", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create order indexes: %w", err)
	}
	return nil
}

// InsertOrder writes the order and then its records. A failed record batch
// is compensated by deleting what was written; the returned count is how
// many records are still persisted afterwards.
func (m *MongoRepository) InsertOrder(ctx context.Context, order model.Order, records []model.GradingRecord) (int, error) {
	if _, err := m.orders.InsertOne(ctx, order); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, ErrDuplicatePayment
		}
		return 0, fmt.Errorf("insert order: %w", err)
	}

	docs := make([]any, 0, len(records))
	for _, r := range records {
		docs = append(docs, recordDocument{GradingRecord: r, History: []model.HistoryEvent{}})
	}
	_, err := m.records.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err == nil {
		return len(records), nil
	}

	// The rollback must outlive the request that just timed out.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	return compensateIntake(rctx, mongoIntakeRollback{m}, order.ID, fmt.Errorf("insert records: %w", err))
}

const rollbackTimeout = 5 * time.Second

// intakeRollback undoes a half-written intake.
type intakeRollback interface {
	deleteRecords(ctx context.Context, orderID string) error
	countRecords(ctx context.Context, orderID string) (int, error)
	deleteOrder(ctx context.Context, orderID string) error
}

// compensateIntake removes the records and then the order. Whatever cannot
// be removed is reported: a positive count for surviving records, and
// ErrIncompleteRollback whenever the order row may still hold the payment
// reference.
func compensateIntake(ctx context.Context, rb intakeRollback, orderID string, cause error) (int, error) {
	if delErr := rb.deleteRecords(ctx, orderID); delErr != nil {
		n, countErr := rb.countRecords(ctx, orderID)
		if countErr != nil {
			return 0, errors.Join(cause, ErrIncompleteRollback, delErr, countErr)
		}
		if n > 0 {
			return n, errors.Join(cause, ErrIncompleteRollback, delErr)
		}
	}
	if delErr := rb.deleteOrder(ctx, orderID); delErr != nil {
		return 0, errors.Join(cause, ErrIncompleteRollback, delErr)
	}
	return 0, cause
}

type mongoIntakeRollback struct{ m *MongoRepository }

func (r mongoIntakeRollback) deleteRecords(ctx context.Context, orderID string) error {
	_, err := r.m.records.DeleteMany(ctx, bson.M{"order_id": orderID})
	return err
}

func (r mongoIntakeRollback) countRecords(ctx context.Context, orderID string) (int, error) {
	n, err := r.m.records.CountDocuments(ctx, bson.M{"order_id": orderID})
	return int(n), err
}

func (r mongoIntakeRollback) deleteOrder(ctx context.Context, orderID string) error {
	_, err := r.m.orders.DeleteOne(ctx, bson.M{"_id": orderID})
	return err
}

func (m *MongoRepository) FlagOrder(ctx context.Context, orderID, note string) error {
	res, err := m.orders.UpdateOne(ctx, bson.M{"_id": orderID}, bson.M{
		"$set": bson.M{"needs_reconciliation": true, "reconciliation_note": note},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoRepository) GetOrder(ctx context.Context, orderID string) (model.Order, error) {
	return m.findOrder(ctx, bson.M{"_id": orderID})
}

func (m *MongoRepository) FindOrderByPayment(ctx context.Context, ref string) (model.Order, error) {
	return m.findOrder(ctx, bson.M{"payment_reference": ref})
}

func (m *MongoRepository) findOrder(ctx context.Context, filter bson.M) (model.Order, error) {
	var o model.Order
	err := m.orders.FindOne(ctx, filter).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Order{}, ErrNotFound
	}
	return o, err
}

func (m *MongoRepository) ListOrders(ctx context.Context) ([]model.Order, error) {
	cur, err := m.orders.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []model.Order{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoRepository) GetRecord(ctx context.Context, id string) (model.GradingRecord, error) {
	return m.findRecord(ctx, bson.M{"_id": id})
}

func (m *MongoRepository) GetRecordByCode(ctx context.Context, code string) (model.GradingRecord, error) {
	return m.findRecord(ctx, bson.M{"certificate_code": code})
}

func (m *MongoRepository) findRecord(ctx context.Context, filter bson.M) (model.GradingRecord, error) {
	var r model.GradingRecord
	opts := options.FindOne().SetProjection(bson.M{"history": 0})
	err := m.records.FindOne(ctx, filter, opts).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.GradingRecord{}, ErrNotFound
	}
	return r, err
}

func (m *MongoRepository) ListRecords(ctx context.Context, f RecordFilter) ([]model.GradingRecord, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.OrderID != "" {
		filter["order_id"] = f.OrderID
	}
	opts := options.Find().
		SetProjection(bson.M{"history": 0}).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := m.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []model.GradingRecord{}
	for cur.Next(ctx) {
		var r model.GradingRecord
		if err := cur.Decode(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, cur.Err()
}

func (m *MongoRepository) CertificateCodes(ctx context.Context) (map[string]struct{}, error) {
	vals, err := m.records.Distinct(ctx, "certificate_code", bson.M{"certificate_code": bson.M{"$type": "string"}})
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out[s] = struct{}{}
		}
	}
	return out, nil
}

// CommitTransition sets the new state and pushes the event in one update
// guarded by the expected version.
func (m *MongoRepository) CommitTransition(ctx context.Context, rec model.GradingRecord, expectedVersion int64, event model.HistoryEvent) (model.GradingRecord, error) {
	set := bson.M{
		"status":  rec.Status,
		"version": expectedVersion + 1,
	}
	if rec.CertificateCode != "" {
		set["certificate_code"] = rec.CertificateCode
	}
	if rec.GradingDetails != nil {
		set["grading_details"] = rec.GradingDetails
		set["front_image_url"] = rec.FrontImageURL
		set["back_image_url"] = rec.BackImageURL
	}
	if rec.GradedAt != nil {
		set["graded_at"] = rec.GradedAt
		set["graded_by"] = rec.GradedBy
	}

	filter := bson.M{"_id": rec.ID, "version": expectedVersion}
	update := bson.M{
		"$set":  set,
		"$push": bson.M{"history": event},
	}

	res, err := m.records.UpdateOne(ctx, filter, update)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.GradingRecord{}, ErrDuplicateCertificate
		}
		return model.GradingRecord{}, err
	}
	if res.MatchedCount == 0 {
		if _, err := m.GetRecord(ctx, rec.ID); err != nil {
			return model.GradingRecord{}, err
		}
		return model.GradingRecord{}, ErrVersionConflict
	}

	out := cloneRecord(rec)
	out.Version = expectedVersion + 1
	return out, nil
}

func (m *MongoRepository) History(ctx context.Context, recordID string) ([]model.HistoryEvent, error) {
	var doc recordDocument
	opts := options.FindOne().SetProjection(bson.M{"history": 1})
	err := m.records.FindOne(ctx, bson.M{"_id": recordID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := doc.History
	if out == nil {
		out = []model.HistoryEvent{}
	}
	sortHistory(out)
	return out, nil
}

func (m *MongoRepository) AllHistory(ctx context.Context) ([]model.HistoryEvent, error) {
	cur, err := m.records.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"history": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.HistoryEvent
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.History...)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sortHistory(out)
	return out, nil
}

func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.records.Database().Client().Ping(ctx, nil)
}
