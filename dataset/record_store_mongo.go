package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultMongoCollection is the collection name file records live in.
const DefaultMongoCollection = "fileMetadata"

// mongoFileDoc is the BSON document schema for file records.
type mongoFileDoc struct {
	ID         bson.ObjectID `bson:"_id"`
	FileRecord `bson:",inline"`
}

func (d mongoFileDoc) record() *FileRecord {
	rec := d.FileRecord
	rec.ID = d.ID.Hex()
	if rec.Columns == nil {
		rec.Columns = []string{}
	}
	return &rec
}

// MongoRecordStore implements RecordStore backed by a MongoDB collection.
// The caller owns the mongo.Client lifecycle.
type MongoRecordStore struct {
	Collection *mongo.Collection
}

func NewMongoRecordStore(collection *mongo.Collection) *MongoRecordStore {
	return &MongoRecordStore{Collection: collection}
}

// EnsureIndexes creates the unique (userId, storedName) index and the userId
// lookup index. Safe to call on every start.
func (s *MongoRecordStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.Collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "storedName", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("userId_storedName_unique"),
		},
		{
			Keys:    bson.D{{Key: "userId", Value: 1}},
			Options: options.Index().SetName("userId"),
		},
	})
	if err != nil {
		return fmt.Errorf("create file record indexes: %w", err)
	}
	return nil
}

func (s *MongoRecordStore) Create(ctx context.Context, rec FileRecord) (*FileRecord, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Columns == nil {
		rec.Columns = []string{}
	}
	doc := mongoFileDoc{ID: bson.NewObjectID(), FileRecord: rec}

	if _, err := s.Collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrRecordExists
		}
		return nil, fmt.Errorf("insert file record: %w", err)
	}
	return doc.record(), nil
}

func (s *MongoRecordStore) FindAll(ctx context.Context) ([]FileRecord, error) {
	return s.find(ctx, bson.M{})
}

func (s *MongoRecordStore) FindByUser(ctx context.Context, userID string) ([]FileRecord, error) {
	return s.find(ctx, bson.M{"userId": userID})
}

func (s *MongoRecordStore) FindByIDAndUser(ctx context.Context, id, userID string) (*FileRecord, error) {
	oid, ok := parseObjectID(id)
	if !ok {
		return nil, nil
	}
	return s.findOne(ctx, bson.M{"_id": oid, "userId": userID})
}

func (s *MongoRecordStore) FindByStoredNameAndUser(ctx context.Context, storedName, userID string) (*FileRecord, error) {
	return s.findOne(ctx, bson.M{"storedName": storedName, "userId": userID})
}

func (s *MongoRecordStore) UpdateLoaded(ctx context.Context, id string, columns []string, rowCount int64) (*FileRecord, error) {
	oid, ok := parseObjectID(id)
	if !ok {
		return nil, nil
	}
	if columns == nil {
		columns = []string{}
	}

	var doc mongoFileDoc
	err := s.Collection.FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{
			"isLoaded":  true,
			"columns":   columns,
			"rowCount":  rowCount,
			"updatedAt": time.Now().UTC(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("update file record %s: %w", id, err)
	}
	return doc.record(), nil
}

func (s *MongoRecordStore) MarkUnloaded(ctx context.Context, id string) error {
	oid, ok := parseObjectID(id)
	if !ok {
		return nil
	}
	_, err := s.Collection.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"isLoaded": false, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("mark file record %s unloaded: %w", id, err)
	}
	return nil
}

func (s *MongoRecordStore) DeleteByIDAndUser(ctx context.Context, id, userID string) (bool, error) {
	oid, ok := parseObjectID(id)
	if !ok {
		return false, nil
	}
	return s.deleteOne(ctx, bson.M{"_id": oid, "userId": userID})
}

func (s *MongoRecordStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	oid, ok := parseObjectID(id)
	if !ok {
		return false, nil
	}
	return s.deleteOne(ctx, bson.M{"_id": oid})
}

func (s *MongoRecordStore) find(ctx context.Context, filter bson.M) ([]FileRecord, error) {
	cur, err := s.Collection.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "storedName", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find file records: %w", err)
	}
	var docs []mongoFileDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode file records: %w", err)
	}

	out := make([]FileRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, *d.record())
	}
	return out, nil
}

func (s *MongoRecordStore) findOne(ctx context.Context, filter bson.M) (*FileRecord, error) {
	var doc mongoFileDoc
	err := s.Collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find file record: %w", err)
	}
	return doc.record(), nil
}

func (s *MongoRecordStore) deleteOne(ctx context.Context, filter bson.M) (bool, error) {
	res, err := s.Collection.DeleteOne(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("delete file record: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func parseObjectID(id string) (bson.ObjectID, bool) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return bson.ObjectID{}, false
	}
	return oid, true
}
