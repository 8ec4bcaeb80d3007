package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoStores struct {
	client  *mongo.Client
	tags    *mongo.Collection
	keys    *mongo.Collection
	objects *mongo.Collection
}

// NewMongoStores connects, verifies the connection, and ensures indexes.
// The phrase hash index is unique: one tag per phrase.
func NewMongoStores(ctx context.Context, uri, dbName string) (*MongoStores, error) {
	if uri == "" {
		return nil, errors.New("storage: mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return NewMongoStoresWithClient(ctx, cli, dbName)
}

func NewMongoStoresWithClient(ctx context.Context, cli *mongo.Client, dbName string) (*MongoStores, error) {
	db := cli.Database(dbName)
	s := &MongoStores{
		client:  cli,
		tags:    db.Collection("secret_tags"),
		keys:    db.Collection("wrapped_keys"),
		objects: db.Collection("vault_objects"),
	}

	_, _ = s.tags.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "phraseHash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	_, _ = s.keys.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tagId", Value: 1}},
	})
	_, _ = s.objects.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "vaultId", Value: 1}, {Key: "objectId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})

	return s, nil
}

func (s *MongoStores) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ---------- TagStore ----------

func (s *MongoStores) CreateTag(ctx context.Context, rec TagRecord) error {
	_, err := s.tags.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicatePhrase
	}
	return err
}

func (s *MongoStores) GetTag(ctx context.Context, tagID string) (TagRecord, error) {
	var rec TagRecord
	err := s.tags.FindOne(ctx, bson.M{"_id": tagID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return TagRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *MongoStores) ListTags(ctx context.Context) ([]TagRecord, error) {
	cur, err := s.tags.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []TagRecord
	for cur.Next(ctx) {
		var rec TagRecord
		if err := cur.Decode(&rec); err == nil {
			out = append(out, rec)
		}
	}
	return out, cur.Err()
}

func (s *MongoStores) DeleteTag(ctx context.Context, tagID string) error {
	res, err := s.tags.DeleteOne(ctx, bson.M{"_id": tagID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	_, _ = s.keys.DeleteMany(ctx, bson.M{"tagId": tagID})
	return nil
}

func (s *MongoStores) AddWrappedKey(ctx context.Context, rec WrappedKeyRecord) error {
	if _, err := s.GetTag(ctx, rec.TagID); err != nil {
		return err
	}
	_, err := s.keys.UpdateOne(
		ctx,
		bson.M{"tagId": rec.TagID, "vaultId": rec.VaultID, "purpose": rec.Purpose},
		bson.M{
			"$set": bson.M{
				"wrapped":   rec.Wrapped,
				"version":   rec.Version,
				"updatedAt": time.Now(),
			},
			"$setOnInsert": bson.M{
				"createdAt": time.Now(),
			},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStores) KeysForTag(ctx context.Context, tagID string) ([]WrappedKeyRecord, error) {
	cur, err := s.keys.Find(ctx, bson.M{"tagId": tagID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []WrappedKeyRecord
	for cur.Next(ctx) {
		var rec WrappedKeyRecord
		if err := cur.Decode(&rec); err == nil {
			out = append(out, rec)
		}
	}
	return out, cur.Err()
}

// ---------- ObjectStore ----------

// PutObject is insert-only; the unique vaultId+objectId index turns a
// rewrite attempt into ErrDuplicateObject.
func (s *MongoStores) PutObject(ctx context.Context, rec ObjectRecord) error {
	_, err := s.objects.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateObject
	}
	return err
}

func (s *MongoStores) GetObject(ctx context.Context, vaultID, objectID string) (ObjectRecord, error) {
	var rec ObjectRecord
	err := s.objects.FindOne(ctx, bson.M{"vaultId": vaultID, "objectId": objectID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ObjectRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *MongoStores) ListObjects(ctx context.Context, vaultID string) ([]ObjectRecord, error) {
	cur, err := s.objects.Find(ctx, bson.M{"vaultId": vaultID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []ObjectRecord
	for cur.Next(ctx) {
		var rec ObjectRecord
		if err := cur.Decode(&rec); err == nil {
			out = append(out, rec)
		}
	}
	return out, cur.Err()
}

func (s *MongoStores) DeleteObject(ctx context.Context, vaultID, objectID string) error {
	_, err := s.objects.DeleteOne(ctx, bson.M{"vaultId": vaultID, "objectId": objectID})
	return err
}
